// Package image 提供图片生成与生成历史接口。
package image

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"imggen/internal/api/auth"
	"imggen/internal/api/request"
	"imggen/internal/api/response"
	"imggen/internal/model"
	"imggen/internal/pkg/apperr"
	"imggen/internal/pkg/imagegen"
	"imggen/internal/pkg/metrics"
	"imggen/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 分页参数。
const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Store 生成记录持久化。
type Store interface {
	Create(ctx context.Context, images []model.Image) error
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]model.Image, int64, error)
	DeleteForUser(ctx context.Context, userID, id uint) error
	DeleteManyForUser(ctx context.Context, userID uint, ids []uint) (int64, error)
}

// ResultCache 匿名结果缓存。
type ResultCache interface {
	Save(ctx context.Context, res *AnonResult) error
	Get(ctx context.Context, id string) (*AnonResult, error)
}

// Handler 图片相关接口。
type Handler struct {
	images    Store
	generator imagegen.Generator
	cache     ResultCache
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler 创建图片 Handler。
func NewHandler(images Store, generator imagegen.Generator, cache ResultCache, logger *slog.Logger) *Handler {
	return &Handler{
		images:    images,
		generator: generator,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

type generateRequest struct {
	Prompt    string `json:"prompt" binding:"required,max=1000"`
	Model     string `json:"model" binding:"max=100"`
	ImageSize string `json:"image_size" binding:"omitempty,oneof=1024x1024 1280x1280 1024x1280 1280x1024"`
	BatchSize *int   `json:"batch_size" binding:"omitnil,min=1,max=4"`
}

// normalize 填充默认值。格式校验已由 binding 标签完成。
func (r *generateRequest) normalize() (imagegen.Request, error) {
	prompt := strings.TrimSpace(r.Prompt)
	if prompt == "" {
		return imagegen.Request{}, apperr.Validation("prompt is required")
	}
	req := imagegen.Request{
		Prompt:    prompt,
		Model:     strings.TrimSpace(r.Model),
		ImageSize: r.ImageSize,
		BatchSize: 1,
	}
	if req.Model == "" {
		req.Model = imagegen.DefaultModel
	}
	if req.ImageSize == "" {
		req.ImageSize = imagegen.DefaultImageSize
	}
	if r.BatchSize != nil {
		req.BatchSize = *r.BatchSize
	}
	return req, nil
}

// Generate 生成图片。登录用户的结果写入数据库，匿名结果缓存到 Redis。
func (h *Handler) Generate(c *gin.Context) {
	var body generateRequest
	if err := request.BindJSON(c, &body); err != nil {
		response.Fail(c, h.logger, err)
		return
	}
	req, err := body.normalize()
	if err != nil {
		response.Fail(c, h.logger, err)
		return
	}

	identity := auth.CurrentIdentity(c)
	caller := "anonymous"
	if !identity.Anonymous() && identity.Role == model.RoleUser {
		caller = "user"
	}

	result, err := h.generator.Generate(c.Request.Context(), req)
	if err != nil {
		metrics.ImageGenerationsTotal.WithLabelValues(caller, "error").Inc()
		response.Fail(c, h.logger, upstreamError(err))
		return
	}
	metrics.ImageGenerationsTotal.WithLabelValues(caller, "ok").Inc()

	urls := make([]string, 0, len(result.Images))
	for _, img := range result.Images {
		if img.URL != "" {
			urls = append(urls, img.URL)
		}
	}
	width, height, _ := imagegen.ParseSize(req.ImageSize)

	if caller == "user" {
		records := make([]model.Image, 0, len(urls))
		for _, u := range urls {
			records = append(records, model.Image{
				UserID: identity.UserID,
				Prompt: req.Prompt,
				Model:  req.Model,
				URL:    u,
				Width:  width,
				Height: height,
				Status: "completed",
			})
		}
		if err := h.images.Create(c.Request.Context(), records); err != nil {
			response.Fail(c, h.logger, apperr.Internal(err))
			return
		}
		response.OK(c, "image generated", gin.H{
			"persisted": true,
			"images":    records,
			"seed":      result.Seed,
		})
		return
	}

	anon := &AnonResult{
		Prompt:    req.Prompt,
		Model:     req.Model,
		ImageSize: req.ImageSize,
		URLs:      urls,
		CreatedAt: h.now(),
	}
	if h.cache != nil {
		if err := h.cache.Save(c.Request.Context(), anon); err != nil {
			// 结果仍然返回给调用者，只是无法再次查询
			if h.logger != nil {
				h.logger.Warn("cache anonymous result failed", slog.String("error", err.Error()))
			}
			anon.ID = ""
		}
	}
	response.OK(c, "image generated", gin.H{
		"persisted":  false,
		"result_id":  anon.ID,
		"images":     urls,
		"width":      width,
		"height":     height,
		"seed":       result.Seed,
		"expires_at": anon.ExpiresAt,
	})
}

// AnonymousResult 按 ID 查询匿名生成结果。
func (h *Handler) AnonymousResult(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil || h.cache == nil {
		response.Fail(c, h.logger, apperr.NotFound("result not found or expired"))
		return
	}
	res, err := h.cache.Get(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	if res == nil {
		response.Fail(c, h.logger, apperr.NotFound("result not found or expired"))
		return
	}
	response.OK(c, "ok", res)
}

func upstreamError(err error) error {
	if errors.Is(err, imagegen.ErrNotConfigured) {
		return apperr.Upstream("image service not configured", err)
	}
	var upErr *imagegen.UpstreamError
	if errors.As(err, &upErr) {
		switch {
		case upErr.Status == http.StatusTooManyRequests:
			return apperr.TooManyRequests("image service is busy, please try again later")
		case upErr.Status == http.StatusBadRequest || upErr.Status == http.StatusUnprocessableEntity:
			return apperr.Validation(upErr.Message)
		}
	}
	return apperr.Upstream("image service unavailable", err)
}

// History 分页返回当前用户的生成历史。
func (h *Handler) History(c *gin.Context) {
	identity := auth.CurrentIdentity(c)
	if identity.Anonymous() {
		response.Fail(c, h.logger, apperr.Unauthorized("access token missing"))
		return
	}

	page := parsePositive(c.Query("page"), 1)
	limit := parsePositive(c.Query("limit"), defaultPageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page = clampPage(page, limit)

	items, total, err := h.images.ListByUser(c.Request.Context(), identity.UserID, (page-1)*limit, limit)
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	response.OK(c, "ok", gin.H{
		"items": items,
		"pagination": gin.H{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}

// Delete 删除一条生成记录。
func (h *Handler) Delete(c *gin.Context) {
	identity := auth.CurrentIdentity(c)
	if identity.Anonymous() {
		response.Fail(c, h.logger, apperr.Unauthorized("access token missing"))
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Fail(c, h.logger, apperr.Validation("invalid image id"))
		return
	}
	if err := h.images.DeleteForUser(c.Request.Context(), identity.UserID, uint(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Fail(c, h.logger, apperr.NotFound("image not found"))
			return
		}
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	response.OK(c, "image deleted", gin.H{"id": id})
}

type batchDeleteRequest struct {
	IDs []uint `json:"ids" binding:"required,min=1,max=100"`
}

// BatchDelete 批量删除当前用户的生成记录。
func (h *Handler) BatchDelete(c *gin.Context) {
	identity := auth.CurrentIdentity(c)
	if identity.Anonymous() {
		response.Fail(c, h.logger, apperr.Unauthorized("access token missing"))
		return
	}
	var req batchDeleteRequest
	if err := request.BindJSON(c, &req); err != nil {
		response.Fail(c, h.logger, err)
		return
	}
	deleted, err := h.images.DeleteManyForUser(c.Request.Context(), identity.UserID, req.IDs)
	if err != nil {
		response.Fail(c, h.logger, apperr.Internal(err))
		return
	}
	response.OK(c, "images deleted", gin.H{"deleted": deleted, "requested": len(req.IDs)})
}

func parsePositive(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if n < 1 {
		return 1
	}
	return n
}

// clampPage 限制页码，保证 (page-1)*size 不超过 MaxInt32。
func clampPage(page, size int) int {
	if last := math.MaxInt32/size + 1; page > last {
		return last
	}
	return page
}
