// Package imagegen 调用第三方图片生成接口（OpenAI 兼容的 /images/generations）。
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// 默认参数。
const (
	DefaultModel     = "Kwai-Kolors/Kolors"
	DefaultImageSize = "1280x1280"
)

// ErrNotConfigured 未配置 API Key。
var ErrNotConfigured = errors.New("image api key not configured")

// Request 生成请求。
type Request struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	ImageSize string `json:"image_size"`
	BatchSize int    `json:"batch_size"`
}

// Image 单张生成结果。
type Image struct {
	URL string `json:"url"`
}

// Result 生成结果。
type Result struct {
	Images []Image `json:"images"`
	Seed   int64   `json:"seed,omitempty"`
}

// UpstreamError 上游返回非 2xx。
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("image api status %d: %s", e.Status, e.Message)
}

// Generator 图片生成接口，便于在处理器中替换。
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Client 图片生成 HTTP 客户端。
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient 创建客户端。
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type upstreamResponse struct {
	Images []Image `json:"images"`
	Data   []Image `json:"data"`
	Seed   int64   `json:"seed"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// Generate 调用生成接口。
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call image api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read image api response: %w", err)
	}

	var parsed upstreamResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "image api call failed"
		if decodeErr == nil {
			if parsed.Error != nil && parsed.Error.Message != "" {
				msg = parsed.Error.Message
			} else if parsed.Message != "" {
				msg = parsed.Message
			}
		}
		if c.logger != nil {
			c.logger.Warn("image api error",
				slog.Int("status", resp.StatusCode),
				slog.String("message", msg),
				slog.String("latency", time.Since(start).String()))
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode image api response: %w", decodeErr)
	}

	images := parsed.Images
	if len(images) == 0 {
		images = parsed.Data
	}
	if c.logger != nil {
		c.logger.Debug("image api ok",
			slog.Int("images", len(images)),
			slog.String("latency", time.Since(start).String()))
	}
	return &Result{Images: images, Seed: parsed.Seed}, nil
}

// ParseSize 将 "1024x1280" 解析为宽高。
func ParseSize(size string) (int, int, error) {
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q", size)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width: %w", err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height: %w", err)
	}
	return width, height, nil
}
