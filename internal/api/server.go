package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"imggen/internal/api/admin"
	"imggen/internal/api/auth"
	"imggen/internal/api/image"
	"imggen/internal/api/middleware"
	"imggen/internal/api/request"
	"imggen/internal/api/response"
	"imggen/internal/config"
	"imggen/internal/pkg/activity"
	"imggen/internal/pkg/imagegen"
	"imggen/internal/pkg/metrics"
	"imggen/internal/pkg/notify"
	"imggen/internal/pkg/queue"
	"imggen/internal/pkg/ratelimit"
	"imggen/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、后台任务队列以及 Gin 路由引擎。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	rdb      *redis.Client
	router   *gin.Engine
	jobs     *queue.Queue
	accounts *store.Accounts
	authSvc  *auth.Service
	stopJobs context.CancelFunc
}

// Deps 外部依赖。Generator 与 Notifier 为空时按配置创建。
type Deps struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Generator imagegen.Generator
	Notifier  notify.Notifier
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装各个 Handler 与中间件
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.OpenMySQL(cfg.MySQL, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return New(cfg, logger, Deps{DB: db, Redis: rdb})
}

// New 使用已建立的连接组装服务器，数据表需已迁移。
func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if deps.DB == nil || deps.Redis == nil {
		return nil, errors.New("api: db and redis are required")
	}
	if cfg.Security.JWTSecret == "" {
		return nil, errors.New("api: jwt secret is empty")
	}

	metrics.InitMetrics(cfg.App.MailWorkers)
	request.Setup()

	generator := deps.Generator
	if generator == nil {
		generator = imagegen.NewClient(cfg.ImageAPI.BaseURL, cfg.ImageAPI.APIKey, cfg.ImageAPI.Timeout, logger)
	}
	mailer := deps.Notifier
	if mailer == nil {
		mailer = notify.NewEmailNotifier(&cfg.Email, logger)
	}

	jobs := queue.NewQueue(logger, cfg.App.MailWorkers, cfg.App.MailQueueSize)
	jobCtx, stopJobs := context.WithCancel(context.Background())
	jobs.Start(jobCtx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(middleware.NewOriginPolicy(cfg.Security.AllowedOrigins, !cfg.IsProduction()), logger))

	accounts := store.NewAccounts(deps.DB)
	issuer := auth.NewIssuer(cfg.Security.JWTSecret)
	authSvc := auth.NewService(accounts, issuer, cfg.Security.EnforceUserStatus, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		db:       deps.DB,
		rdb:      deps.Redis,
		router:   r,
		jobs:     jobs,
		accounts: accounts,
		authSvc:  authSvc,
		stopJobs: stopJobs,
	}
	s.registerRoutes(issuer, generator, mailer)
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes(issuer *auth.Issuer, generator imagegen.Generator, mailer notify.Notifier) {
	var users middleware.UserLookup
	if s.cfg.Security.EnforceUserStatus {
		users = s.accounts
	}
	guard := middleware.NewAuthenticator(issuer, s.accounts, users, s.logger)

	images := store.NewImages(s.db)
	tracker := activity.NewTracker(s.rdb, s.cfg.App.ActivityWindow)
	touch := middleware.ActivityMiddleware(tracker, s.logger)
	loginLimit := middleware.RateLimit(
		ratelimit.NewLimiter(s.rdb, s.logger, "imggen:ratelimit",
			s.cfg.Security.LoginRateLimit, s.cfg.Security.LoginRateBurst),
		"login", s.logger)

	authH := auth.NewHandler(s.authSvc, mailer, s.jobs, s.logger)
	imageH := image.NewHandler(images, generator, image.NewRedisResultCache(s.rdb, s.cfg.App.AnonResultTTL), s.logger)
	adminH := admin.NewHandler(s.accounts, images, tracker, s.authSvc, s.logger)

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/api/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	s.router.Static("/uploads", s.cfg.App.StaticUploadsDir)

	pub := s.router.Group("/api")
	pub.POST("/auth/register", loginLimit, authH.Register)
	pub.POST("/auth/login", loginLimit, authH.Login)
	pub.POST("/auth/logout", authH.Logout)
	pub.POST("/generate-image", guard.OptionalAuth(), touch, imageH.Generate)
	pub.GET("/generate-image/:id", imageH.AnonymousResult)

	user := s.router.Group("/api")
	user.Use(guard.RequireUser(), touch)
	user.POST("/auth/validate-token", authH.ValidateToken)
	user.GET("/user/profile", authH.UserProfile)
	user.GET("/image-history", imageH.History)
	user.DELETE("/image-history/:id", imageH.Delete)
	user.POST("/image-history/batch-delete", imageH.BatchDelete)

	s.router.POST("/auth/login", loginLimit, authH.AdminLogin)
	adminAuth := s.router.Group("/auth")
	adminAuth.Use(guard.RequireAdmin())
	adminAuth.POST("/validate-token", authH.AdminValidateToken)
	adminAuth.GET("/profile", authH.AdminProfile)

	mgmt := s.router.Group("/admin")
	mgmt.Use(guard.RequireAdmin())
	mgmt.GET("/users", adminH.ListUsers)
	mgmt.POST("/users", adminH.CreateUser)
	mgmt.GET("/users/:id", adminH.GetUser)
	mgmt.PUT("/users/:id", adminH.UpdateUser)
	mgmt.DELETE("/users/:id", adminH.DeleteUser)
	mgmt.GET("/analytics/stats", adminH.Stats)

	s.router.NoRoute(func(c *gin.Context) {
		response.Error(c, http.StatusNotFound, "route not found")
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "db"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Close 等待后台任务完成，再关闭数据库与缓存连接。
func (s *Server) Close(ctx context.Context) error {
	var firstErr error
	if s.jobs != nil {
		if err := s.jobs.Shutdown(ctx); err != nil && !errors.Is(err, queue.ErrClosed) {
			firstErr = err
		}
	}
	if s.stopJobs != nil {
		s.stopJobs()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}
