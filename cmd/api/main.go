package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imggen/internal/api"
	"imggen/internal/config"
	"imggen/internal/pkg/logger"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载并校验配置
// 2. 初始化日志
// 3. 写入引导管理员并启动 API 服务器
func main() {
	cfg, err := config.Load()
	if err != nil {
		// 配置还没加载，先用默认级别输出
		logger.NewDefault("info").Error("load config failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger := logger.New(logger.Options{Level: cfg.App.LogLevel, File: cfg.App.LogFile})
	if err := cfg.Validate(appLogger); err != nil {
		appLogger.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := api.NewServer(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := srv.SeedAdmins(ctx); err != nil {
		appLogger.Error("seed admins failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("api server listening",
			slog.String("addr", cfg.App.HTTPAddr),
			slog.String("env", cfg.App.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := srv.Close(shutdownCtx); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
