// Package store 封装 users / admins / images 三张表的持久化。
package store

import (
	"errors"
	"fmt"
	"log/slog"

	"imggen/internal/config"
	"imggen/internal/model"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("record not found")

// ErrDuplicate 违反唯一约束（用户名或邮箱重复）。
var ErrDuplicate = errors.New("duplicate record")

const mysqlDuplicateEntry = 1062

// OpenMySQL 连接 MySQL 并配置连接池。
func OpenMySQL(cfg config.MySQLConfig, logger *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if logger != nil {
		logger.Info("mysql connected",
			slog.Int("max_open_conns", cfg.MaxOpenConns),
			slog.Int("max_idle_conns", cfg.MaxIdleConns))
	}
	return db, nil
}

// Migrate 自动迁移所有表结构。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.User{}, &model.Admin{}, &model.Image{})
}

// translate 将 gorm / 驱动错误映射为本包的哨兵错误。
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %s", ErrDuplicate, myErr.Message)
	}
	return err
}
