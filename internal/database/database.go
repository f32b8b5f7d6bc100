package database

import (
	"context"
	"fmt"
	"time"

	"github.com/diy-mod/core/internal/config"
	"github.com/diy-mod/core/internal/models"
	"github.com/diy-mod/core/internal/pkg/cluster"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxOpenConns    = 32
	maxIdleConns    = 8
	connMaxLifetime = 30 * time.Minute
	pingTimeout     = 5 * time.Second
)

// Connect opens the pool, checks it answers and, when migrate is set, brings
// the schema up to date.
func Connect(cfg *config.AppConfig, migrate bool) (*gorm.DB, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := Migrate(db); err != nil {
			closeDB(db)
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return db, nil
}

// EnsureSchema migrates through a connection that is closed afterwards.
func EnsureSchema(cfg *config.AppConfig) error {
	db, err := open(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)
	if err := Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Migrate auto-migrates every persisted model.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.FilterModel{}, &models.ProcessingLogModel{})
}

// sqlLogLevel keeps SQL tracing to one replica in development.
func sqlLogLevel(cfg *config.AppConfig) logger.LogLevel {
	switch {
	case !cfg.IsDev():
		return logger.Warn
	case cluster.IsLeader():
		return logger.Info
	default:
		return logger.Silent
	}
}

func open(cfg *config.AppConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:               cfg.DSN,
		DefaultStringSize: 191,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(sqlLogLevel(cfg)),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
