package postgres

import (
	"fmt"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New opens a Postgres connection with pooling configured.
func New(cfg config.PostgresConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying connection pool: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.MaxOpenConns == 0 {
		sqlDB.SetMaxOpenConns(25)
	}
	if cfg.ConnMaxLifetime == 0 {
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}
