package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the database named by dsn. Postgres DSNs get the
// postgres driver; anything else is treated as a SQLite path, which backs
// dev and test runs.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var conn *gorm.DB
	var errOpen error
	if isPostgresDSN(dsn) {
		conn, errOpen = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		conn, errOpen = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if errOpen != nil {
		return nil, fmt.Errorf("db: open: %w", errOpen)
	}

	if sqlDB, errDB := conn.DB(); errDB == nil {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return conn, nil
}

// Ping verifies database connectivity for health reporting.
func Ping(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return fmt.Errorf("db: ping: %w", errDB)
	}
	return sqlDB.PingContext(ctx)
}

// isPostgresDSN recognizes URL and keyword/value postgres connection strings.
func isPostgresDSN(dsn string) bool {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return true
	}
	return strings.Contains(dsn, "host=") && strings.Contains(dsn, "dbname=")
}
