// Package db owns the PostgreSQL persistence layer: durable models
// (users, documents, memberships, folders, document state), schema
// migrations, and the append-only update log.
//
// Two drivers share one database. GORM handles the CRUD models, where
// an ORM earns its keep. The update-log hot path, one transactional
// counter bump plus one insert per keystroke batch, goes through pgx
// directly to avoid ORM overhead on the write path.
package db

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/D-Astudillo-ASC/collaborative-editor/config"
)

// DB bundles the pgx pool and the GORM handle over the same database.
type DB struct {
	Pool *pgxpool.Pool
	Gorm *gorm.DB
}

// Open connects both drivers and verifies the connection with a ping.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	connString, err := withSSLMode(cfg.URL, cfg.SSLMode)
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolMax)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	gdb, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening gorm connection: %w", err)
	}

	return &DB{Pool: pool, Gorm: gdb}, nil
}

// Close releases both driver handles.
func (db *DB) Close() {
	db.Pool.Close()
	if sqlDB, err := db.Gorm.DB(); err == nil {
		sqlDB.Close()
	}
}

// withSSLMode applies the configured sslmode unless the URL already
// carries one.
func withSSLMode(rawURL, mode string) (string, error) {
	if mode == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("sslmode") == "" {
		q.Set("sslmode", mode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
