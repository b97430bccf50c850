// Package postgres builds traced pgx connection pools and carries the
// per-query logging and metrics hooks shared by the Postgres-backed stores.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultConnMaxIdleTime = 5 * time.Minute
	pingTimeout            = 5 * time.Second
)

// NewPool parses databaseURL, installs the otelpgx tracer wrapped with
// structured query logging, and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres: database url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConnIdleTime = defaultConnMaxIdleTime
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName()))
	return cfg, nil
}
