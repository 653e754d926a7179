// Package pg is the optional Postgres audit store.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"voicebridge/internal/config"
)

var ErrNoDSN = errors.New("DB_DSN is not set")

// NewPool builds a pool from the DB_* settings and pings it once.
func NewPool(ctx context.Context, db config.Database) (*pgxpool.Pool, error) {
	if db.DBDSN == "" {
		return nil, ErrNoDSN
	}
	cfg, err := pgxpool.ParseConfig(db.DBDSN)
	if err != nil {
		return nil, err
	}
	if db.DBPoolMaxConns > 0 {
		cfg.MaxConns = db.DBPoolMaxConns
	}
	if db.DBPoolMinConns >= 0 {
		cfg.MinConns = db.DBPoolMinConns
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"DB_POOL_MAX_CONN_LIFETIME", db.DBPoolMaxConnLifetime, &cfg.MaxConnLifetime},
		{"DB_POOL_MAX_CONN_IDLE_TIME", db.DBPoolMaxConnIdleTime, &cfg.MaxConnIdleTime},
		{"DB_POOL_HEALTH_CHECK_PERIOD", db.DBPoolHealthCheckPeriod, &cfg.HealthCheckPeriod},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
