// Package storage provides the coordinator's Postgres connection pool.
// Table-specific query logic lives beside its domain type (internal/token,
// internal/ctxstore, internal/fanin); this package only owns the pool's
// lifecycle, adapted from the teacher's common/db package.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/coordinator-core/internal/config"
	"github.com/lyzr/coordinator-core/internal/obslog"
)

// DB wraps pgxpool.Pool with the coordinator's connect/health/close cycle.
type DB struct {
	*pgxpool.Pool
	log *obslog.Logger
}

// New dials Postgres using cfg.Database, sized per cfg, and pings once
// before returning so coordinatord fails fast on a bad connection string
// instead of on the first query of the first run.
func New(ctx context.Context, cfg *config.Config, log *obslog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.Database)
	return &DB{Pool: pool, log: log}, nil
}

// Close releases all pooled connections.
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health reports whether the pool can still reach Postgres.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}
