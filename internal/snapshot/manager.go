// Package snapshot provides the optional Postgres-backed audit archive for
// AllocationResult snapshots: durable records of what the optimizer produced
// at each rebalance, outside the hot path the cache and optimizer run on.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelquant/portfolio-engine/internal/config"
)

// Manager owns the pgx connection pool and exposes whether snapshotting is
// active. A disabled or unconfigured Manager is a valid, inert zero-cost
// object so callers never need to nil-check before use.
type Manager struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	enabled      bool
}

// NewManager opens a pool when cfg.Snapshot.Enabled, otherwise returns a
// disabled Manager immediately. config.Config.Validate already rejects
// Enabled=true with an empty DSN before this is ever called.
func NewManager(ctx context.Context, cfg config.SnapshotConfig) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{enabled: false}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open snapshot pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping snapshot db: %w", err)
	}

	if err := ensureSchema(pingCtx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure snapshot schema: %w", err)
	}

	return &Manager{pool: pool, queryTimeout: cfg.QueryTimeout, enabled: true}, nil
}

// IsEnabled reports whether snapshot persistence is active.
func (m *Manager) IsEnabled() bool { return m.enabled && m.pool != nil }

// Close releases the pool. Safe to call on a disabled Manager.
func (m *Manager) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}

// Health reports pool connectivity and statistics, mirroring the shape
// other components use for their own health checks.
type Health struct {
	Healthy        bool
	Error          string
	AcquiredConns  int32
	IdleConns      int32
	TotalConns     int32
	ResponseTimeMS int64
}

func (m *Manager) Health(ctx context.Context) Health {
	if !m.IsEnabled() {
		return Health{Healthy: true, Error: "snapshot persistence disabled"}
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	healthy := true
	errMsg := ""
	if err := m.pool.Ping(pingCtx); err != nil {
		healthy = false
		errMsg = err.Error()
	}

	stat := m.pool.Stat()
	return Health{
		Healthy:        healthy,
		Error:          errMsg,
		AcquiredConns:  stat.AcquiredConns(),
		IdleConns:      stat.IdleConns(),
		TotalConns:     stat.TotalConns(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS allocation_snapshots (
	run_id      UUID PRIMARY KEY,
	as_of       DATE NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	degraded    BOOLEAN NOT NULL,
	sharpe      DOUBLE PRECISION NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS allocation_snapshots_as_of_idx ON allocation_snapshots (as_of);

CREATE TABLE IF NOT EXISTS cache_blob_snapshots (
	ticker      TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (ticker, recorded_at)
);
`
	_, err := pool.Exec(ctx, ddl)
	return err
}
