package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// Store persists AllocationResult snapshots and consolidated-cache blobs for
// audit, outside the hot path DataCache and the optimizer run on. A Store
// backed by a disabled Manager is a no-op: every write silently succeeds and
// every read returns an empty result, so callers never need to branch on
// whether snapshotting is configured.
type Store struct {
	mgr *Manager
	log zerolog.Logger
}

// New builds a Store over mgr. Pass a disabled Manager to get a no-op Store.
func New(mgr *Manager, log zerolog.Logger) *Store {
	return &Store{mgr: mgr, log: log.With().Str("component", "snapshot").Logger()}
}

// AllocationRecord is one archived AllocationResult, keyed by a generated
// run ID so repeated snapshots of the same as_of date are each retained.
type AllocationRecord struct {
	RunID      uuid.UUID
	RecordedAt time.Time
	Result     domain.AllocationResult
}

// SaveAllocation archives result under a freshly generated run ID. A
// failure here is logged and swallowed, matching the teacher's PITStore
// behavior of never failing the caller's primary operation over an audit
// write; the caller already has the result regardless of whether it could
// be archived.
func (s *Store) SaveAllocation(ctx context.Context, result domain.AllocationResult) uuid.UUID {
	runID := uuid.New()
	if !s.mgr.IsEnabled() {
		return runID
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.log.Warn().Err(err).Msg("marshal allocation snapshot")
		return runID
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.mgr.queryTimeout)
	defer cancel()

	const stmt = `INSERT INTO allocation_snapshots (run_id, as_of, recorded_at, degraded, sharpe, payload)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.mgr.pool.Exec(queryCtx, stmt, runID, result.AsOf.Time(), time.Now().UTC(), result.Degraded, result.Sharpe, payload)
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", runID.String()).Msg("persist allocation snapshot")
	}
	return runID
}

// ListAllocations returns every archived allocation with as_of in
// [from, to], most recent first. Returns an empty slice, not an error, when
// snapshotting is disabled.
func (s *Store) ListAllocations(ctx context.Context, from, to domain.Date) ([]AllocationRecord, error) {
	if !s.mgr.IsEnabled() {
		return nil, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.mgr.queryTimeout)
	defer cancel()

	const stmt = `SELECT run_id, recorded_at, payload FROM allocation_snapshots
WHERE as_of BETWEEN $1 AND $2 ORDER BY recorded_at DESC`
	rows, err := s.mgr.pool.Query(queryCtx, stmt, from.Time(), to.Time())
	if err != nil {
		return nil, fmt.Errorf("query allocation snapshots: %w", err)
	}
	defer rows.Close()

	var out []AllocationRecord
	for rows.Next() {
		var rec AllocationRecord
		var payload []byte
		if err := rows.Scan(&rec.RunID, &rec.RecordedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan allocation snapshot: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Result); err != nil {
			return nil, fmt.Errorf("unmarshal allocation snapshot %s: %w", rec.RunID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveCacheBlob archives a consolidated-cache payload for one ticker, for
// audit of what the live-source tier actually served at a point in time.
func (s *Store) SaveCacheBlob(ctx context.Context, ticker domain.Ticker, payload interface{}) {
	if !s.mgr.IsEnabled() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("ticker", ticker.String()).Msg("marshal cache blob snapshot")
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.mgr.queryTimeout)
	defer cancel()

	const stmt = `INSERT INTO cache_blob_snapshots (ticker, recorded_at, payload) VALUES ($1, $2, $3)
ON CONFLICT (ticker, recorded_at) DO NOTHING`
	if _, err := s.mgr.pool.Exec(queryCtx, stmt, ticker.String(), time.Now().UTC(), data); err != nil {
		s.log.Warn().Err(err).Str("ticker", ticker.String()).Msg("persist cache blob snapshot")
	}
}
