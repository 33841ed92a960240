// Package datacache resolves (ticker, data_kind, as_of) to a time-filtered
// data view by traversing a three-tier hierarchy: a historical store, a TTL-
// bounded consolidated cache, and a live vendor source. All three tiers
// are wrapped so that no datum dated on or after as_of can ever reach a
// caller.
package datacache

import (
	"context"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// PriceSource is the abstract vendor boundary for historical price bars.
// Implementations must honor the as_of contract: never return a bar with
// Date >= the as_of passed by the caller context (enforced again by
// AsOfBoundSource regardless of vendor compliance).
type PriceSource interface {
	GetHistory(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error)
}

// FundamentalsSource is the abstract vendor boundary for fundamentals
// snapshots.
type FundamentalsSource interface {
	GetLatest(ctx context.Context, ticker domain.Ticker, asOf domain.Date) (domain.FundamentalsSnapshot, error)
}

// AsOfBoundSource wraps a PriceSource/FundamentalsSource pair so that the
// as_of cutoff is a construction-time invariant rather than a runtime check
// scattered through call sites: every method call is filtered against the
// bound cutoff before it ever reaches the engine's computations.
type AsOfBoundSource struct {
	prices       PriceSource
	fundamentals FundamentalsSource
	asOf         domain.Date
}

// NewAsOfBoundSource binds prices and fundamentals sources to a single
// as_of cutoff for the lifetime of one rebalance.
func NewAsOfBoundSource(prices PriceSource, fundamentals FundamentalsSource, asOf domain.Date) *AsOfBoundSource {
	return &AsOfBoundSource{prices: prices, fundamentals: fundamentals, asOf: asOf}
}

// GetHistory returns bars in [start, end) filtered again against the bound
// as_of cutoff: any bar the vendor mistakenly returns with Date >= asOf is
// dropped rather than trusted.
func (s *AsOfBoundSource) GetHistory(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error) {
	if end.Before(start) || end.Equal(start) {
		return nil, nil
	}
	bars, err := s.prices.GetHistory(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	return filterBeforeAsOf(bars, s.asOf), nil
}

// GetFundamentals returns the vendor's latest snapshot, or a
// TemporalViolationError if the vendor returned one dated on or after the
// bound as_of.
func (s *AsOfBoundSource) GetFundamentals(ctx context.Context, ticker domain.Ticker) (domain.FundamentalsSnapshot, error) {
	snap, err := s.fundamentals.GetLatest(ctx, ticker, s.asOf)
	if err != nil {
		return domain.FundamentalsSnapshot{}, err
	}
	if !snap.PublicationDate.Before(s.asOf) {
		return domain.FundamentalsSnapshot{}, &domain.TemporalViolationError{
			AsOf: s.asOf, DataDate: snap.PublicationDate, Ticker: ticker,
		}
	}
	return snap, nil
}

func filterBeforeAsOf(bars []domain.PriceBar, asOf domain.Date) []domain.PriceBar {
	out := make([]domain.PriceBar, 0, len(bars))
	for _, b := range bars {
		if b.Date.Before(asOf) {
			out = append(out, b)
		}
	}
	return out
}
