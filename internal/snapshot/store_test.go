package snapshot

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

func disabledStore(t *testing.T) *Store {
	mgr, err := NewManager(context.Background(), config.SnapshotConfig{Enabled: false})
	require.NoError(t, err)
	return New(mgr, zerolog.Nop())
}

func TestStore_SaveAllocation_DisabledStillReturnsRunID(t *testing.T) {
	s := disabledStore(t)
	result := domain.AllocationResult{
		Weights: map[domain.Ticker]float64{domain.NewTicker("AAPL"): 1.0},
		AsOf:    domain.Date{Year: 2024, Month: 1, Day: 2},
	}
	runID := s.SaveAllocation(context.Background(), result)
	require.NotEqual(t, runID.String(), "")
}

func TestStore_ListAllocations_DisabledReturnsEmpty(t *testing.T) {
	s := disabledStore(t)
	records, err := s.ListAllocations(context.Background(), domain.Date{Year: 2024, Month: 1, Day: 1}, domain.Date{Year: 2024, Month: 12, Day: 31})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestStore_SaveCacheBlob_DisabledNoPanic(t *testing.T) {
	s := disabledStore(t)
	s.SaveCacheBlob(context.Background(), domain.NewTicker("AAPL"), []domain.PriceBar{{AdjClose: 100}})
}
