package datacache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

type fakePriceSource struct {
	bars []domain.PriceBar
	err  error
	hits int
}

func (f *fakePriceSource) GetHistory(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error) {
	f.hits++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.PriceBar
	for _, b := range f.bars {
		if !b.Date.Before(start) && b.Date.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeFundamentalsSource struct {
	snap domain.FundamentalsSnapshot
}

func (f *fakeFundamentalsSource) GetLatest(ctx context.Context, ticker domain.Ticker, asOf domain.Date) (domain.FundamentalsSnapshot, error) {
	return f.snap, nil
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func mkDate(y, m, d int) domain.Date { return domain.Date{Year: y, Month: m, Day: d} }

func TestCache_GetPrices_FetchesLiveOnMissAndWritesBack(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CacheDir = dir

	src := &fakePriceSource{bars: []domain.PriceBar{
		{Date: mkDate(2023, 1, 3), Close: 10, AdjClose: 10},
		{Date: mkDate(2023, 1, 4), Close: 11, AdjClose: 11},
	}}
	cache := New(cfg, src, &fakeFundamentalsSource{})
	cache.SetClock(fixedClock{t: time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)})

	bars, err := cache.GetPrices(context.Background(), domain.NewTicker("AAPL"), mkDate(2023, 1, 1), mkDate(2023, 1, 5), mkDate(2023, 1, 10))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.Equal(t, 1, src.hits)

	// Second call should be served from the historical store tier, not the
	// live source again.
	bars2, err := cache.GetPrices(context.Background(), domain.NewTicker("AAPL"), mkDate(2023, 1, 1), mkDate(2023, 1, 5), mkDate(2023, 1, 10))
	require.NoError(t, err)
	require.Len(t, bars2, 2)
	require.Equal(t, 1, src.hits, "second read must not hit the live source")
}

func TestCache_GetPrices_NeverReturnsDataOnOrAfterAsOf(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CacheDir = dir

	src := &fakePriceSource{bars: []domain.PriceBar{
		{Date: mkDate(2023, 6, 29), AdjClose: 100},
		{Date: mkDate(2023, 6, 30), AdjClose: 99999}, // on as_of cutoff, must be excluded
		{Date: mkDate(2023, 7, 1), AdjClose: 99999},  // after as_of cutoff
	}}
	cache := New(cfg, src, &fakeFundamentalsSource{})
	cache.SetClock(fixedClock{t: time.Date(2023, 7, 5, 0, 0, 0, 0, time.UTC)})

	asOf := mkDate(2023, 6, 30)
	bars, err := cache.GetPrices(context.Background(), domain.NewTicker("X"), mkDate(2023, 1, 1), mkDate(2023, 12, 31), asOf)
	require.NoError(t, err)
	for _, b := range bars {
		require.True(t, b.Date.Before(asOf), "bar dated %s must be strictly before as_of %s", b.Date, asOf)
	}
}

func TestConsolidatedCache_AtomicWriteNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	c := newConsolidatedCache(dir, time.Hour)

	blob := &consolidatedBlob{WriteTime: time.Now(), Prices: []domain.PriceBar{{Date: mkDate(2023, 1, 1), AdjClose: 1}}}
	require.NoError(t, c.Set(domain.NewTicker("T"), blob))

	entries, err := os.ReadDir(c.baseDir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp", "no leftover temp file after atomic write")
	}

	got, fresh, err := c.Get(domain.NewTicker("T"), time.Now())
	require.NoError(t, err)
	require.True(t, fresh)
	require.Len(t, got.Prices, 1)
}

func TestHistoricalStore_MergeDeduplicatesAndSorts(t *testing.T) {
	dir := t.TempDir()
	s := newHistoricalStore(dir)
	ticker := domain.NewTicker("T")

	require.NoError(t, s.Merge(ticker, []domain.PriceBar{
		{Date: mkDate(2023, 1, 3), AdjClose: 3},
		{Date: mkDate(2023, 1, 1), AdjClose: 1},
	}))
	require.NoError(t, s.Merge(ticker, []domain.PriceBar{
		{Date: mkDate(2023, 1, 1), AdjClose: 999}, // must not override existing
		{Date: mkDate(2023, 1, 2), AdjClose: 2},
	}))

	bars, exists, err := s.Read(ticker, mkDate(2023, 1, 1), mkDate(2023, 1, 10))
	require.NoError(t, err)
	require.True(t, exists)
	require.Len(t, bars, 3)
	require.Equal(t, float64(1), bars[0].AdjClose)
	require.Equal(t, float64(2), bars[1].AdjClose)
	require.Equal(t, float64(3), bars[2].AdjClose)
}
