package universe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/datacache"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

func TestResolve_CombinedExcludesNasdaq100AndDeduplicates(t *testing.T) {
	combined, err := Resolve(Combined)
	require.NoError(t, err)

	seen := make(map[domain.Ticker]int)
	for _, ticker := range combined {
		seen[ticker]++
	}
	for ticker, count := range seen {
		require.Equal(t, 1, count, "ticker %s must appear exactly once in combined", ticker)
	}

	nasdaq, err := Resolve(Nasdaq100)
	require.NoError(t, err)
	sp500, err := Resolve(SP500)
	require.NoError(t, err)

	nasdaqOnly := make(map[domain.Ticker]bool)
	sp500Set := make(map[domain.Ticker]bool)
	for _, ticker := range sp500 {
		sp500Set[ticker] = true
	}
	for _, ticker := range nasdaq {
		if !sp500Set[ticker] {
			nasdaqOnly[ticker] = true
		}
	}
	for _, ticker := range combined {
		require.False(t, nasdaqOnly[ticker], "combined must not include nasdaq100-only ticker %s", ticker)
	}
}

type fakePrices struct{}

func (fakePrices) GetHistory(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error) {
	return nil, nil
}

type fakeFundamentals struct {
	marketCaps map[domain.Ticker]float64
}

func (f fakeFundamentals) GetLatest(ctx context.Context, ticker domain.Ticker, asOf domain.Date) (domain.FundamentalsSnapshot, error) {
	marketCap := f.marketCaps[ticker]
	return domain.FundamentalsSnapshot{
		Ticker:          ticker,
		PublicationDate: domain.Date{Year: asOf.Year, Month: asOf.Month, Day: asOf.Day - 1},
		MarketCap:       marketCap,
	}, nil
}

func TestProvider_Load_DropsNullMarketCapAndEnrichesSector(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()

	fundamentals := fakeFundamentals{marketCaps: map[domain.Ticker]float64{
		domain.NewTicker("AAPL"): 3_000_000_000_000,
		domain.NewTicker("MSFT"): 2_800_000_000_000,
		domain.NewTicker("AMZN"): 0, // null market cap, must be dropped
	}}
	cache := datacache.New(cfg, fakePrices{}, fundamentals)

	p := NewProvider(cache, nil, 4)
	entries, err := p.Load(context.Background(), SP500, domain.Date{Year: 2023, Month: 6, Day: 30})
	require.NoError(t, err)

	byTicker := make(map[domain.Ticker]domain.UniverseEntry)
	for _, e := range entries {
		byTicker[e.Ticker] = e
	}
	require.Contains(t, byTicker, domain.NewTicker("AAPL"))
	require.Contains(t, byTicker, domain.NewTicker("MSFT"))
	require.NotContains(t, byTicker, domain.NewTicker("AMZN"))
}

func TestTopN_SortsByMarketCapDescending(t *testing.T) {
	entries := []domain.UniverseEntry{
		{Ticker: domain.NewTicker("A"), MarketCap: 10},
		{Ticker: domain.NewTicker("B"), MarketCap: 30},
		{Ticker: domain.NewTicker("C"), MarketCap: 20},
	}
	top2 := TopN(entries, 2)
	require.Len(t, top2, 2)
	require.Equal(t, domain.NewTicker("B"), top2[0].Ticker)
	require.Equal(t, domain.NewTicker("C"), top2[1].Ticker)
}
