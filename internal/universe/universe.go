// Package universe supplies named, curated ticker universes enriched with
// market cap and sector metadata as of a date, per the UniverseProvider
// component.
package universe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/portfolio-engine/internal/datacache"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// Name identifies one of the named static universes.
type Name string

const (
	SP500       Name = "sp500"
	Russell2000 Name = "russell2000"
	Nasdaq100   Name = "nasdaq100"
	Combined    Name = "combined"
)

// staticLists are curated member lists. A production deployment would source
// these from an index-constituent vendor feed refreshed periodically; these
// are fixed representative samples, sized in the spirit of the real indices
// rather than reproducing their full membership.
var staticLists = map[Name][]string{
	SP500: {
		"AAPL", "MSFT", "AMZN", "NVDA", "GOOGL", "GOOG", "META", "BRK.B", "LLY", "AVGO",
		"TSLA", "JPM", "V", "UNH", "XOM", "MA", "PG", "JNJ", "HD", "MRK",
		"COST", "ABBV", "CVX", "CRM", "BAC", "NFLX", "AMD", "PEP", "KO", "ADBE",
		"TMO", "WMT", "LIN", "MCD", "CSCO", "ABT", "ACN", "DHR", "WFC", "ORCL",
	},
	Russell2000: {
		"SMCI", "CVNA", "FIZZ", "CALM", "PRCT", "RGEN", "SFM", "EXLS", "CEVA", "HALO",
		"POWI", "AAON", "WING", "MEDP", "LNTH", "FN", "ESNT", "UFPI", "ATKR", "IBP",
		"KTOS", "SITM", "CSWI", "MATX", "ROAD", "PLXS", "VSEC", "NSIT", "CRVL", "AMRC",
	},
	Nasdaq100: {
		"AAPL", "MSFT", "AMZN", "NVDA", "GOOGL", "GOOG", "META", "TSLA", "AVGO", "COST",
		"NFLX", "AMD", "PEP", "ADBE", "CSCO", "TMUS", "INTC", "QCOM", "AMAT", "TXN",
		"INTU", "BKNG", "ISRG", "HON", "AMGN", "SBUX", "GILD", "ADI", "MDLZ", "VRTX",
	},
}

// Resolve returns the deduplicated ticker members of a named universe.
// Combined is sp500 ∪ russell2000, deliberately excluding nasdaq100 to avoid
// double-counting large-cap tech already present in sp500.
func Resolve(name Name) ([]domain.Ticker, error) {
	switch name {
	case SP500, Russell2000, Nasdaq100:
		syms := staticLists[name]
		out := make([]domain.Ticker, len(syms))
		for i, s := range syms {
			out[i] = domain.NewTicker(s)
		}
		return out, nil
	case Combined:
		seen := make(map[domain.Ticker]struct{})
		var out []domain.Ticker
		for _, list := range []Name{SP500, Russell2000} {
			for _, s := range staticLists[list] {
				t := domain.NewTicker(s)
				if _, ok := seen[t]; !ok {
					seen[t] = struct{}{}
					out = append(out, t)
				}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown universe %q", name)
	}
}

// SectorSource supplies sector classification for a ticker. It is a
// separate, narrower boundary than PriceSource/FundamentalsSource since
// sector is reference metadata, not a time series.
type SectorSource interface {
	GetSector(ctx context.Context, ticker domain.Ticker) (string, error)
}

// Provider enriches a named universe with market cap (via DataCache's
// fundamentals tier) and sector (via SectorSource), dropping tickers with no
// market cap.
type Provider struct {
	cache    *datacache.Cache
	sectors  SectorSource
	poolSize int
}

// NewProvider builds a Provider. poolSize bounds the concurrent enrichment
// fetches, mirroring the bounded worker pool used for factor data fetches.
func NewProvider(cache *datacache.Cache, sectors SectorSource, poolSize int) *Provider {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Provider{cache: cache, sectors: sectors, poolSize: poolSize}
}

type enrichResult struct {
	entry domain.UniverseEntry
	ok    bool
}

// Load resolves the named universe and enriches each member with market cap
// and sector as of asOf, dropping any ticker with null (<=0) market cap.
func (p *Provider) Load(ctx context.Context, name Name, asOf domain.Date) ([]domain.UniverseEntry, error) {
	tickers, err := Resolve(name)
	if err != nil {
		return nil, err
	}

	jobs := make(chan domain.Ticker)
	results := make(chan enrichResult)
	var wg sync.WaitGroup

	for i := 0; i < p.poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				results <- p.enrich(ctx, t, asOf)
			}
		}()
	}

	go func() {
		for _, t := range tickers {
			jobs <- t
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	entries := make([]domain.UniverseEntry, 0, len(tickers))
	for r := range results {
		if r.ok {
			entries = append(entries, r.entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Ticker.String() < entries[j].Ticker.String() })
	return entries, nil
}

func (p *Provider) enrich(ctx context.Context, ticker domain.Ticker, asOf domain.Date) enrichResult {
	snap, err := p.cache.GetFundamentals(ctx, ticker, asOf)
	if err != nil {
		log.Debug().Err(err).Str("ticker", ticker.String()).Msg("universe enrichment: dropping ticker, no fundamentals")
		return enrichResult{}
	}
	if snap.MarketCap <= 0 {
		log.Debug().Str("ticker", ticker.String()).Msg("universe enrichment: dropping ticker, null market cap")
		return enrichResult{}
	}

	sector := ""
	if p.sectors != nil {
		if s, err := p.sectors.GetSector(ctx, ticker); err == nil {
			sector = s
		}
	}

	return enrichResult{
		ok: true,
		entry: domain.UniverseEntry{
			Ticker:    ticker,
			MarketCap: snap.MarketCap,
			Sector:    sector,
			AsOf:      asOf,
		},
	}
}

// TopN sorts entries by market cap descending and returns the first n.
func TopN(entries []domain.UniverseEntry, n int) []domain.UniverseEntry {
	sorted := make([]domain.UniverseEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MarketCap != sorted[j].MarketCap {
			return sorted[i].MarketCap > sorted[j].MarketCap
		}
		return sorted[i].Ticker.String() < sorted[j].Ticker.String()
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}
