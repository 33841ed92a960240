package datacache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/portfolio-engine/internal/circuit"
	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
	"github.com/kestrelquant/portfolio-engine/internal/metrics"
	"github.com/kestrelquant/portfolio-engine/internal/net/ratelimit"
	"github.com/kestrelquant/portfolio-engine/internal/retry"
)

const (
	sourcePrices       = "prices"
	sourceFundamentals = "fundamentals"
)

// Clock abstracts wall-clock reads so tests can pin "now" instead of
// depending on real time, matching the same pattern the backtest loop uses.
type Clock interface {
	Now() time.Time
}

// RealClock reads the actual system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Cache is the DataCache component: resolves (ticker, kind, as_of) through
// the three tiers described in the component design — historical store,
// consolidated cache, live source — injected rather than reached for as
// process-wide globals.
type Cache struct {
	historical   *historicalStore
	consolidated *consolidatedCache
	limiter      *ratelimit.Limiter
	breaker      *circuit.Manager
	retryPolicy  retry.Policy
	clock        Clock
	metrics      *metrics.Registry

	prices       PriceSource
	fundamentals FundamentalsSource
}

// New builds a Cache from config, wiring up the rate limiter and circuit
// breaker that guard the live-source tier.
func New(cfg *config.Config, prices PriceSource, fundamentals FundamentalsSource) *Cache {
	return &Cache{
		historical:   newHistoricalStore(cfg.CacheDir),
		consolidated: newConsolidatedCache(cfg.CacheDir, time.Duration(cfg.CacheTTLHours)*time.Hour),
		limiter:      ratelimit.FromPerMinute(cfg.RateLimitPerMin),
		breaker:      circuit.NewManager(cfg.Circuit),
		retryPolicy: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   time.Duration(cfg.Backoff.BaseMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Backoff.MaxMS) * time.Millisecond,
			Jitter:      cfg.Backoff.Jitter,
		},
		clock:        RealClock{},
		prices:       prices,
		fundamentals: fundamentals,
	}
}

// SetClock overrides the wall clock, for deterministic tests.
func (c *Cache) SetClock(clock Clock) { c.clock = clock }

// SetMetrics attaches a metrics.Registry to record per-tier hit/miss
// counts. Nil (the default) disables recording entirely.
func (c *Cache) SetMetrics(m *metrics.Registry) { c.metrics = m }

func (c *Cache) recordHit(tier, kind string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(tier, kind).Inc()
	}
}

func (c *Cache) recordMiss(tier, kind string) {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(tier, kind).Inc()
	}
}

// GetPrices resolves bars for ticker within [start, end), traversing the
// three tiers in order. asOf additionally bounds every bar returned,
// regardless of which tier served it, so no future-dated price can ever
// leak through a stale cache entry.
func (c *Cache) GetPrices(ctx context.Context, ticker domain.Ticker, start, end, asOf domain.Date) ([]domain.PriceBar, error) {
	// Tier 1: historical store, when the window predates "now" or is
	// otherwise a backtest-style lookup — always checked first since it's
	// the cheapest and most complete source of settled history.
	if bars, exists, err := c.historical.Read(ticker, start, end); err != nil {
		return nil, err
	} else if exists && len(bars) > 0 {
		c.recordHit("historical", sourcePrices)
		return filterBeforeAsOf(bars, asOf), nil
	}
	c.recordMiss("historical", sourcePrices)

	// Tier 2: consolidated cache, if fresh.
	now := c.clock.Now()
	if blob, fresh, err := c.consolidated.Get(ticker, now); err != nil {
		return nil, err
	} else if blob != nil && fresh {
		bars := windowed(blob.Prices, start, end)
		if len(bars) > 0 {
			c.recordHit("consolidated", sourcePrices)
			return filterBeforeAsOf(bars, asOf), nil
		}
	}
	c.recordMiss("consolidated", sourcePrices)

	// Tier 3: live source, guarded by rate limit + circuit breaker + retry.
	bars, err := c.fetchPricesLive(ctx, ticker, start, end)
	if err != nil {
		// When a stale cache entry exists, report its staleness as a
		// StaleDataError (write time and TTL) instead of the live error.
		// The stale bars themselves are not returned.
		if blob, _, getErr := c.consolidated.Get(ticker, now); getErr == nil && blob != nil {
			return nil, &domain.StaleDataError{Ticker: ticker, WriteTime: blob.WriteTime, TTL: c.consolidated.ttl}
		}
		return nil, err
	}

	c.recordHit("live", sourcePrices)
	if err := c.writeBackPrices(ticker, bars, now); err != nil {
		log.Warn().Err(err).Str("ticker", ticker.String()).Msg("failed to write back prices to cache tiers")
	}

	return filterBeforeAsOf(windowed(bars, start, end), asOf), nil
}

// GetFundamentals returns the latest snapshot with PublicationDate strictly
// before asOf, traversing the consolidated cache then the live source.
func (c *Cache) GetFundamentals(ctx context.Context, ticker domain.Ticker, asOf domain.Date) (domain.FundamentalsSnapshot, error) {
	now := c.clock.Now()

	if blob, fresh, err := c.consolidated.Get(ticker, now); err != nil {
		return domain.FundamentalsSnapshot{}, err
	} else if blob != nil && fresh && blob.Fundamentals != nil && blob.Fundamentals.PublicationDate.Before(asOf) {
		c.recordHit("consolidated", sourceFundamentals)
		return *blob.Fundamentals, nil
	}
	c.recordMiss("consolidated", sourceFundamentals)

	snap, err := retry.Do(ctx, c.retryPolicy, func(ctx context.Context) (domain.FundamentalsSnapshot, error) {
		if !c.limiter.Allow(sourceFundamentals) {
			if waitErr := c.limiter.Wait(ctx, sourceFundamentals); waitErr != nil {
				return domain.FundamentalsSnapshot{}, waitErr
			}
		}
		return circuit.Execute(c.breaker, sourceFundamentals, func() (domain.FundamentalsSnapshot, error) {
			return c.fundamentals.GetLatest(ctx, ticker, asOf)
		})
	})
	if err != nil {
		return domain.FundamentalsSnapshot{}, &domain.TransientError{Op: "get_fundamentals", Cause: err}
	}

	if !snap.PublicationDate.Before(asOf) {
		return domain.FundamentalsSnapshot{}, &domain.TemporalViolationError{AsOf: asOf, DataDate: snap.PublicationDate, Ticker: ticker}
	}
	c.recordHit("live", sourceFundamentals)

	if err := c.writeBackFundamentals(ticker, snap, now); err != nil {
		log.Warn().Err(err).Str("ticker", ticker.String()).Msg("failed to write back fundamentals to cache")
	}

	return snap, nil
}

func (c *Cache) fetchPricesLive(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error) {
	return retry.Do(ctx, c.retryPolicy, func(ctx context.Context) ([]domain.PriceBar, error) {
		if !c.limiter.Allow(sourcePrices) {
			if err := c.limiter.Wait(ctx, sourcePrices); err != nil {
				return nil, err
			}
		}
		bars, err := circuit.Execute(c.breaker, sourcePrices, func() ([]domain.PriceBar, error) {
			return c.prices.GetHistory(ctx, ticker, start, end)
		})
		if err != nil {
			return nil, &domain.TransientError{Op: "get_history", Cause: err}
		}
		return bars, nil
	})
}

func (c *Cache) writeBackPrices(ticker domain.Ticker, bars []domain.PriceBar, now time.Time) error {
	if err := c.historical.Merge(ticker, bars); err != nil {
		return fmt.Errorf("merge historical store: %w", err)
	}

	blob, _, err := c.consolidated.Get(ticker, now)
	if err != nil {
		return err
	}
	if blob == nil {
		blob = &consolidatedBlob{}
	}
	blob.Prices = bars
	blob.WriteTime = now
	return c.consolidated.Set(ticker, blob)
}

func (c *Cache) writeBackFundamentals(ticker domain.Ticker, snap domain.FundamentalsSnapshot, now time.Time) error {
	blob, _, err := c.consolidated.Get(ticker, now)
	if err != nil {
		return err
	}
	if blob == nil {
		blob = &consolidatedBlob{}
	}
	blob.Fundamentals = &snap
	blob.WriteTime = now
	return c.consolidated.Set(ticker, blob)
}

func windowed(bars []domain.PriceBar, start, end domain.Date) []domain.PriceBar {
	out := make([]domain.PriceBar, 0, len(bars))
	for _, b := range bars {
		if !b.Date.Before(start) && b.Date.Before(end) {
			out = append(out, b)
		}
	}
	return out
}
