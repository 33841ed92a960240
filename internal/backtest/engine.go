// Package backtest implements the walk-forward rebalancing loop: at each
// scheduled date it resolves the universe, scores factors, runs the
// Black-Litterman optimizer, and simulates the resulting portfolio forward
// to the next rebalance using realized daily returns.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelquant/portfolio-engine/internal/blacklitterman"
	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/datacache"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
	"github.com/kestrelquant/portfolio-engine/internal/factors"
	"github.com/kestrelquant/portfolio-engine/internal/metrics"
	"github.com/kestrelquant/portfolio-engine/internal/regime"
	"github.com/kestrelquant/portfolio-engine/internal/universe"
)

// Clock is injectable so tests can pin "now" instead of depending on the
// wall clock, matching the pattern used by internal/datacache.Cache.
type Clock interface {
	Now() time.Time
}

// RealClock reads the actual system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Config is the walk-forward run's own parameters, independent of the
// per-rebalance optimizer config.
type Config struct {
	UniverseName       universe.Name
	Start, End         domain.Date
	Frequency          Frequency
	InitialCapital     float64
	TransactionCostBps float64
}

// RebalanceRecord is one scheduled rebalance's outcome, including skipped
// ones (data gaps, infeasible universes) so a run's coverage is auditable.
type RebalanceRecord struct {
	Date                domain.Date
	Weights             map[domain.Ticker]float64
	DiscreteShares      map[domain.Ticker]int64
	PortfolioValueBefore float64
	Turnover            float64
	TransactionCost     float64
	Skipped             bool
	SkipReason          string
}

// Result is the complete output of one walk-forward run.
type Result struct {
	RunAt            time.Time
	Rebalances       []RebalanceRecord
	EquityCurve      []EquityPoint
	AnnualizedReturn float64
	AnnualizedVol    float64
	Sharpe           float64
	MaxDrawdown      float64
}

// Engine drives the walk-forward loop described in spec §4.6: at each
// rebalance date it constructs a fresh FactorEngine pinned to that date,
// runs the optimizer, and carries the resulting holdings forward.
type Engine struct {
	cache          *datacache.Cache
	universe       *universe.Provider
	optimizer      *blacklitterman.Optimizer
	cfg            *config.Config
	btCfg          Config
	clock          Clock
	log            zerolog.Logger
	metrics        *metrics.Registry
	regimeDetector *regime.Detector
}

func New(cache *datacache.Cache, universeProvider *universe.Provider, cfg *config.Config, btCfg Config, log zerolog.Logger) *Engine {
	log = log.With().Str("component", "backtest").Logger()
	return &Engine{
		cache:     cache,
		universe:  universeProvider,
		optimizer: blacklitterman.New(cfg, log),
		cfg:       cfg,
		btCfg:     btCfg,
		clock:     RealClock{},
		log:       log,
	}
}

func (e *Engine) SetClock(c Clock) { e.clock = c }

// SetRegimeDetector attaches a regime.Detector, forwarded to the fresh
// factors.Engine built at every rebalance so the factor-regime tilt (see
// internal/factors.Engine.resolveFactorWeights) applies across the whole
// walk-forward run, not just a single rebalance.
func (e *Engine) SetRegimeDetector(d *regime.Detector) { e.regimeDetector = d }

// SetMetrics attaches a metrics.Registry to record per-rebalance outcomes
// and run-level summary stats. Nil (the default) disables recording.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
	e.optimizer.SetMetrics(m)
}

// Run executes the full walk-forward schedule and returns the equity curve
// plus summary statistics. A rebalance that fails (universe too sparse,
// singular covariance, infeasible optimization beyond the optimizer's own
// degraded fallback) is skipped and recorded, never aborting the run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	dates := schedule(e.btCfg.Start, e.btCfg.End, e.btCfg.Frequency)
	if len(dates) == 0 {
		return nil, fmt.Errorf("backtest: empty schedule for range %s..%s", e.btCfg.Start, e.btCfg.End)
	}

	result := &Result{RunAt: e.clock.Now()}
	wallStart := time.Now()

	holdings := make(map[domain.Ticker]int64)
	prevWeights := make(map[domain.Ticker]float64)
	leftoverCash := e.btCfg.InitialCapital
	portfolioValue := e.btCfg.InitialCapital
	equity := []EquityPoint{{Date: dates[0].String(), Value: portfolioValue}}

	for i, d := range dates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, newHoldings, newWeights, newLeftover, err := e.rebalance(ctx, d, portfolioValue, prevWeights)
		if err != nil {
			e.log.Warn().Err(err).Str("date", d.String()).Msg("rebalance skipped")
			record = RebalanceRecord{Date: d, Skipped: true, SkipReason: err.Error(), PortfolioValueBefore: portfolioValue}
		} else {
			holdings = newHoldings
			prevWeights = newWeights
			leftoverCash = newLeftover - record.TransactionCost
		}
		if e.metrics != nil {
			e.metrics.RecordRebalance(record.Skipped, record.SkipReason, record.Turnover, record.TransactionCost)
		}
		result.Rebalances = append(result.Rebalances, record)

		periodEnd := e.btCfg.End.AddDays(1)
		if i+1 < len(dates) {
			periodEnd = dates[i+1]
		}

		points, endValue, err := e.simulateForward(ctx, holdings, leftoverCash, d, periodEnd)
		if err != nil {
			return nil, fmt.Errorf("simulate forward from %s: %w", d, err)
		}
		equity = append(equity, points...)
		portfolioValue = endValue
	}

	result.EquityCurve = equity
	result.AnnualizedReturn, result.AnnualizedVol, result.Sharpe, result.MaxDrawdown = summaryStats(equity, e.cfg.RiskFreeRate)
	if e.metrics != nil {
		e.metrics.RecordBacktestRun(time.Since(wallStart), result.Sharpe, result.MaxDrawdown)
	}
	return result, nil
}

// rebalance performs one scheduled rebalance: resolve the universe as of D,
// score factors, run the optimizer, and re-derive discrete shares against
// the current portfolio value (not the optimizer's own notion of capital).
func (e *Engine) rebalance(ctx context.Context, d domain.Date, portfolioValue float64, prevWeights map[domain.Ticker]float64) (RebalanceRecord, map[domain.Ticker]int64, map[domain.Ticker]float64, float64, error) {
	entries, err := e.universe.Load(ctx, e.btCfg.UniverseName, d)
	if err != nil {
		return RebalanceRecord{}, nil, nil, 0, fmt.Errorf("load universe: %w", err)
	}
	if err := e.cfg.ValidateUniverseSize(len(entries)); err != nil {
		return RebalanceRecord{}, nil, nil, 0, err
	}

	top := universe.TopN(entries, e.cfg.TopN)
	tickers := make([]domain.Ticker, len(top))
	caps := make(map[domain.Ticker]float64, len(top))
	for i, entry := range top {
		tickers[i] = entry.Ticker
		caps[entry.Ticker] = entry.MarketCap
	}

	factorEngine := factors.New(e.cache, e.cfg, d)
	if e.regimeDetector != nil {
		factorEngine.SetRegimeDetector(e.regimeDetector)
	}
	factorResult, err := factorEngine.Compute(ctx, tickers)
	if err != nil {
		return RebalanceRecord{}, nil, nil, 0, fmt.Errorf("compute factors: %w", err)
	}

	lookbackStart := d.AddDays(-e.cfg.CovarianceLookbackDays)
	history := make(map[domain.Ticker][]domain.PriceBar, len(tickers))
	latestPrices := make(map[domain.Ticker]float64, len(tickers))
	for _, t := range tickers {
		bars, err := e.cache.GetPrices(ctx, t, lookbackStart, d, d)
		if err != nil || len(bars) == 0 {
			continue
		}
		history[t] = bars
		latestPrices[t] = bars[len(bars)-1].AdjClose
	}

	allocation, err := e.optimizer.Optimize(blacklitterman.Input{
		Tickers:      tickers,
		MarketCaps:   caps,
		FactorScores: factorResult.Scores,
		PriceHistory: history,
		LatestPrices: latestPrices,
		Capital:      portfolioValue,
		AsOf:         d,
	})
	if err != nil {
		return RebalanceRecord{}, nil, nil, 0, fmt.Errorf("optimize: %w", err)
	}

	weights := make(map[domain.Ticker]float64, len(allocation.Weights))
	for t, w := range allocation.Weights {
		weights[t] = w
	}

	t := turnoverTickerKeyed(prevWeights, weights)
	cost := t * portfolioValue * (e.btCfg.TransactionCostBps / 10000.0)

	record := RebalanceRecord{
		Date:                 d,
		Weights:              weights,
		DiscreteShares:       allocation.DiscreteShares,
		PortfolioValueBefore: portfolioValue,
		Turnover:             t,
		TransactionCost:      cost,
	}
	return record, allocation.DiscreteShares, weights, allocation.LeftoverCash, nil
}

// simulateForward marks holdings to market for each trading day in
// [periodStart, periodEnd) using adjusted close (dividends reinvested by
// construction, since adjusted close already accounts for them), carrying
// the previous day's price forward on any ticker with no bar for a given
// date.
func (e *Engine) simulateForward(ctx context.Context, holdings map[domain.Ticker]int64, leftoverCash float64, periodStart, periodEnd domain.Date) ([]EquityPoint, float64, error) {
	if len(holdings) == 0 {
		return []EquityPoint{{Date: periodStart.String(), Value: leftoverCash}}, leftoverCash, nil
	}

	byTicker := make(map[domain.Ticker]map[domain.Date]float64, len(holdings))
	dateSet := make(map[domain.Date]bool)
	for t := range holdings {
		bars, err := e.cache.GetPrices(ctx, t, periodStart, periodEnd, periodEnd)
		if err != nil {
			continue
		}
		m := make(map[domain.Date]float64, len(bars))
		for _, b := range bars {
			m[b.Date] = b.AdjClose
			dateSet[b.Date] = true
		}
		byTicker[t] = m
	}

	dates := make([]domain.Date, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	if len(dates) == 0 {
		return []EquityPoint{{Date: periodStart.String(), Value: leftoverCash}}, leftoverCash, nil
	}

	last := make(map[domain.Ticker]float64, len(holdings))
	points := make([]EquityPoint, 0, len(dates))
	value := leftoverCash

	for _, d := range dates {
		for t := range holdings {
			if p, ok := byTicker[t][d]; ok {
				last[t] = p
			}
		}
		value = leftoverCash
		for t, shares := range holdings {
			value += float64(shares) * last[t]
		}
		points = append(points, EquityPoint{Date: d.String(), Value: value})
	}

	return points, value, nil
}

func turnoverTickerKeyed(prev, next map[domain.Ticker]float64) float64 {
	a := make(map[string]float64, len(prev))
	for t, w := range prev {
		a[t.String()] = w
	}
	b := make(map[string]float64, len(next))
	for t, w := range next {
		b[t.String()] = w
	}
	return turnover(a, b)
}
