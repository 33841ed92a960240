// Package factors computes cross-sectional, point-in-time standardized
// factor scores across a universe: the FactorEngine component.
package factors

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/datacache"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
	"github.com/kestrelquant/portfolio-engine/internal/regime"
)

const (
	// minCoverageDays is the "≥252 trading days" requirement for a usable
	// momentum input; tickers with less history still get factor rows, but
	// momentum_12m is flagged as a data-integrity NaN rather than computed.
	minCoverageDays = 253

	// minViableFraction is the "≥50% of requested tickers" floor below
	// which the engine raises UniverseTooSparseError.
	minViableFraction = 0.5
)

// Engine computes FactorScores as of a fixed date. The date is bound at
// construction and the universe is passed to Compute, per spec §9's "as_of is the single
// hinge of temporal correctness" instruction — every fetch inside Compute
// is filtered to strictly before asOf.
type Engine struct {
	cache          *datacache.Cache
	cfg            *config.Config
	asOf           domain.Date
	poolSize       int
	regimeDetector *regime.Detector
}

// New builds an Engine pinned to a universe's worth of computation at asOf.
func New(cache *datacache.Cache, cfg *config.Config, asOf domain.Date) *Engine {
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Engine{cache: cache, cfg: cfg, asOf: asOf, poolSize: poolSize}
}

// SetRegimeDetector attaches a regime.Detector used to tilt composite factor
// weights when cfg.EnableFactorRegimes is set. Regime classification is
// always advisory per spec §4.5: a nil detector (the default) or a failed
// Detect call simply leaves the configured base weights untouched rather
// than failing or gating the rebalance.
func (e *Engine) SetRegimeDetector(d *regime.Detector) { e.regimeDetector = d }

// Result is the FactorEngine's output: per-ticker scores plus the
// cross-sectional stats retained for audit.
type Result struct {
	Scores map[domain.Ticker]domain.FactorScores
	Stats  map[string]domain.UniverseStats
}

type rawFactors struct {
	ticker       domain.Ticker
	fcfYield     float64
	earningsYield float64
	valueRaw     float64
	roic         float64
	grossMargin  float64
	qualityRaw   float64
	momentum12m  float64
}

// Compute runs the full pipeline: fetch (batched, pooled, retried via the
// DataCache's own retry/rate-limit/circuit stack) → raw factor computation
// → cross-sectional standardization → composite scoring → ranking.
func (e *Engine) Compute(ctx context.Context, tickers []domain.Ticker) (*Result, error) {
	raws := e.fetchAndComputeRaw(ctx, tickers)

	resolved := len(raws)
	requested := len(tickers)
	if requested > 0 && float64(resolved)/float64(requested) < minViableFraction {
		return nil, &domain.UniverseTooSparseError{Requested: requested, Resolved: resolved}
	}

	valueZ, valueStats := standardize(raws, func(r rawFactors) float64 { return r.valueRaw }, e.cfg.WinsorizeLimit)
	qualityZ, qualityStats := standardize(raws, func(r rawFactors) float64 { return r.qualityRaw }, e.cfg.WinsorizeLimit)
	momentumZ, momentumStats := standardize(raws, func(r rawFactors) float64 { return r.momentum12m }, e.cfg.WinsorizeLimit)

	weights := e.resolveFactorWeights(ctx)

	scores := make([]domain.FactorScores, 0, len(raws))
	for _, r := range raws {
		vz := valueZ[r.ticker]
		qz := qualityZ[r.ticker]
		mz := momentumZ[r.ticker]
		total := weights.Value*vz + weights.Quality*qz + weights.Momentum*mz

		scores = append(scores, domain.FactorScores{
			Ticker:        r.ticker,
			FCFYield:      r.fcfYield,
			EarningsYield: r.earningsYield,
			ROIC:          r.roic,
			GrossMargin:   r.grossMargin,
			Momentum12m:   r.momentum12m,
			ValueZ:        vz,
			QualityZ:      qz,
			MomentumZ:     mz,
			TotalScore:    total,
			FactorStd:     stdDev([]float64{vz, qz, mz}),
		})
	}

	rank(scores)

	byTicker := make(map[domain.Ticker]domain.FactorScores, len(scores))
	for _, s := range scores {
		byTicker[s.Ticker] = s
	}

	return &Result{
		Scores: byTicker,
		Stats: map[string]domain.UniverseStats{
			"value":    valueStats,
			"quality":  qualityStats,
			"momentum": momentumStats,
		},
	}, nil
}

// resolveFactorWeights returns the base configured FactorWeights, tilted by
// the current market regime when EnableFactorRegimes is on and a detector
// is attached. Detection failure (missing index history, unavailable
// vol-term-structure reading) is logged and falls back to the base
// weights; regime is advisory only and never aborts a rebalance.
func (e *Engine) resolveFactorWeights(ctx context.Context) config.FactorWeights {
	if !e.cfg.EnableFactorRegimes || e.regimeDetector == nil {
		return e.cfg.FactorWeights
	}
	result, err := e.regimeDetector.Detect(ctx, e.asOf)
	if err != nil {
		log.Debug().Err(err).Str("as_of", e.asOf.String()).Msg("factor engine: regime detection unavailable, using base weights")
		return e.cfg.FactorWeights
	}
	log.Debug().Str("regime", string(result.Regime)).Float64("signal_strength", result.SignalStrength).
		Msg("factor engine: applying regime tilt to composite weights")
	return regime.TiltWeights(result.Regime, e.cfg.FactorWeights)
}

// rank sorts scores descending by TotalScore (ties broken by ticker
// lexicographic order, per spec §4.3's determinism requirement) and
// assigns Rank (1 = best) and Percentile in place.
func rank(scores []domain.FactorScores) {
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].TotalScore != scores[j].TotalScore {
			return scores[i].TotalScore > scores[j].TotalScore
		}
		return scores[i].Ticker.String() < scores[j].Ticker.String()
	})
	n := len(scores)
	for i := range scores {
		scores[i].Rank = i + 1
		if n > 1 {
			scores[i].Percentile = 1 - float64(i)/float64(n-1)
		} else {
			scores[i].Percentile = 1
		}
	}
}

type fetchJob struct {
	ticker domain.Ticker
}

type fetchResult struct {
	raw rawFactors
	ok  bool
}

// fetchAndComputeRaw fans tickers out over a bounded worker pool (matching
// spec §5's "bounded worker pool (default 8) over ticker batches"), fetches
// each ticker's fundamentals and price history via the as_of-bound cache,
// and computes its raw factor vector. A ticker whose fetch fails entirely
// is dropped (logged, not propagated) per spec §7's NotFound policy.
func (e *Engine) fetchAndComputeRaw(ctx context.Context, tickers []domain.Ticker) []rawFactors {
	jobs := make(chan fetchJob)
	results := make(chan fetchResult)
	var wg sync.WaitGroup

	for i := 0; i < e.poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				r, ok := e.computeOne(ctx, job.ticker)
				results <- fetchResult{raw: r, ok: ok}
			}
		}()
	}

	go func() {
		for _, t := range tickers {
			jobs <- fetchJob{ticker: t}
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]rawFactors, 0, len(tickers))
	for r := range results {
		if r.ok {
			out = append(out, r.raw)
		}
	}
	return out
}

func (e *Engine) computeOne(ctx context.Context, ticker domain.Ticker) (rawFactors, bool) {
	snap, err := e.cache.GetFundamentals(ctx, ticker, e.asOf)
	if err != nil {
		log.Debug().Err(err).Str("ticker", ticker.String()).Msg("factor engine: dropping ticker, fundamentals fetch failed")
		return rawFactors{}, false
	}

	coverageDays := minCoverageDays
	lookbackStart := e.asOf.AddDays(-int(float64(coverageDays) * 1.5)) // calendar-day slack for weekends/holidays
	bars, err := e.cache.GetPrices(ctx, ticker, lookbackStart, e.asOf, e.asOf)
	if err != nil {
		log.Debug().Err(err).Str("ticker", ticker.String()).Msg("factor engine: dropping ticker, price fetch failed")
		return rawFactors{}, false
	}
	if len(bars) == 0 {
		log.Debug().Str("ticker", ticker.String()).Msg("factor engine: dropping ticker, no price history")
		return rawFactors{}, false
	}

	r := rawFactors{ticker: ticker}

	if snap.MarketCap > 0 {
		r.fcfYield = snap.FreeCashFlow / snap.MarketCap
		r.earningsYield = snap.EBIT / snap.MarketCap
	} else {
		r.fcfYield = math.NaN()
		r.earningsYield = math.NaN()
	}
	r.valueRaw = meanIgnoringNaN(r.fcfYield, r.earningsYield, 0.5, 0.5)

	denom := snap.TotalAssets - snap.CurrentLiabilities
	if denom > 0 {
		r.roic = snap.EBIT / denom
	} else {
		r.roic = math.NaN()
	}
	if snap.Revenue > 0 {
		r.grossMargin = snap.GrossProfit / snap.Revenue
	} else {
		r.grossMargin = math.NaN()
	}
	r.qualityRaw = meanIgnoringNaN(r.roic, r.grossMargin, 0.5, 0.5)

	r.momentum12m = momentum(bars)

	return r, true
}

// momentum computes price(as_of-1)/price(as_of-253) - 1 from the sorted
// bar history, returning NaN if coverage is insufficient — a
// DataIntegrityError condition mapped to a neutral z-score downstream,
// never fabricated.
func momentum(bars []domain.PriceBar) float64 {
	if len(bars) < minCoverageDays {
		return math.NaN()
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	latest := bars[len(bars)-1].AdjClose
	past := bars[len(bars)-minCoverageDays].AdjClose
	if past <= 0 || latest <= 0 {
		return math.NaN()
	}
	return latest/past - 1
}

// meanIgnoringNaN returns the weighted mean of a and b, falling back to
// whichever operand is finite if the other is NaN, and NaN if both are.
func meanIgnoringNaN(a, b, wa, wb float64) float64 {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return math.NaN()
	case aNaN:
		return b
	case bNaN:
		return a
	default:
		return wa*a + wb*b
	}
}

// standardize computes the cross-sectional (mean, std) of f(raws) over
// non-NaN values, then maps every ticker (including NaN ones, mapped to
// the neutral 0) to its clamped z-score.
func standardize(raws []rawFactors, f func(rawFactors) float64, limit float64) (map[domain.Ticker]float64, domain.UniverseStats) {
	var sum, sumSq float64
	count := 0
	for _, r := range raws {
		v := f(r)
		if math.IsNaN(v) {
			continue
		}
		sum += v
		sumSq += v * v
		count++
	}

	stats := domain.UniverseStats{Count: count}
	out := make(map[domain.Ticker]float64, len(raws))

	if count == 0 {
		for _, r := range raws {
			out[r.ticker] = 0
		}
		return out, stats
	}

	mean := sum / float64(count)
	variance := sumSq/float64(count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	stats.Mean = mean
	stats.Std = std

	for _, r := range raws {
		v := f(r)
		if math.IsNaN(v) || std == 0 {
			out[r.ticker] = 0
			continue
		}
		z := (v - mean) / std
		out[r.ticker] = clamp(z, -limit, limit)
	}
	return out, stats
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func stdDev(xs []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / n)
}
