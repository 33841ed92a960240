// Package blacklitterman implements the Black-Litterman-driven mean-variance
// optimizer: Ledoit-Wolf shrunk covariance, a market-cap-implied prior blended
// with factor-score views into a posterior, a constrained mean-variance
// solve, and greedy discrete share allocation.
package blacklitterman

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
	"github.com/kestrelquant/portfolio-engine/internal/metrics"
)

// Input is everything one Optimize call needs; the caller (the top-level
// engine) is responsible for resolving it point-in-time as of AsOf.
type Input struct {
	Tickers      []domain.Ticker
	MarketCaps   map[domain.Ticker]float64
	FactorScores map[domain.Ticker]domain.FactorScores
	PriceHistory map[domain.Ticker][]domain.PriceBar
	LatestPrices map[domain.Ticker]float64
	Capital      float64
	AsOf         domain.Date
}

// Optimizer runs the full Black-Litterman pipeline for one rebalance.
type Optimizer struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Registry
}

func New(cfg *config.Config, log zerolog.Logger) *Optimizer {
	return &Optimizer{cfg: cfg, log: log.With().Str("component", "blacklitterman").Logger()}
}

// SetMetrics attaches a metrics.Registry to record solve duration and
// degraded-fallback counts. Nil (the default) disables recording.
func (o *Optimizer) SetMetrics(m *metrics.Registry) { o.metrics = m }

// Optimize runs covariance estimation, Black-Litterman blending, the
// constrained mean-variance solve, and discrete allocation, returning a
// fully-populated domain.AllocationResult. A single ticker gets full weight.
// An infeasible position cap (n·max_position_size < 1) degrades to an
// equal-weight result with Degraded=true rather than failing the rebalance;
// a covariance matrix that cannot be made positive semidefinite is returned
// to the caller as a SingularCovarianceError.
func (o *Optimizer) Optimize(in Input) (*domain.AllocationResult, error) {
	var timer *metrics.SolveTimer
	if o.metrics != nil {
		timer = o.metrics.SolveTimer()
	}

	n := len(in.Tickers)
	if n == 0 {
		return nil, &domain.InfeasibleOptimizationError{Reason: "empty ticker set"}
	}

	if n == 1 {
		if timer != nil {
			timer.Stop("single_ticker")
		}
		t := in.Tickers[0]
		return o.finalize(in, map[domain.Ticker]float64{t: 1.0}, 0, 0, 0, false, ""), nil
	}

	if float64(n)*o.cfg.MaxPositionSize < 1.0 {
		o.log.Warn().Int("n", n).Float64("max_position_size", o.cfg.MaxPositionSize).
			Msg("max_position_size infeasible for universe size, degrading to equal weight")
		reason := (&domain.InfeasibleOptimizationError{Reason: "n * max_position_size < 1"}).Error()
		if timer != nil {
			timer.Stop("degraded")
		}
		if o.metrics != nil {
			o.metrics.OptimizerDegraded.WithLabelValues("infeasible_cap").Inc()
		}
		return o.degradedEqualWeight(in, reason), nil
	}

	sigmaAnnual, shrinkage, err := o.estimateCovariance(in)
	if err != nil {
		return nil, err
	}

	wMkt := marketCapWeights(in.Tickers, in.MarketCaps)
	pi := o.expectedReturnsPrior(in, sigmaAnnual, wMkt)

	q, omega, _ := buildViews(in.Tickers, in.FactorScores, sigmaAnnual, o.cfg)
	muBL, err := posterior(pi, q, sigmaAnnual, o.cfg.Tau, omega)
	if err != nil {
		o.log.Warn().Err(err).Msg("black-litterman posterior singular, falling back to prior")
		muBL = pi
	}

	var w []float64
	switch o.cfg.OptimizationMethod {
	case config.MinVolatility:
		w = solveMinVolatility(sigmaAnnual, o.cfg.MaxPositionSize)
	case config.MaxQuadraticUtility:
		w = solveQuadraticUtility(muBL, sigmaAnnual, o.cfg.RiskAversion, o.cfg.MaxPositionSize)
	case config.EqualWeight:
		w = equalWeights(n)
	default: // MaxSharpe
		w = solveMaxSharpe(muBL, sigmaAnnual, o.cfg.MaxPositionSize, o.cfg.RiskFreeRate)
	}

	weights := make(map[domain.Ticker]float64, n)
	for i, t := range in.Tickers {
		weights[t] = w[i]
	}

	expReturn := dot(w, muBL)
	vol := math.Sqrt(dot(w, sigmaAnnual.mulVec(w)))
	var sharpe float64
	if vol > 0 {
		sharpe = (expReturn - o.cfg.RiskFreeRate) / vol
	}

	o.log.Info().Int("n", n).Float64("shrinkage", shrinkage).Float64("expected_return", expReturn).
		Float64("volatility", vol).Float64("sharpe", sharpe).Msg("optimization complete")

	if timer != nil {
		timer.Stop(string(o.cfg.OptimizationMethod))
	}
	return o.finalize(in, weights, expReturn, vol, sharpe, false, ""), nil
}

// estimateCovariance builds the annualized, Ledoit-Wolf-shrunk covariance
// matrix and verifies it is positive semidefinite. If the first shrinkage
// intensity yields a non-PSD matrix (numerical noise from a short lookback
// or near-collinear tickers), it retries by forcing full shrinkage toward
// the constant-correlation target, which is PSD by construction whenever
// all sample variances are non-negative. If even that fails, it gives up
// with SingularCovarianceError.
func (o *Optimizer) estimateCovariance(in Input) (matrix, float64, error) {
	returns, err := alignedReturns(in.PriceHistory, in.Tickers)
	if err != nil {
		return nil, 0, &domain.SingularCovarianceError{ShrinkageIntensity: 0}
	}

	n := len(in.Tickers)
	sample, means := sampleCovariance(returns, n)
	demeaned := demean(returns, means)

	shrunk, delta := ledoitWolfConstantCorrelation(demeaned, sample)
	if shrunk.isSymmetricPSD() {
		return annualize(shrunk), delta, nil
	}

	o.log.Warn().Msg("shrunk covariance not PSD, retrying with full shrinkage")
	target := fullShrinkageTarget(sample)
	if target.isSymmetricPSD() {
		return annualize(target), 1.0, nil
	}

	return nil, 0, &domain.SingularCovarianceError{ShrinkageIntensity: 1.0}
}

// fullShrinkageTarget recomputes the constant-correlation target at
// shrinkage intensity 1.0 (pure target, no sample contribution).
func fullShrinkageTarget(sample matrix) matrix {
	n := sample.rows()
	variance := make([]float64, n)
	for i := 0; i < n; i++ {
		variance[i] = sample[i][i]
	}
	var rhoSum float64
	var pairs int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if variance[i] <= 0 || variance[j] <= 0 {
				continue
			}
			rhoSum += sample[i][j] / math.Sqrt(variance[i]*variance[j])
			pairs++
		}
	}
	rhoBar := 0.0
	if pairs > 0 {
		rhoBar = rhoSum / float64(pairs)
	}
	target := newMatrix(n, n)
	for i := 0; i < n; i++ {
		target[i][i] = variance[i]
		for j := i + 1; j < n; j++ {
			f := rhoBar * math.Sqrt(variance[i]*variance[j])
			target[i][j] = f
			target[j][i] = f
		}
	}
	return target
}

// marketCapWeights normalizes market caps into a weight vector aligned to
// tickers order.
func marketCapWeights(tickers []domain.Ticker, caps map[domain.Ticker]float64) []float64 {
	w := make([]float64, len(tickers))
	var total float64
	for i, t := range tickers {
		w[i] = caps[t]
		total += w[i]
	}
	if total <= 0 {
		return equalWeights(len(tickers))
	}
	for i := range w {
		w[i] /= total
	}
	return w
}

// impliedPrior computes the reverse-optimization market-implied equilibrium
// excess return: π = δ·Σ·w_mkt.
func impliedPrior(sigma matrix, wMkt []float64, delta float64) []float64 {
	sw := sigma.mulVec(wMkt)
	pi := make([]float64, len(sw))
	for i := range sw {
		pi[i] = delta * sw[i]
	}
	return pi
}

// expectedReturnsPrior selects the Black-Litterman prior per
// cfg.ExpectedReturnsMethod: the market-implied equilibrium return (the
// default), or one of the two historical alternatives. Either historical
// method falling back (insufficient overlapping history) degrades to the
// market-implied prior rather than failing the rebalance, since that prior
// only ever needs the market-cap weights already validated above.
func (o *Optimizer) expectedReturnsPrior(in Input, sigmaAnnual matrix, wMkt []float64) []float64 {
	switch o.cfg.ExpectedReturnsMethod {
	case config.MeanHistorical:
		if pi, err := historicalMeanPrior(in.PriceHistory, in.Tickers); err == nil {
			return pi
		} else {
			o.log.Warn().Err(err).Msg("historical mean prior unavailable, falling back to market-implied")
		}
	case config.EMAHistorical:
		if pi, err := emaHistoricalPrior(in.PriceHistory, in.Tickers); err == nil {
			return pi
		} else {
			o.log.Warn().Err(err).Msg("ema historical prior unavailable, falling back to market-implied")
		}
	}
	return impliedPrior(sigmaAnnual, wMkt, o.cfg.RiskAversion)
}

// degradedEqualWeight produces a Degraded=true equal-weight allocation,
// deliberately ignoring max_position_size since it is the very constraint
// that made the solve infeasible.
func (o *Optimizer) degradedEqualWeight(in Input, reason string) *domain.AllocationResult {
	n := len(in.Tickers)
	weights := make(map[domain.Ticker]float64, n)
	for _, t := range in.Tickers {
		weights[t] = 1.0 / float64(n)
	}
	return o.finalize(in, weights, 0, 0, 0, true, reason)
}

func (o *Optimizer) finalize(in Input, weights map[domain.Ticker]float64, expReturn, vol, sharpe float64, degraded bool, reason string) *domain.AllocationResult {
	shares, invested, leftover := discreteAllocate(weights, in.LatestPrices, in.Capital)

	snapshot := make(map[domain.Ticker]domain.FactorScores, len(weights))
	for t := range weights {
		if fs, ok := in.FactorScores[t]; ok {
			snapshot[t] = fs
		}
	}

	return &domain.AllocationResult{
		Weights:         weights,
		DiscreteShares:  shares,
		ExpectedReturn:  expReturn,
		Volatility:      vol,
		Sharpe:          sharpe,
		InvestedCapital: invested,
		LeftoverCash:    leftover,
		Degraded:        degraded,
		DegradedReason:  reason,
		AsOf:            in.AsOf,
		FactorSnapshot:  snapshot,
	}
}
