package blacklitterman

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

func mkDate(y, m, d int) domain.Date { return domain.Date{Year: y, Month: m, Day: d} }

// syntheticBars builds a deterministic, mildly-trending daily price series
// of length n starting at 2020-01-01, so every ticker has enough
// history for the covariance lookback.
func syntheticBars(start float64, drift float64, n int) []domain.PriceBar {
	bars := make([]domain.PriceBar, n)
	price := start
	for i := 0; i < n; i++ {
		bars[i] = domain.PriceBar{
			Date:     mkDate(2020, 1, 1).AddDays(i),
			AdjClose: price,
			Close:    price,
		}
		price *= 1 + drift + 0.001*math.Sin(float64(i))
	}
	return bars
}

func baseInput(tickers []domain.Ticker) Input {
	history := make(map[domain.Ticker][]domain.PriceBar)
	latest := make(map[domain.Ticker]float64)
	caps := make(map[domain.Ticker]float64)
	scores := make(map[domain.Ticker]domain.FactorScores)
	for i, t := range tickers {
		bars := syntheticBars(100+float64(i)*10, 0.0005+0.0001*float64(i), 300)
		history[t] = bars
		latest[t] = bars[len(bars)-1].AdjClose
		caps[t] = 1_000_000_000 * float64(i+1)
		scores[t] = domain.FactorScores{Ticker: t, TotalScore: 0.1 * float64(i), FactorStd: 0.5}
	}
	return Input{
		Tickers:      tickers,
		MarketCaps:   caps,
		FactorScores: scores,
		PriceHistory: history,
		LatestPrices: latest,
		Capital:      100000,
		AsOf:         mkDate(2021, 1, 1),
	}
}

func tickers(names ...string) []domain.Ticker {
	out := make([]domain.Ticker, len(names))
	for i, n := range names {
		out[i] = domain.NewTicker(n)
	}
	return out
}

func TestOptimize_WeightsSumToOne(t *testing.T) {
	cfg := config.Default()
	opt := New(cfg, zerolog.Nop())
	in := baseInput(tickers("AAA", "BBB", "CCC", "DDD", "EEE"))

	result, err := opt.Optimize(in)
	require.NoError(t, err)

	var sum float64
	for _, w := range result.Weights {
		require.GreaterOrEqual(t, w, -1e-9)
		require.LessOrEqual(t, w, cfg.MaxPositionSize+1e-6)
		sum += w
	}
	require.InDelta(t, 1.0, sum, 1e-6)
}

func TestOptimize_MaxPositionCapEnforced(t *testing.T) {
	cfg := config.Default()
	cfg.MaxPositionSize = 0.30
	opt := New(cfg, zerolog.Nop())

	ts := tickers("AAA", "BBB", "CCC", "DDD", "EEE")
	in := baseInput(ts)
	// Give AAA an overwhelming view so the unconstrained solve would want
	// to concentrate heavily in it.
	fs := in.FactorScores["AAA"]
	fs.TotalScore = 5.0
	fs.FactorStd = 0.01
	in.FactorScores["AAA"] = fs

	result, err := opt.Optimize(in)
	require.NoError(t, err)
	require.LessOrEqual(t, result.Weights[domain.NewTicker("AAA")], cfg.MaxPositionSize+1e-6)

	var sum float64
	for _, w := range result.Weights {
		sum += w
	}
	require.InDelta(t, 1.0, sum, 1e-6)
}

func TestOptimize_DegradesToEqualWeightWhenCapInfeasible(t *testing.T) {
	cfg := config.Default()
	cfg.MaxPositionSize = 0.10
	opt := New(cfg, zerolog.Nop())

	in := baseInput(tickers("AAA", "BBB", "CCC", "DDD", "EEE"))
	result, err := opt.Optimize(in)
	require.NoError(t, err)
	require.True(t, result.Degraded)
	require.NotEmpty(t, result.DegradedReason)
	for _, w := range result.Weights {
		require.InDelta(t, 0.20, w, 1e-9)
	}
}

func TestOptimize_SingleTickerYieldsFullWeight(t *testing.T) {
	cfg := config.Default()
	opt := New(cfg, zerolog.Nop())
	in := baseInput(tickers("AAA"))

	result, err := opt.Optimize(in)
	require.NoError(t, err)
	require.InDelta(t, 1.0, result.Weights[domain.NewTicker("AAA")], 1e-9)
	require.False(t, result.Degraded)
}

func TestDiscreteAllocate_ExactDivisionMatchesExpectedShares(t *testing.T) {
	weights := map[domain.Ticker]float64{
		domain.NewTicker("AAA"): 0.5,
		domain.NewTicker("BBB"): 0.3,
		domain.NewTicker("CCC"): 0.2,
	}
	prices := map[domain.Ticker]float64{
		domain.NewTicker("AAA"): 100,
		domain.NewTicker("BBB"): 50,
		domain.NewTicker("CCC"): 25,
	}
	shares, invested, leftover := discreteAllocate(weights, prices, 10000)

	require.Equal(t, int64(50), shares[domain.NewTicker("AAA")])
	require.Equal(t, int64(60), shares[domain.NewTicker("BBB")])
	require.Equal(t, int64(80), shares[domain.NewTicker("CCC")])
	require.InDelta(t, 10000, invested, 1e-6)
	require.InDelta(t, 0, leftover, 1e-6)
}

func TestDiscreteAllocate_InvestedPlusLeftoverEqualsCapital(t *testing.T) {
	weights := map[domain.Ticker]float64{
		domain.NewTicker("AAA"): 0.6,
		domain.NewTicker("BBB"): 0.4,
	}
	prices := map[domain.Ticker]float64{
		domain.NewTicker("AAA"): 37,
		domain.NewTicker("BBB"): 61,
	}
	shares, invested, leftover := discreteAllocate(weights, prices, 10000)

	require.InDelta(t, 10000, invested+leftover, 1e-6)
	require.Less(t, leftover, 37.0)
	for _, s := range shares {
		require.GreaterOrEqual(t, s, int64(0))
	}
}

func TestEstimateCovariance_ReturnsPSDMatrix(t *testing.T) {
	cfg := config.Default()
	opt := New(cfg, zerolog.Nop())
	in := baseInput(tickers("AAA", "BBB", "CCC"))

	sigma, delta, err := opt.estimateCovariance(in)
	require.NoError(t, err)
	require.GreaterOrEqual(t, delta, 0.0)
	require.LessOrEqual(t, delta, 1.0)
	require.True(t, sigma.isSymmetricPSD())
}

func TestEstimateCovariance_TooFewOverlappingPeriodsIsSingular(t *testing.T) {
	cfg := config.Default()
	opt := New(cfg, zerolog.Nop())

	ts := tickers("AAA", "BBB")
	in := baseInput(ts)
	in.PriceHistory[domain.NewTicker("AAA")] = syntheticBars(100, 0.001, 1)

	_, _, err := opt.estimateCovariance(in)
	require.Error(t, err)
	var singular *domain.SingularCovarianceError
	require.ErrorAs(t, err, &singular)
}

func TestImpliedPrior_ScalesWithRiskAversion(t *testing.T) {
	sigma := matrix{{0.04, 0.01}, {0.01, 0.09}}
	wMkt := []float64{0.5, 0.5}

	low := impliedPrior(sigma, wMkt, 1.0)
	high := impliedPrior(sigma, wMkt, 2.0)
	for i := range low {
		require.InDelta(t, 2*low[i], high[i], 1e-9)
	}
}

func TestHistoricalMeanPrior_PositiveDriftYieldsPositiveReturn(t *testing.T) {
	ts := tickers("AAA", "BBB")
	history := map[domain.Ticker][]domain.PriceBar{
		ts[0]: syntheticBars(100, 0.002, 300),
		ts[1]: syntheticBars(100, 0.0005, 300),
	}

	pi, err := historicalMeanPrior(history, ts)
	require.NoError(t, err)
	require.Greater(t, pi[0], pi[1])
}

func TestEMAHistoricalPrior_WeightsRecentReturnsMoreThanFlatMean(t *testing.T) {
	ts := tickers("AAA")
	bars := syntheticBars(100, 0.0001, 300)
	// sharp recent acceleration the flat mean would dilute more than the EMA
	for i := len(bars) - 20; i < len(bars); i++ {
		bars[i].AdjClose = bars[i-1].AdjClose * 1.01
	}
	history := map[domain.Ticker][]domain.PriceBar{ts[0]: bars}

	flat, err := historicalMeanPrior(history, ts)
	require.NoError(t, err)
	ema, err := emaHistoricalPrior(history, ts)
	require.NoError(t, err)
	require.Greater(t, ema[0], flat[0])
}

func TestOptimize_MeanHistoricalMethodUsesHistoricalPrior(t *testing.T) {
	cfg := config.Default()
	cfg.ExpectedReturnsMethod = config.MeanHistorical
	opt := New(cfg, zerolog.Nop())
	in := baseInput(tickers("AAA", "BBB", "CCC"))

	result, err := opt.Optimize(in)
	require.NoError(t, err)
	require.False(t, result.Degraded)
}

func TestOptimize_EMAHistoricalMethodUsesEMAPrior(t *testing.T) {
	cfg := config.Default()
	cfg.ExpectedReturnsMethod = config.EMAHistorical
	opt := New(cfg, zerolog.Nop())
	in := baseInput(tickers("AAA", "BBB", "CCC"))

	result, err := opt.Optimize(in)
	require.NoError(t, err)
	require.False(t, result.Degraded)
}
