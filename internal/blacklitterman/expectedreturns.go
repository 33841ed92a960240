package blacklitterman

import "github.com/kestrelquant/portfolio-engine/internal/domain"

// emaSpan is the exponentially-weighted mean's half-life-equivalent span in
// trading days, chosen to weight roughly one quarter of recent history most
// heavily without collapsing to a pure last-price signal.
const emaSpan = 60.0

// historicalMeanPrior computes each ticker's annualized arithmetic mean
// daily return over its aligned price history: the ExpectedReturnsMethod
// alternative to the market-cap-implied equilibrium prior, for a caller who
// wants the optimizer's views blended against realized performance instead
// of reverse-optimized market weights.
func historicalMeanPrior(bars map[domain.Ticker][]domain.PriceBar, tickers []domain.Ticker) ([]float64, error) {
	returns, err := alignedReturns(bars, tickers)
	if err != nil {
		return nil, err
	}

	n := len(tickers)
	means := make([]float64, n)
	for _, row := range returns {
		for j := 0; j < n; j++ {
			means[j] += row[j]
		}
	}
	T := float64(len(returns))
	for j := range means {
		means[j] = means[j] / T * tradingDaysPerYear
	}
	return means, nil
}

// emaHistoricalPrior computes each ticker's annualized exponentially
// weighted mean daily return, giving more weight to recent periods than
// historicalMeanPrior's flat average.
func emaHistoricalPrior(bars map[domain.Ticker][]domain.PriceBar, tickers []domain.Ticker) ([]float64, error) {
	returns, err := alignedReturns(bars, tickers)
	if err != nil {
		return nil, err
	}

	n := len(tickers)
	alpha := 2.0 / (emaSpan + 1.0)
	ema := make([]float64, n)
	for j := 0; j < n; j++ {
		ema[j] = returns[0][j]
	}
	for t := 1; t < len(returns); t++ {
		for j := 0; j < n; j++ {
			ema[j] = alpha*returns[t][j] + (1-alpha)*ema[j]
		}
	}
	for j := range ema {
		ema[j] *= tradingDaysPerYear
	}
	return ema, nil
}
