package backtest

import "math"

const tradingDaysPerYear = 252.0

// EquityPoint is one day's mark-to-market portfolio value.
type EquityPoint struct {
	Date  string
	Value float64
}

// summaryStats computes annualized return, annualized volatility, Sharpe
// ratio, and max drawdown from a daily equity curve, following the same
// 252-trading-day annualization convention used throughout the covariance
// estimation in the optimizer.
func summaryStats(curve []EquityPoint, riskFreeRate float64) (annReturn, annVol, sharpe, maxDrawdown float64) {
	if len(curve) < 2 {
		return 0, 0, 0, 0
	}

	dailyReturns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev <= 0 {
			dailyReturns = append(dailyReturns, 0)
			continue
		}
		dailyReturns = append(dailyReturns, curve[i].Value/prev-1)
	}

	var mean float64
	for _, r := range dailyReturns {
		mean += r
	}
	mean /= float64(len(dailyReturns))

	var variance float64
	for _, r := range dailyReturns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(dailyReturns))

	annVol = math.Sqrt(variance * tradingDaysPerYear)

	totalReturn := curve[len(curve)-1].Value/curve[0].Value - 1
	years := float64(len(curve)) / tradingDaysPerYear
	if years > 0 {
		annReturn = math.Pow(1+totalReturn, 1/years) - 1
	}

	if annVol > 0 {
		sharpe = (annReturn - riskFreeRate) / annVol
	}

	peak := curve[0].Value
	for _, p := range curve {
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			dd := (peak - p.Value) / peak
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	return annReturn, annVol, sharpe, maxDrawdown
}

// turnover is the standard one-way turnover: half the L1 distance between
// the old and new weight vectors, a ticker missing from either side
// counting as weight zero there.
func turnover(prev, next map[string]float64) float64 {
	tickers := make(map[string]bool)
	for t := range prev {
		tickers[t] = true
	}
	for t := range next {
		tickers[t] = true
	}
	var sum float64
	for t := range tickers {
		sum += math.Abs(next[t] - prev[t])
	}
	return sum / 2
}
