package blacklitterman

import (
	"math"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

const tradingDaysPerYear = 252.0

// alignedReturns computes simple daily returns for each ticker over the
// common set of dates present in every series, in ticker order. Returns a
// T×N matrix (T periods, N tickers), or errTooFewPeriods when fewer than
// two return periods overlap.
func alignedReturns(bars map[domain.Ticker][]domain.PriceBar, tickers []domain.Ticker) ([][]float64, error) {
	// Start from the first ticker's dates, then intersect with each other series.
	var common []domain.Date
	for i, t := range tickers {
		series := bars[t]
		dates := make([]domain.Date, 0, len(series))
		for _, b := range series {
			dates = append(dates, b.Date)
		}
		if i == 0 {
			common = dates
			continue
		}
		set := make(map[domain.Date]bool, len(dates))
		for _, d := range dates {
			set[d] = true
		}
		filtered := common[:0:0]
		for _, d := range common {
			if set[d] {
				filtered = append(filtered, d)
			}
		}
		common = filtered
	}

	byTickerByDate := make([]map[domain.Date]float64, len(tickers))
	for i, t := range tickers {
		m := make(map[domain.Date]float64, len(bars[t]))
		for _, b := range bars[t] {
			m[b.Date] = b.AdjClose
		}
		byTickerByDate[i] = m
	}

	n := len(tickers)
	T := len(common) - 1
	if T < 2 {
		return nil, errTooFewPeriods
	}

	returns := make([][]float64, T)
	for t := 0; t < T; t++ {
		row := make([]float64, n)
		for i := range tickers {
			p0 := byTickerByDate[i][common[t]]
			p1 := byTickerByDate[i][common[t+1]]
			if p0 <= 0 {
				row[i] = 0
				continue
			}
			row[i] = p1/p0 - 1
		}
		returns[t] = row
	}
	return returns, nil
}

// sampleCovariance computes the (per-period, non-annualized) sample
// covariance matrix from a T×N returns matrix, plus per-ticker means.
func sampleCovariance(returns [][]float64, n int) (matrix, []float64) {
	T := len(returns)
	means := make([]float64, n)
	for _, row := range returns {
		for j := 0; j < n; j++ {
			means[j] += row[j]
		}
	}
	for j := range means {
		means[j] /= float64(T)
	}

	cov := newMatrix(n, n)
	for _, row := range returns {
		for i := 0; i < n; i++ {
			di := row[i] - means[i]
			for j := i; j < n; j++ {
				dj := row[j] - means[j]
				cov[i][j] += di * dj
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov[i][j] /= float64(T)
			cov[j][i] = cov[i][j]
		}
	}
	return cov, means
}

// ledoitWolfConstantCorrelation shrinks the sample covariance toward a
// constant-correlation target per Ledoit & Wolf's constant-correlation
// shrinkage estimator, returning the shrunk (still per-period) covariance
// and the intensity used. demeanedReturns must already have each column's
// mean subtracted.
func ledoitWolfConstantCorrelation(demeanedReturns [][]float64, sample matrix) (matrix, float64) {
	n := sample.rows()
	T := float64(len(demeanedReturns))

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

	var phiHat, gammaHat float64
	for i := 0; i < n; i++ {
		var piIi float64
		for _, row := range demeanedReturns {
			d := row[i]*row[i] - sample[i][i]
			piIi += d * d
		}
		piIi /= T
		phiHat += piIi
		gammaHat += (target[i][i] - sample[i][i]) * (target[i][i] - sample[i][i])
	}

	var rhoHat float64 = phiHat
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			gammaHat += (target[i][j] - sample[i][j]) * (target[i][j] - sample[i][j])

			if variance[i] <= 0 || variance[j] <= 0 {
				continue
			}
			var thetaIiIj, thetaJjIj float64
			for _, row := range demeanedReturns {
				dij := row[i]*row[j] - sample[i][j]
				thetaIiIj += (row[i]*row[i] - variance[i]) * dij
				thetaJjIj += (row[j]*row[j] - variance[j]) * dij
			}
			thetaIiIj /= T
			thetaJjIj /= T

			rhoHat += (rhoBar / 2) * (math.Sqrt(variance[j]/variance[i])*thetaIiIj + math.Sqrt(variance[i]/variance[j])*thetaJjIj)
		}
	}

	if gammaHat <= 0 {
		// Target coincides with sample (e.g. n==1); no shrinkage needed.
		return sample, 0
	}

	kappaHat := (phiHat - rhoHat) / gammaHat
	delta := kappaHat / T
	delta = clamp(delta, 0, 1)

	shrunk := target.scale(delta).add(sample.scale(1 - delta))
	return shrunk, delta
}

// annualize scales a per-period covariance matrix to annual terms assuming
// 252 trading days and i.i.d. daily returns.
func annualize(cov matrix) matrix {
	return cov.scale(tradingDaysPerYear)
}
