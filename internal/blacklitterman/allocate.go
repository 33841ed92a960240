package blacklitterman

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// discreteAllocate converts target weights into whole-share positions for a
// fixed capital amount, following PyPortfolioOpt's greedy_portfolio:
// floor-divide every ticker's dollar allocation by its latest price, then
// hand out the leftover cash one share at a time to whichever ticker is
// currently furthest below its target weight and still affordable.
func discreteAllocate(weights map[domain.Ticker]float64, prices map[domain.Ticker]float64, capital float64) (shares map[domain.Ticker]int64, invested, leftover float64) {
	dCapital := decimal.NewFromFloat(capital)
	shares = make(map[domain.Ticker]int64, len(weights))

	tickers := make([]domain.Ticker, 0, len(weights))
	for t := range weights {
		tickers = append(tickers, t)
	}
	sort.Slice(tickers, func(i, j int) bool { return tickers[i] < tickers[j] })

	dInvested := decimal.Zero
	for _, t := range tickers {
		price := prices[t]
		if price <= 0 {
			continue
		}
		dPrice := decimal.NewFromFloat(price)
		target := dCapital.Mul(decimal.NewFromFloat(weights[t]))
		n := target.Div(dPrice).Floor()
		shares[t] = n.IntPart()
		dInvested = dInvested.Add(dPrice.Mul(n))
	}

	dLeftover := dCapital.Sub(dInvested)

	// Greedy residual reassignment: repeatedly buy one more share of the
	// ticker whose current allocation is furthest below its target weight,
	// among tickers still affordable with the remaining cash.
	for {
		bestTicker := domain.Ticker("")
		bestDeficit := -1.0
		for _, t := range tickers {
			price := prices[t]
			if price <= 0 {
				continue
			}
			dPrice := decimal.NewFromFloat(price)
			if dLeftover.LessThan(dPrice) {
				continue
			}
			currentValue := dPrice.Mul(decimal.NewFromInt(shares[t]))
			currentWeight, _ := currentValue.Div(dCapital).Float64()
			deficit := weights[t] - currentWeight
			if deficit > bestDeficit {
				bestDeficit = deficit
				bestTicker = t
			}
		}
		if bestTicker == "" || bestDeficit <= 0 {
			break
		}
		dPrice := decimal.NewFromFloat(prices[bestTicker])
		shares[bestTicker]++
		dInvested = dInvested.Add(dPrice)
		dLeftover = dLeftover.Sub(dPrice)
	}

	investedF, _ := dInvested.Float64()
	leftoverF, _ := dLeftover.Float64()
	return shares, investedF, leftoverF
}
