// Package regime classifies market state as an advisory signal: the
// RegimeDetector component.
package regime

import (
	"context"
	"fmt"
	"sort"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// Regime is the three-way market-state classification.
type Regime string

const (
	RiskOn  Regime = "RISK_ON"
	Caution Regime = "CAUTION"
	RiskOff Regime = "RISK_OFF"
)

// vote is one signal's read on market direction, independent of the others.
type vote string

const (
	voteBullish vote = "bullish"
	voteBearish vote = "bearish"
)

// Result is Detect's combined output.
type Result struct {
	Regime         Regime
	SignalStrength float64
	Details        map[string]string
}

// IndexPriceSource supplies the daily close series for a market index
// ticker, filtered to strictly before asOf per the point-in-time contract
// every other data boundary in this engine honors.
type IndexPriceSource interface {
	GetHistory(ctx context.Context, ticker domain.Ticker, start, end domain.Date) ([]domain.PriceBar, error)
}

// VolTermStructureSource supplies the short-dated and long-dated
// volatility-index reads used for the contango/backwardation vote.
type VolTermStructureSource interface {
	GetVolTermStructure(ctx context.Context, asOf domain.Date) (shortVol, longVol float64, err error)
}

const smaWindow = 200

// Detector classifies regime from (a) index price vs its 200-day SMA and
// (b) the short/long volatility-index ratio, following the teacher's
// fetchSignals/calculateVotes/majorityVote decomposition generalized from
// crypto breadth signals to these two equity-index signals. When disabled
// by config the caller simply never invokes Detect; regime is always
// advisory, never a hard gate, per spec §4.5.
type Detector struct {
	prices      IndexPriceSource
	volTerm     VolTermStructureSource
	indexTicker domain.Ticker
}

// New builds a Detector against the given index ticker (e.g. "SPY") and
// volatility-term-structure source.
func New(prices IndexPriceSource, volTerm VolTermStructureSource, indexTicker domain.Ticker) *Detector {
	return &Detector{prices: prices, volTerm: volTerm, indexTicker: indexTicker}
}

// Detect runs both signals and majority-votes them into a three-way regime.
// Two bullish votes → RISK_ON, two bearish → RISK_OFF, a split → CAUTION.
func (d *Detector) Detect(ctx context.Context, asOf domain.Date) (*Result, error) {
	smaVote, smaStrength, smaDetail, err := d.smaVote(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("sma signal: %w", err)
	}

	volVote, volStrength, volDetail, err := d.volTermVote(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("vol term structure signal: %w", err)
	}

	regime := majorityVote([]vote{smaVote, volVote})
	strength := (smaStrength + volStrength) / 2

	return &Result{
		Regime:         regime,
		SignalStrength: strength,
		Details: map[string]string{
			"sma_200":          smaDetail,
			"vol_term_structure": volDetail,
		},
	}, nil
}

// smaVote implements the original's binary SMA-crossover calculation
// (price > 200-day SMA of adjusted close → bullish, else bearish),
// extended here only in that it contributes one vote of two rather than
// being the sole determinant.
func (d *Detector) smaVote(ctx context.Context, asOf domain.Date) (vote, float64, string, error) {
	start := asOf.AddDays(-int(float64(smaWindow) * 1.6)) // calendar slack for weekends/holidays
	bars, err := d.prices.GetHistory(ctx, d.indexTicker, start, asOf)
	if err != nil {
		return "", 0, "", err
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	if len(bars) < smaWindow {
		return "", 0, "", fmt.Errorf("insufficient index history: have %d days, need %d", len(bars), smaWindow)
	}

	window := bars[len(bars)-smaWindow:]
	var sum float64
	for _, b := range window {
		sum += b.AdjClose
	}
	sma := sum / float64(smaWindow)
	current := bars[len(bars)-1].AdjClose

	strength := (current - sma) / sma * 100
	detail := fmt.Sprintf("price=%.2f sma200=%.2f signal=%+.2f%%", current, sma, strength)

	if current > sma {
		return voteBullish, strength, detail, nil
	}
	return voteBearish, strength, detail, nil
}

// volTermVote reads contango (short vol < long vol, typically calm/bullish)
// vs backwardation (short vol > long vol, typically stressed/bearish).
func (d *Detector) volTermVote(ctx context.Context, asOf domain.Date) (vote, float64, string, error) {
	short, long, err := d.volTerm.GetVolTermStructure(ctx, asOf)
	if err != nil {
		return "", 0, "", err
	}
	if long <= 0 {
		return "", 0, "", fmt.Errorf("non-positive long-dated vol reading: %v", long)
	}

	ratio := short / long
	strength := (1 - ratio) * 100 // positive in contango, negative in backwardation
	detail := fmt.Sprintf("short=%.2f long=%.2f ratio=%.3f", short, long, ratio)

	if ratio < 1.0 {
		return voteBullish, strength, detail, nil
	}
	return voteBearish, strength, detail, nil
}

// tilt multiplies each composite factor weight by a regime-conditional
// factor before renormalizing back to sum 1: risk-on tilts toward momentum,
// risk-off tilts toward quality and value, caution leaves weights
// untouched. This generalizes the teacher's WeightManager/WeightPreset
// regime-conditional weight presets (momentum/technical/volume/quality/
// social, in internal/application/pipeline/regime_integration.go and
// internal/regime/weights.go) from that five-factor crypto scoring vector
// to this engine's value/quality/momentum triple.
type tilt struct {
	Value, Quality, Momentum float64
}

var tiltTable = map[Regime]tilt{
	RiskOn:  {Value: 0.85, Quality: 0.85, Momentum: 1.40},
	Caution: {Value: 1.00, Quality: 1.00, Momentum: 1.00},
	RiskOff: {Value: 1.15, Quality: 1.30, Momentum: 0.55},
}

// TiltWeights applies the regime-conditional tilt table to base factor
// weights and renormalizes the result to sum to 1, preserving the
// FactorWeights invariant config.Validate enforces. An unrecognized regime
// (never produced by Detect, but defensive against a zero-value Result)
// leaves the base weights untouched.
func TiltWeights(r Regime, base config.FactorWeights) config.FactorWeights {
	t, ok := tiltTable[r]
	if !ok {
		return base
	}
	v := base.Value * t.Value
	q := base.Quality * t.Quality
	m := base.Momentum * t.Momentum
	sum := v + q + m
	if sum <= 0 {
		return base
	}
	return config.FactorWeights{Value: v / sum, Quality: q / sum, Momentum: m / sum}
}

func majorityVote(votes []vote) Regime {
	bullish, bearish := 0, 0
	for _, v := range votes {
		switch v {
		case voteBullish:
			bullish++
		case voteBearish:
			bearish++
		}
	}
	switch {
	case bullish > bearish:
		return RiskOn
	case bearish > bullish:
		return RiskOff
	default:
		return Caution
	}
}
