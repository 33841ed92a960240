package blacklitterman

import (
	"math"

	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// confidence maps a factor_std dispersion proxy to a Black-Litterman view
// confidence per spec §4.4's piecewise schedule: tight factor agreement
// (low dispersion across value/quality/momentum z-scores) earns higher
// confidence.
func confidence(factorStd float64, cfg *config.Config) float64 {
	switch {
	case factorStd < cfg.ConfidenceThresholdHigh:
		return 0.8
	case factorStd < cfg.ConfidenceThresholdMid:
		return 0.6
	case factorStd < cfg.ConfidenceThresholdLow:
		return 0.4
	default:
		return 0.2
	}
}

// buildViews constructs one absolute view per ticker (q_i, confidence) and
// the diagonal Ω view-uncertainty matrix, following the Idzorek-style
// construction: Ω_ii = (1-c_i)/c_i · τΣ_ii, since each picking row p_i is
// one-hot (one absolute view per asset, P = I).
func buildViews(tickers []domain.Ticker, scores map[domain.Ticker]domain.FactorScores, sigma matrix, cfg *config.Config) (q []float64, omega matrix, views []domain.ViewSpec) {
	n := len(tickers)
	q = make([]float64, n)
	omegaDiag := make([]float64, n)
	views = make([]domain.ViewSpec, n)

	tau := cfg.Tau
	for i, t := range tickers {
		fs := scores[t]
		sigmaI := math.Sqrt(sigma[i][i])
		qi := fs.TotalScore * sigmaI * cfg.FactorAlphaScalar
		ci := confidence(fs.FactorStd, cfg)

		q[i] = qi
		omegaDiag[i] = ((1 - ci) / ci) * tau * sigma[i][i]
		views[i] = domain.ViewSpec{Ticker: t, ImpliedExcessReturn: qi, Confidence: ci}
	}

	return q, diag(omegaDiag), views
}

// posterior computes the standard Black-Litterman closed form:
// μ_bl = [(τΣ)⁻¹ + Ω⁻¹]⁻¹ · [(τΣ)⁻¹π + Ω⁻¹q], valid when P = I (one
// absolute view per asset, as constructed above).
func posterior(pi, q []float64, sigma matrix, tau float64, omega matrix) ([]float64, error) {
	n := len(pi)
	tauSigma := sigma.scale(tau)
	tauSigmaInv, err := tauSigma.inverse()
	if err != nil {
		return nil, err
	}

	omegaDiagInv := make([]float64, n)
	for i := 0; i < n; i++ {
		if omega[i][i] <= 0 {
			omegaDiagInv[i] = 0
			continue
		}
		omegaDiagInv[i] = 1 / omega[i][i]
	}
	omegaInv := diag(omegaDiagInv)

	a := tauSigmaInv.add(omegaInv)
	aInv, err := a.inverse()
	if err != nil {
		return nil, err
	}

	b := make([]float64, n)
	tauSigmaInvPi := tauSigmaInv.mulVec(pi)
	omegaInvQ := omegaInv.mulVec(q)
	for i := 0; i < n; i++ {
		b[i] = tauSigmaInvPi[i] + omegaInvQ[i]
	}

	return aInv.mulVec(b), nil
}
