package blacklitterman

import "math"

// projectSimplexBox projects v onto {w : Σw = 1, 0 ≤ w_i ≤ cap}, via
// bisection on the Lagrange multiplier of the equality constraint. The
// caller must have already verified n·cap ≥ 1 (otherwise the feasible set
// is empty).
func projectSimplexBox(v []float64, cap float64) []float64 {
	n := len(v)
	clipAt := func(theta float64) []float64 {
		w := make([]float64, n)
		for i, vi := range v {
			w[i] = clamp(vi-theta, 0, cap)
		}
		return w
	}
	sumAt := func(theta float64) float64 {
		var s float64
		for _, vi := range v {
			s += clamp(vi-theta, 0, cap)
		}
		return s
	}

	lo, hi := -cap-1.0, 1.0
	for _, vi := range v {
		if vi-cap < lo {
			lo = vi - cap - 1
		}
		if vi > hi {
			hi = vi + 1
		}
	}

	for iter := 0; iter < 100; iter++ {
		mid := (lo + hi) / 2
		if sumAt(mid) > 1 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return clipAt((lo + hi) / 2)
}

// solveQuadraticUtility maximizes w'μ - 0.5·γ·w'Σw subject to Σw=1,
// 0≤w≤cap via projected gradient ascent — a standard, general algorithm
// for convex QPs with simple constraint sets, used here because no QP
// solver library exists anywhere in the grounding corpus.
func solveQuadraticUtility(mu []float64, sigma matrix, gamma, cap float64) []float64 {
	n := len(mu)
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}

	const iterations = 800
	step := 0.05
	for iter := 0; iter < iterations; iter++ {
		sw := sigma.mulVec(w)
		grad := make([]float64, n)
		for i := 0; i < n; i++ {
			grad[i] = mu[i] - gamma*sw[i]
		}
		lr := step / (1 + float64(iter)*0.01)
		next := make([]float64, n)
		for i := 0; i < n; i++ {
			next[i] = w[i] + lr*grad[i]
		}
		w = projectSimplexBox(next, cap)
	}
	return w
}

// solveMinVolatility minimizes w'Σw subject to Σw=1, 0≤w≤cap via projected
// gradient descent.
func solveMinVolatility(sigma matrix, cap float64) []float64 {
	n := sigma.rows()
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}

	const iterations = 800
	step := 0.05
	for iter := 0; iter < iterations; iter++ {
		sw := sigma.mulVec(w)
		lr := step / (1 + float64(iter)*0.01)
		next := make([]float64, n)
		for i := 0; i < n; i++ {
			next[i] = w[i] - lr*2*sw[i]
		}
		w = projectSimplexBox(next, cap)
	}
	return w
}

// solveMaxSharpe sweeps risk-aversion γ across a log-spaced grid, solving
// the quadratic-utility problem at each point and keeping the weights that
// maximize the realized Sharpe ratio — the mean-variance efficient
// frontier is traced by γ, and max-Sharpe is a point on it. This avoids
// needing a dedicated nonlinear fractional-programming solver.
func solveMaxSharpe(mu []float64, sigma matrix, cap, riskFreeRate float64) []float64 {
	const gridPoints = 40
	logLo, logHi := math.Log(0.1), math.Log(100.0)

	var best []float64
	bestSharpe := math.Inf(-1)
	for i := 0; i < gridPoints; i++ {
		t := float64(i) / float64(gridPoints-1)
		gamma := math.Exp(logLo + t*(logHi-logLo))
		w := solveQuadraticUtility(mu, sigma, gamma, cap)

		ret := dot(w, mu)
		vol := math.Sqrt(dot(w, sigma.mulVec(w)))
		if vol <= 0 {
			continue
		}
		sharpe := (ret - riskFreeRate) / vol
		if sharpe > bestSharpe {
			bestSharpe = sharpe
			best = w
		}
	}
	if best == nil {
		best = solveMinVolatility(sigma, cap)
	}
	return best
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}
