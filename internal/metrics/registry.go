// Package metrics exposes the engine's Prometheus instrumentation: cache
// hit rate, optimizer solve duration, and rebalance/backtest counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the engine records. Each Registry owns its
// own prometheus.Registry rather than registering against the global
// default, so multiple Registries (one per test, one per process) never
// collide on a duplicate-registration panic.
type Registry struct {
	registry *prometheus.Registry

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	OptimizerSolveDuration *prometheus.HistogramVec
	OptimizerDegraded      *prometheus.CounterVec

	RebalancesTotal  *prometheus.CounterVec
	RebalanceSkipped *prometheus.CounterVec
	Turnover         prometheus.Histogram
	TransactionCosts prometheus.Counter

	BacktestRunDuration prometheus.Histogram
	BacktestSharpe      prometheus.Gauge
	BacktestMaxDrawdown prometheus.Gauge

	BreakerStateChanges *prometheus.CounterVec
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolioengine_cache_hits_total",
				Help: "Total cache hits by tier (historical, consolidated, live).",
			},
			[]string{"tier", "kind"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolioengine_cache_misses_total",
				Help: "Total cache misses by tier (historical, consolidated, live).",
			},
			[]string{"tier", "kind"},
		),

		OptimizerSolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portfolioengine_optimizer_solve_duration_seconds",
				Help:    "Wall time spent inside one Optimize call.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method"},
		),
		OptimizerDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolioengine_optimizer_degraded_total",
				Help: "Total Optimize calls that fell back to the degraded equal-weight path.",
			},
			[]string{"reason"},
		),

		RebalancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolioengine_rebalances_total",
				Help: "Total rebalance dates processed by outcome.",
			},
			[]string{"outcome"},
		),
		RebalanceSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolioengine_rebalance_skipped_total",
				Help: "Total skipped rebalances by reason category.",
			},
			[]string{"reason"},
		),
		Turnover: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portfolioengine_rebalance_turnover",
				Help:    "One-way turnover per rebalance.",
				Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.75, 1.0},
			},
		),
		TransactionCosts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portfolioengine_transaction_costs_total_dollars",
				Help: "Cumulative estimated transaction costs across all rebalances.",
			},
		),

		BacktestRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portfolioengine_backtest_run_duration_seconds",
				Help:    "Wall time spent inside one full walk-forward Run call.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		BacktestSharpe: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portfolioengine_backtest_sharpe",
				Help: "Sharpe ratio of the most recently completed backtest run.",
			},
		),
		BacktestMaxDrawdown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portfolioengine_backtest_max_drawdown",
				Help: "Max drawdown of the most recently completed backtest run.",
			},
		),

		BreakerStateChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolioengine_circuit_breaker_state_changes_total",
				Help: "Total circuit breaker state transitions by source/to-state.",
			},
			[]string{"source", "to_state"},
		),
	}

	reg.MustRegister(
		r.CacheHits, r.CacheMisses,
		r.OptimizerSolveDuration, r.OptimizerDegraded,
		r.RebalancesTotal, r.RebalanceSkipped, r.Turnover, r.TransactionCosts,
		r.BacktestRunDuration, r.BacktestSharpe, r.BacktestMaxDrawdown,
		r.BreakerStateChanges,
	)
	return r
}

// Handler returns the HTTP handler that serves this Registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SolveTimer times one Optimize call; call Stop with the method name used
// ("degraded", "single_ticker", "max_sharpe", "min_volatility",
// "max_quadratic_utility", "equal_weight").
func (r *Registry) SolveTimer() *SolveTimer {
	return &SolveTimer{registry: r, start: time.Now()}
}

type SolveTimer struct {
	registry *Registry
	start    time.Time
}

func (t *SolveTimer) Stop(method string) {
	t.registry.OptimizerSolveDuration.WithLabelValues(method).Observe(time.Since(t.start).Seconds())
}

// RecordRebalance records one scheduled rebalance's outcome.
func (r *Registry) RecordRebalance(skipped bool, skipReason string, turnover, transactionCost float64) {
	if skipped {
		r.RebalancesTotal.WithLabelValues("skipped").Inc()
		r.RebalanceSkipped.WithLabelValues(skipReason).Inc()
		return
	}
	r.RebalancesTotal.WithLabelValues("applied").Inc()
	r.Turnover.Observe(turnover)
	r.TransactionCosts.Add(transactionCost)
}

// RecordBacktestRun records one completed walk-forward run's summary stats.
func (r *Registry) RecordBacktestRun(duration time.Duration, sharpe, maxDrawdown float64) {
	r.BacktestRunDuration.Observe(duration.Seconds())
	r.BacktestSharpe.Set(sharpe)
	r.BacktestMaxDrawdown.Set(maxDrawdown)
}
