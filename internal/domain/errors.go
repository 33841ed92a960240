package domain

import (
	"errors"
	"fmt"
	"time"
)

// TransientError wraps a recoverable I/O or remote-API failure. Callers
// retry it with backoff; it is surfaced to the engine only once the retry
// budget is exhausted.
type TransientError struct {
	Op         string
	Cause      error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// NotFoundError means a ticker or reporting period was absent. The caller
// drops the ticker from the current rebalance and logs the event; it never
// propagates unless the universe falls below viability.
type NotFoundError struct {
	Ticker Ticker
	Kind   string // "prices", "fundamentals", ...
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found for %s", e.Kind, e.Ticker)
}

// DataIntegrityError means a required field was missing, a denominator was
// non-positive, or a price series was non-monotonic. The affected factor
// input becomes NaN (mapped to a neutral z-score of 0); values are never
// fabricated to mask it.
type DataIntegrityError struct {
	Ticker Ticker
	Field  string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation for %s.%s: %s", e.Ticker, e.Field, e.Reason)
}

// TemporalViolationError means a datum dated on or after the as-of cutoff
// entered a point-in-time computation. It is always fatal and aborts the
// rebalance in progress.
type TemporalViolationError struct {
	AsOf      Date
	DataDate  Date
	Ticker    Ticker
}

func (e *TemporalViolationError) Error() string {
	return fmt.Sprintf("temporal violation: %s data dated %s on or after as_of=%s", e.Ticker, e.DataDate, e.AsOf)
}

// InfeasibleOptimizationError means the convex solver could not satisfy the
// configured constraints. The caller falls back to equal-weight over the
// selected top-N and marks the result degraded.
type InfeasibleOptimizationError struct {
	Reason string
}

func (e *InfeasibleOptimizationError) Error() string {
	return fmt.Sprintf("infeasible optimization: %s", e.Reason)
}

// SingularCovarianceError means no usable covariance matrix could be
// formed: fewer than two return periods overlap, or the shrunk matrix was
// not positive semidefinite even after the estimator's own retry at
// shrinkage intensity 1.0.
type SingularCovarianceError struct {
	ShrinkageIntensity float64
}

func (e *SingularCovarianceError) Error() string {
	return fmt.Sprintf("singular covariance matrix at shrinkage intensity %.2f", e.ShrinkageIntensity)
}

// UniverseTooSparseError means fewer than the viability threshold of
// requested tickers could be resolved for a rebalance.
type UniverseTooSparseError struct {
	Requested int
	Resolved  int
}

func (e *UniverseTooSparseError) Error() string {
	return fmt.Sprintf("universe too sparse: resolved %d/%d tickers", e.Resolved, e.Requested)
}

// ConfigError means the configuration is invalid at construction time:
// weights not summing to 1, negative caps, top_n exceeding universe size,
// and similar. Always fatal, always raised before any computation starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// StaleDataError signals that the consolidated cache entry is older than its
// TTL and a refresh attempt failed; the caller decides whether to accept it.
type StaleDataError struct {
	Ticker    Ticker
	WriteTime time.Time
	TTL       time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data for %s: written %s, ttl %s", e.Ticker, e.WriteTime, e.TTL)
}

// IsRetryable reports whether err (or something it wraps) should be retried
// by the higher-order retry policy in internal/retry.
func IsRetryable(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
