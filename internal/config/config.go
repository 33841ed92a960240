// Package config defines the engine's configuration surface: factor weights,
// optimizer parameters, cache/rate-limit/retry policy, and feature flags.
// Configuration is loaded from YAML and validated once at construction,
// never re-checked scattered through call sites.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

// FactorWeights are the composite-score weights; must sum to 1.
type FactorWeights struct {
	Value    float64 `yaml:"value"`
	Quality  float64 `yaml:"quality"`
	Momentum float64 `yaml:"momentum"`
}

// BackoffConfig configures the retry package's exponential backoff.
type BackoffConfig struct {
	BaseMS int     `yaml:"base_ms"`
	MaxMS  int     `yaml:"max_ms"`
	Jitter float64 `yaml:"jitter"` // fractional, e.g. 0.2 == +/-20%
}

// CircuitConfig configures the gobreaker-backed circuit around the live
// data source.
type CircuitConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// OptimizationMethod selects the mean-variance objective.
type OptimizationMethod string

const (
	MaxSharpe          OptimizationMethod = "max_sharpe"
	MinVolatility      OptimizationMethod = "min_volatility"
	MaxQuadraticUtility OptimizationMethod = "max_quadratic_utility"
	EqualWeight        OptimizationMethod = "equal_weight"
)

// ExpectedReturnsMethod selects how the optimizer's prior expected returns
// are derived, supplementing the default market-cap-implied prior.
type ExpectedReturnsMethod string

const (
	MarketImplied  ExpectedReturnsMethod = "market_implied"
	MeanHistorical ExpectedReturnsMethod = "mean_historical"
	EMAHistorical  ExpectedReturnsMethod = "ema_historical"
)

// Config is the full configuration surface enumerated in the engine's
// external interfaces contract. Every field has a default; Validate must be
// called once, at construction, before the config is used.
type Config struct {
	FactorWeights        FactorWeights      `yaml:"factor_weights"`
	WinsorizeLimit        float64            `yaml:"winsorize_limit"`
	TopN                  int                `yaml:"top_n"`
	MaxPositionSize       float64            `yaml:"max_position_size"`
	FactorAlphaScalar     float64            `yaml:"factor_alpha_scalar"`
	RiskAversion          float64            `yaml:"risk_aversion"`
	Tau                   float64            `yaml:"tau"`
	CovarianceLookbackDays int               `yaml:"covariance_lookback_days"`
	RateLimitPerMin       int                `yaml:"rate_limit_per_min"`
	CacheTTLHours         int                `yaml:"cache_ttl_hours"`
	FundamentalsTTLDays   int                `yaml:"fundamentals_ttl_days"`
	MaxRetries            int                `yaml:"max_retries"`
	Backoff               BackoffConfig      `yaml:"backoff"`
	Circuit                CircuitConfig      `yaml:"circuit"`
	WorkerPoolSize        int                `yaml:"worker_pool_size"`
	RequestTimeout         time.Duration      `yaml:"request_timeout"`
	RiskFreeRate           float64            `yaml:"risk_free_rate"`

	EnableRegimeAdjustment bool `yaml:"enable_regime_adjustment"`
	EnableMacroTilt        bool `yaml:"enable_macro_tilt"`
	EnableFactorRegimes    bool `yaml:"enable_factor_regimes"`

	// RegimeIndexTicker is the broad-market index (e.g. "SPY") the
	// RegimeDetector reads its 200-day SMA signal from when
	// EnableFactorRegimes is set.
	RegimeIndexTicker string `yaml:"regime_index_ticker"`

	OptimizationMethod    OptimizationMethod    `yaml:"optimization_method"`
	ExpectedReturnsMethod ExpectedReturnsMethod `yaml:"expected_returns_method"`

	ConfidenceThresholdHigh float64 `yaml:"confidence_threshold_high"`
	ConfidenceThresholdMid  float64 `yaml:"confidence_threshold_mid"`
	ConfidenceThresholdLow  float64 `yaml:"confidence_threshold_low"`

	CacheDir string `yaml:"cache_dir"`

	// Snapshot is optional; if Enabled is false no Postgres connection is
	// attempted and the engine runs entirely off the file-based cache.
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// SnapshotConfig configures the optional Postgres-backed audit store for
// AllocationResult snapshots and consolidated-cache blobs.
type SnapshotConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	MaxConns     int32         `yaml:"max_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Default returns the configuration surface's documented defaults.
func Default() *Config {
	return &Config{
		FactorWeights:          FactorWeights{Value: 0.4, Quality: 0.4, Momentum: 0.2},
		WinsorizeLimit:         3.0,
		TopN:                   30,
		MaxPositionSize:        0.30,
		FactorAlphaScalar:      0.02,
		RiskAversion:           2.5,
		Tau:                    0.05,
		CovarianceLookbackDays: 504,
		RateLimitPerMin:        60,
		CacheTTLHours:          24,
		FundamentalsTTLDays:    90,
		MaxRetries:             5,
		Backoff:                BackoffConfig{BaseMS: 1000, MaxMS: 30000, Jitter: 0.2},
		Circuit:                CircuitConfig{MaxRequests: 1, Interval: 60 * time.Second, Timeout: 30 * time.Second, ConsecutiveFailures: 3},
		WorkerPoolSize:         8,
		RequestTimeout:         30 * time.Second,
		RiskFreeRate:           0.045,
		EnableRegimeAdjustment: false,
		EnableMacroTilt:        false,
		EnableFactorRegimes:    true,
		RegimeIndexTicker:      "SPY",
		OptimizationMethod:     MaxSharpe,
		ExpectedReturnsMethod:  MarketImplied,
		ConfidenceThresholdHigh: 0.5,
		ConfidenceThresholdMid:  1.0,
		ConfidenceThresholdLow:  1.5,
		CacheDir:               "data",
		Snapshot:               SnapshotConfig{Enabled: false, MaxConns: 5, QueryTimeout: 10 * time.Second},
	}
}

// Load reads a YAML config file, overlays it on Default, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the construction-time invariants from the error
// taxonomy's ConfigError class. It never mutates c.
func (c *Config) Validate() error {
	sum := c.FactorWeights.Value + c.FactorWeights.Quality + c.FactorWeights.Momentum
	if math.Abs(sum-1.0) > 1e-6 {
		return &domain.ConfigError{Field: "factor_weights", Reason: fmt.Sprintf("must sum to 1, got %.6f", sum)}
	}
	if c.MaxPositionSize <= 0 || c.MaxPositionSize > 1 {
		return &domain.ConfigError{Field: "max_position_size", Reason: "must be in (0,1]"}
	}
	if c.WinsorizeLimit <= 0 {
		return &domain.ConfigError{Field: "winsorize_limit", Reason: "must be positive"}
	}
	if c.TopN <= 0 {
		return &domain.ConfigError{Field: "top_n", Reason: "must be positive"}
	}
	if c.RiskAversion <= 0 {
		return &domain.ConfigError{Field: "risk_aversion", Reason: "must be positive"}
	}
	if c.Tau <= 0 {
		return &domain.ConfigError{Field: "tau", Reason: "must be positive"}
	}
	if c.CovarianceLookbackDays < 2 {
		return &domain.ConfigError{Field: "covariance_lookback_days", Reason: "must be at least 2"}
	}
	if c.MaxRetries < 0 {
		return &domain.ConfigError{Field: "max_retries", Reason: "must be non-negative"}
	}
	if c.RateLimitPerMin <= 0 {
		return &domain.ConfigError{Field: "rate_limit_per_min", Reason: "must be positive"}
	}
	switch c.OptimizationMethod {
	case MaxSharpe, MinVolatility, MaxQuadraticUtility, EqualWeight:
	default:
		return &domain.ConfigError{Field: "optimization_method", Reason: fmt.Sprintf("unknown method %q", c.OptimizationMethod)}
	}
	switch c.ExpectedReturnsMethod {
	case MarketImplied, MeanHistorical, EMAHistorical:
	default:
		return &domain.ConfigError{Field: "expected_returns_method", Reason: fmt.Sprintf("unknown method %q", c.ExpectedReturnsMethod)}
	}
	if c.Snapshot.Enabled && c.Snapshot.DSN == "" {
		return &domain.ConfigError{Field: "snapshot.dsn", Reason: "required when snapshot.enabled is true"}
	}
	return nil
}

// ValidateUniverseSize checks the top_n > universe size ConfigError case,
// which can only be evaluated once a universe is resolved.
func (c *Config) ValidateUniverseSize(universeSize int) error {
	if c.TopN > universeSize {
		return &domain.ConfigError{Field: "top_n", Reason: fmt.Sprintf("top_n=%d exceeds universe size %d", c.TopN, universeSize)}
	}
	return nil
}
