package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/portfolio-engine/internal/domain"
)

func TestDefault_PassesValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_FactorWeightsMustSumToOne(t *testing.T) {
	cfg := Default()
	cfg.FactorWeights.Value = 0.9
	err := cfg.Validate()
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "factor_weights", cfgErr.Field)
}

func TestValidate_MaxPositionSizeOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.MaxPositionSize = 1.5
	err := cfg.Validate()
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "max_position_size", cfgErr.Field)
}

func TestValidate_UnknownOptimizationMethodRejected(t *testing.T) {
	cfg := Default()
	cfg.OptimizationMethod = "not_a_method"
	err := cfg.Validate()
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "optimization_method", cfgErr.Field)
}

func TestValidate_UnknownExpectedReturnsMethodRejected(t *testing.T) {
	cfg := Default()
	cfg.ExpectedReturnsMethod = "not_a_method"
	err := cfg.Validate()
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "expected_returns_method", cfgErr.Field)
}

func TestValidate_SnapshotEnabledRequiresDSN(t *testing.T) {
	cfg := Default()
	cfg.Snapshot.Enabled = true
	cfg.Snapshot.DSN = ""
	err := cfg.Validate()
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "snapshot.dsn", cfgErr.Field)
}

func TestValidateUniverseSize_RejectsTopNExceedingUniverse(t *testing.T) {
	cfg := Default()
	cfg.TopN = 50
	err := cfg.ValidateUniverseSize(10)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "top_n", cfgErr.Field)
}

func TestValidateUniverseSize_AllowsEqualSize(t *testing.T) {
	cfg := Default()
	cfg.TopN = 10
	require.NoError(t, cfg.ValidateUniverseSize(10))
}

func TestLoad_OverlaysYAMLOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
top_n: 15
max_position_size: 0.20
optimization_method: min_volatility
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 15, cfg.TopN)
	require.Equal(t, 0.20, cfg.MaxPositionSize)
	require.Equal(t, MinVolatility, cfg.OptimizationMethod)
	// fields not present in the overlay keep Default()'s values
	require.Equal(t, 504, cfg.CovarianceLookbackDays)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidOverlayFailsValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("top_n: -1\n"), 0o644))

	_, err := Load(path)
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "top_n", cfgErr.Field)
}
