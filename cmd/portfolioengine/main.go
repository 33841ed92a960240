package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kestrelquant/portfolio-engine/internal/backtest"
	"github.com/kestrelquant/portfolio-engine/internal/blacklitterman"
	"github.com/kestrelquant/portfolio-engine/internal/config"
	"github.com/kestrelquant/portfolio-engine/internal/datacache"
	"github.com/kestrelquant/portfolio-engine/internal/domain"
	"github.com/kestrelquant/portfolio-engine/internal/factors"
	"github.com/kestrelquant/portfolio-engine/internal/metrics"
	"github.com/kestrelquant/portfolio-engine/internal/regime"
	"github.com/kestrelquant/portfolio-engine/internal/snapshot"
	"github.com/kestrelquant/portfolio-engine/internal/universe"
	"github.com/kestrelquant/portfolio-engine/internal/vendorsource"
)

const version = "v0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "portfolioengine",
		Short:   "Black-Litterman portfolio construction engine",
		Version: version,
		Long: `portfolioengine builds factor-tilted, market-cap-anchored equity
portfolios via Black-Litterman mean-variance optimization.

This is a non-interactive CLI: 'build' runs one rebalance and prints an
AllocationResult, 'backtest' runs a full walk-forward simulation and prints
a summary.`,
	}

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (optional, defaults applied otherwise)")
	rootCmd.PersistentFlags().String("data-dir", "./data/vendor", "directory of pre-fetched prices/fundamentals/sectors.json")
	rootCmd.PersistentFlags().String("cache-dir", "./data/cache", "DataCache's on-disk persistence directory")
	rootCmd.PersistentFlags().String("universe", "sp500", "named universe: sp500|russell2000|nasdaq100|combined")
	rootCmd.PersistentFlags().Bool("metrics", false, "expose Prometheus metrics on :9090/metrics while running")

	rootCmd.AddCommand(buildCmd(), backtestCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	cfg.CacheDir = cacheDir
	return cfg, nil
}

func buildInfra(cmd *cobra.Command, cfg *config.Config) (*datacache.Cache, *universe.Provider, *vendorsource.FileSource, *metrics.Registry) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	src := vendorsource.New(dataDir)
	cache := datacache.New(cfg, src, src)
	provider := universe.NewProvider(cache, src, cfg.WorkerPoolSize)

	var reg *metrics.Registry
	if enabled, _ := cmd.Flags().GetBool("metrics"); enabled {
		reg = metrics.New()
		cache.SetMetrics(reg)
		go serveMetrics(reg)
	}
	return cache, provider, src, reg
}

// buildRegimeDetector wires a regime.Detector off the same tiered cache and
// vendor file source the rest of the run uses, so regime classification
// never opens a separate data path. Disabled by cfg.EnableFactorRegimes at
// the factors.Engine/backtest.Engine call site, not here.
func buildRegimeDetector(cfg *config.Config, cache *datacache.Cache, src *vendorsource.FileSource) *regime.Detector {
	return regime.New(regime.CacheIndexSource{Cache: cache}, src, domain.NewTicker(cfg.RegimeIndexTicker))
}

func serveMetrics(reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	log.Info().Str("addr", ":9090").Msg("serving prometheus metrics")
	if err := http.ListenAndServe(":9090", mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}

func parseUniverseName(raw string) universe.Name {
	return universe.Name(raw)
}

func parseDate(raw string) (domain.Date, error) {
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return domain.Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", raw, err)
	}
	return domain.NewDate(t), nil
}

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run a single rebalance as of a date and print the AllocationResult",
		RunE:  runBuild,
	}
	cmd.Flags().String("as-of", time.Now().UTC().Format("2006-01-02"), "rebalance date, YYYY-MM-DD")
	cmd.Flags().Float64("capital", 100000, "capital to allocate")
	cmd.Flags().String("output", "", "write the AllocationResult JSON here instead of stdout")
	return cmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	universeName, _ := cmd.Flags().GetString("universe")
	asOfRaw, _ := cmd.Flags().GetString("as-of")
	capital, _ := cmd.Flags().GetFloat64("capital")
	outputPath, _ := cmd.Flags().GetString("output")

	asOf, err := parseDate(asOfRaw)
	if err != nil {
		return err
	}

	cache, provider, src, _ := buildInfra(cmd, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	entries, err := provider.Load(ctx, parseUniverseName(universeName), asOf)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	if err := cfg.ValidateUniverseSize(len(entries)); err != nil {
		return err
	}
	top := universe.TopN(entries, cfg.TopN)

	tickers := make([]domain.Ticker, len(top))
	caps := make(map[domain.Ticker]float64, len(top))
	for i, e := range top {
		tickers[i] = e.Ticker
		caps[e.Ticker] = e.MarketCap
	}

	factorEngine := factors.New(cache, cfg, asOf)
	factorEngine.SetRegimeDetector(buildRegimeDetector(cfg, cache, src))
	factorResult, err := factorEngine.Compute(ctx, tickers)
	if err != nil {
		return fmt.Errorf("compute factors: %w", err)
	}

	lookbackStart := asOf.AddDays(-cfg.CovarianceLookbackDays)
	history := make(map[domain.Ticker][]domain.PriceBar, len(tickers))
	latest := make(map[domain.Ticker]float64, len(tickers))
	for _, t := range tickers {
		bars, err := cache.GetPrices(ctx, t, lookbackStart, asOf, asOf)
		if err != nil || len(bars) == 0 {
			continue
		}
		history[t] = bars
		latest[t] = bars[len(bars)-1].AdjClose
	}

	result, err := blacklitterman.New(cfg, log.Logger).Optimize(blacklitterman.Input{
		Tickers:      tickers,
		MarketCaps:   caps,
		FactorScores: factorResult.Scores,
		PriceHistory: history,
		LatestPrices: latest,
		Capital:      capital,
		AsOf:         asOf,
	})
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}

	snapMgr, err := snapshot.NewManager(ctx, cfg.Snapshot)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot manager unavailable, continuing without archival")
		snapMgr = &snapshot.Manager{}
	}
	defer snapMgr.Close()
	runID := snapshot.New(snapMgr, log.Logger).SaveAllocation(ctx, *result)
	log.Info().Str("run_id", runID.String()).Msg("allocation snapshot archived (if enabled)")

	return writeJSON(outputPath, result)
}

func backtestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a walk-forward backtest and print a summary",
		RunE:  runBacktest,
	}
	cmd.Flags().String("start", "", "backtest start date, YYYY-MM-DD (required)")
	cmd.Flags().String("end", "", "backtest end date, YYYY-MM-DD (required)")
	cmd.Flags().String("frequency", "monthly", "rebalance frequency: monthly|quarterly")
	cmd.Flags().Float64("capital", 100000, "initial capital")
	cmd.Flags().Float64("cost-bps", 10, "one-way transaction cost in basis points")
	cmd.Flags().String("output", "", "write the Result JSON here instead of stdout")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	universeName, _ := cmd.Flags().GetString("universe")
	startRaw, _ := cmd.Flags().GetString("start")
	endRaw, _ := cmd.Flags().GetString("end")
	freqRaw, _ := cmd.Flags().GetString("frequency")
	capital, _ := cmd.Flags().GetFloat64("capital")
	costBps, _ := cmd.Flags().GetFloat64("cost-bps")
	outputPath, _ := cmd.Flags().GetString("output")

	start, err := parseDate(startRaw)
	if err != nil {
		return err
	}
	end, err := parseDate(endRaw)
	if err != nil {
		return err
	}

	freq := backtest.Monthly
	if freqRaw == "quarterly" {
		freq = backtest.Quarterly
	}

	cache, provider, src, reg := buildInfra(cmd, cfg)

	engine := backtest.New(cache, provider, cfg, backtest.Config{
		UniverseName:       parseUniverseName(universeName),
		Start:              start,
		End:                end,
		Frequency:          freq,
		InitialCapital:     capital,
		TransactionCostBps: costBps,
	}, log.Logger)
	engine.SetRegimeDetector(buildRegimeDetector(cfg, cache, src))
	if reg != nil {
		engine.SetMetrics(reg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	log.Info().Str("start", start.String()).Str("end", end.String()).
		Str("frequency", string(freq)).Msg("starting backtest")

	result, err := engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("backtest run failed: %w", err)
	}

	log.Info().
		Float64("annualized_return", result.AnnualizedReturn).
		Float64("annualized_vol", result.AnnualizedVol).
		Float64("sharpe", result.Sharpe).
		Float64("max_drawdown", result.MaxDrawdown).
		Int("rebalances", len(result.Rebalances)).
		Msg("backtest complete")

	return writeJSON(outputPath, result)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("wrote output")
	return nil
}
