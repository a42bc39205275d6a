package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"frontier/internal/api"
	"frontier/internal/config"
	"frontier/internal/db"
	"frontier/internal/engine"
	"frontier/internal/logger"
	"frontier/internal/market"
	"frontier/internal/report"
)

var version = "dev"

func main() {
	cfg := config.Default()
	if err := config.FromEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "environment: %v\n", err)
		os.Exit(2)
	}

	mode := flag.String("mode", envOrDefault("FRONTIER_MODE", "optimize"), "optimize | import | export | serve")
	symbols := flag.String("symbols", "", "comma-separated symbols")
	seed := flag.Int64("seed", -1, "sampler seed (-1 = random)")
	flag.StringVar(&cfg.Provider, "provider", cfg.Provider, "price source: yahoo | sqlite | csv")
	flag.StringVar(&cfg.Start, "start", cfg.Start, "first day, YYYY-MM-DD (default one year before end)")
	flag.StringVar(&cfg.End, "end", cfg.End, "last day, YYYY-MM-DD (default today)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.CSVPath, "csv", cfg.CSVPath, "long-format price CSV for -provider csv")
	flag.IntVar(&cfg.Samples, "samples", cfg.Samples, "random portfolios to sample")
	flag.IntVar(&cfg.MaxSamples, "max-samples", cfg.MaxSamples, "upper limit for -samples and API overrides")
	flag.Float64Var(&cfg.RiskFreeRate, "rf", cfg.RiskFreeRate, "annual risk-free rate")
	flag.Float64Var(&cfg.LowerBound, "lower", cfg.LowerBound, "per-asset lower weight bound (samples outside the bounds are flagged, not redrawn)")
	flag.Float64Var(&cfg.UpperBound, "upper", cfg.UpperBound, "per-asset upper weight bound (samples outside the bounds are flagged, not redrawn)")
	flag.IntVar(&cfg.MaxIterations, "max-iter", cfg.MaxIterations, "optimizer iteration cap")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "optimization deadline (0 = none)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "sampler goroutines (0 = unbounded)")
	flag.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "directory for the frontier export (empty = no export)")
	flag.StringVar(&cfg.ExportFormat, "format", cfg.ExportFormat, "export format: csv | parquet | json")
	flag.StringVar(&cfg.ChartPath, "chart", cfg.ChartPath, "PNG path for the frontier chart (empty = no chart)")
	flag.StringVar(&cfg.PricesOut, "prices-out", cfg.PricesOut, "CSV path for -mode export")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug | info | warn | error")
	flag.Parse()

	if *symbols != "" {
		cfg.Symbols = config.ParseSymbols(*symbols)
	}
	if *seed >= 0 {
		s := uint64(*seed)
		cfg.Seed = &s
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.Banner(version)
	if err := cfg.Validate(); err != nil {
		logger.Error("CONFIG", err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "optimize":
		err = runOptimize(ctx, cfg)
	case "import":
		err = runImport(ctx, cfg)
	case "export":
		err = runExport(ctx, cfg)
	case "serve":
		err = runServe(ctx, cfg)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("MAIN", err.Error())
		os.Exit(1)
	}
}

// openProvider returns the configured price source and, for sqlite, the
// database so the caller can close it.
func openProvider(cfg *config.Config) (engine.PriceProvider, *db.DB, error) {
	switch cfg.Provider {
	case "sqlite":
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return database, database, nil
	case "csv":
		return market.NewCSVProvider(cfg.CSVPath), nil, nil
	default:
		return market.NewYahooClient(cfg.YahooURL), nil, nil
	}
}

func runOptimize(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Symbols) == 0 && cfg.Provider == "yahoo" {
		return errors.New("optimize: -symbols is required for the yahoo provider")
	}
	start, end, err := cfg.Range(time.Now())
	if err != nil {
		return err
	}
	provider, database, err := openProvider(cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	logger.Section("Prices")
	prices, err := provider.FetchPriceMatrix(ctx, cfg.Symbols, start, end)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}
	logger.Stats("dates", prices.Rows())
	logger.Stats("symbols", prices.Cols())

	returns, err := engine.ComputeReturns(prices)
	if err != nil {
		return fmt.Errorf("compute returns: %w", err)
	}
	for _, sym := range returns.Dropped {
		logger.Warn("RETURNS", fmt.Sprintf("Dropped %s: fewer than 2 valid prices", sym))
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logger.Section("Optimization")
	began := time.Now()
	analysis, err := engine.AnalyzeReturns(runCtx, returns, cfg.AnalysisOptions(returns.Cols()))
	if err != nil {
		var ce *engine.ConvergenceError
		if errors.As(err, &ce) && ce.Best != nil {
			logger.Warn("OPTIMIZE", fmt.Sprintf("Best point after %d iterations: sharpe %.4f",
				ce.Iterations, ce.Best.Performance.SharpeRatio))
		}
		return err
	}
	logger.Success("OPTIMIZE", fmt.Sprintf("Run %s finished in %v (%d iterations)",
		analysis.RunID, time.Since(began).Round(time.Millisecond), analysis.Optimal.Iterations))

	if analysis.OutOfBounds > 0 {
		logger.Warn("FRONTIER", fmt.Sprintf("%d of %d samples fall outside the weight bounds", analysis.OutOfBounds, len(analysis.Frontier)))
	}
	if err := report.WriteAllocation(os.Stdout, analysis); err != nil {
		return err
	}
	return writeOutputs(cfg, analysis)
}

func writeOutputs(cfg *config.Config, a *engine.Analysis) error {
	if cfg.OutputDir != "" {
		saver := report.NewSaver(cfg.ExportFormat)
		if saver == nil {
			return fmt.Errorf("unsupported export format %q", cfg.ExportFormat)
		}
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		path := filepath.Join(cfg.OutputDir, fmt.Sprintf("frontier_%s.%s", a.RunID, saver.Extension()))
		if err := saver.Save(report.FrontierRows(a), path); err != nil {
			return fmt.Errorf("export frontier: %w", err)
		}
		logger.Success("EXPORT", fmt.Sprintf("Wrote %d points to %s", len(a.Frontier), path))
	}
	if cfg.ChartPath != "" {
		png, err := report.RenderFrontier(a)
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.ChartPath, png, 0o644); err != nil {
			return fmt.Errorf("write chart: %w", err)
		}
		logger.Success("CHART", "Wrote "+cfg.ChartPath)
	}
	return nil
}

// runImport downloads prices from Yahoo (or reads the CSV file) into SQLite.
func runImport(ctx context.Context, cfg *config.Config) error {
	start, end, err := cfg.Range(time.Now())
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	var obs []engine.PriceObservation
	if cfg.CSVPath != "" {
		f, err := os.Open(cfg.CSVPath)
		if err != nil {
			return fmt.Errorf("open csv: %w", err)
		}
		defer f.Close()
		if obs, err = market.ReadObservations(f); err != nil {
			return fmt.Errorf("%s: %w", cfg.CSVPath, err)
		}
	} else {
		if len(cfg.Symbols) == 0 {
			return errors.New("import: -symbols or -csv is required")
		}
		if obs, err = yahooHistory(ctx, cfg, start, end); err != nil {
			return err
		}
	}

	n, err := database.UpsertPrices(ctx, obs)
	if err != nil {
		return err
	}
	logger.Success("IMPORT", fmt.Sprintf("Stored %d prices in %s", n, cfg.DBPath))
	return nil
}

// runExport writes the provider's price rows with daily returns and per-symbol
// annualized metrics to a long-format CSV.
func runExport(ctx context.Context, cfg *config.Config) error {
	if cfg.PricesOut == "" {
		return errors.New("export: -prices-out is required")
	}
	start, end, err := cfg.Range(time.Now())
	if err != nil {
		return err
	}

	var obs []engine.PriceObservation
	switch cfg.Provider {
	case "sqlite":
		obs, err = storedObservations(ctx, cfg, start, end)
	case "csv":
		obs, err = market.NewCSVProvider(cfg.CSVPath).Observations(ctx, cfg.Symbols, start, end)
	default:
		if len(cfg.Symbols) == 0 {
			return errors.New("export: -symbols is required for the yahoo provider")
		}
		obs, err = yahooHistory(ctx, cfg, start, end)
	}
	if err != nil {
		return err
	}

	rows := engine.EnrichObservations(obs, cfg.RiskFreeRate)
	f, err := os.Create(cfg.PricesOut)
	if err != nil {
		return fmt.Errorf("create %s: %w", cfg.PricesOut, err)
	}
	defer f.Close()
	if err := market.WriteEnrichedObservations(f, rows); err != nil {
		return fmt.Errorf("write %s: %w", cfg.PricesOut, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Success("EXPORT", fmt.Sprintf("Wrote %d rows to %s", len(rows), cfg.PricesOut))
	return nil
}

// storedObservations reads prices from SQLite. Without -symbols every stored
// symbol is exported.
func storedObservations(ctx context.Context, cfg *config.Config, start, end time.Time) ([]engine.PriceObservation, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		if symbols, err = database.Symbols(ctx); err != nil {
			return nil, err
		}
		if len(symbols) == 0 {
			return nil, fmt.Errorf("export: %s holds no prices", cfg.DBPath)
		}
		logger.Info("EXPORT", fmt.Sprintf("Exporting all %d stored symbols", len(symbols)))
	}
	return database.Observations(ctx, symbols, start, end)
}

func yahooHistory(ctx context.Context, cfg *config.Config, start, end time.Time) ([]engine.PriceObservation, error) {
	client := market.NewYahooClient(cfg.YahooURL)
	var obs []engine.PriceObservation
	for _, sym := range cfg.Symbols {
		got, err := client.History(ctx, sym, start, end)
		if err != nil {
			return nil, err
		}
		obs = append(obs, got...)
	}
	return obs, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	provider, database, err := openProvider(cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	srv := api.NewServer(cfg, provider, version)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Server(addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
