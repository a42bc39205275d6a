package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"frontier/internal/engine"
)

// Config holds run settings. Defaults come from Default, FromEnv overlays
// FRONTIER_* variables, and CLI flags or API request fields override both.
type Config struct {
	RiskFreeRate  float64       `json:"risk_free_rate"`
	Samples       int           `json:"samples"`
	MaxSamples    int           `json:"max_samples"`    // cap on Samples, request overrides included
	Seed          *uint64       `json:"seed,omitempty"` // nil = fresh seed per run
	LowerBound    float64       `json:"lower_bound"`
	UpperBound    float64       `json:"upper_bound"`
	MaxIterations int           `json:"max_iterations"`
	Tolerance     float64       `json:"tolerance"`
	Timeout       time.Duration `json:"timeout"`
	Workers       int           `json:"workers"`

	Symbols []string `json:"symbols,omitempty"`
	Start   string   `json:"start,omitempty"` // YYYY-MM-DD
	End     string   `json:"end,omitempty"`

	Provider     string `json:"provider"` // yahoo | sqlite | csv
	YahooURL     string `json:"yahoo_url"`
	DBPath       string `json:"db_path"`
	CSVPath      string `json:"csv_path,omitempty"`
	OutputDir    string `json:"output_dir,omitempty"`
	ExportFormat string `json:"export_format"` // csv | parquet | json
	ChartPath    string `json:"chart_path,omitempty"`
	PricesOut    string `json:"prices_out,omitempty"` // enriched price CSV written by -mode export

	LogLevel string `json:"log_level"` // debug | info | warn | error
	Port     int    `json:"port"`
}

// DateLayout is the layout of Start and End.
const DateLayout = "2006-01-02"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		RiskFreeRate:  0.02,
		Samples:       5000,
		MaxSamples:    1_000_000,
		LowerBound:    0,
		UpperBound:    1,
		MaxIterations: 5000,
		Tolerance:     1e-10,
		Timeout:       30 * time.Second,
		Workers:       runtime.GOMAXPROCS(0),
		Provider:      "yahoo",
		YahooURL:      "https://query1.finance.yahoo.com",
		DBPath:        "frontier.db",
		ExportFormat:  "csv",
		LogLevel:      "info",
		Port:          13370,
	}
}

// FromEnv overlays FRONTIER_* environment variables on cfg. Unparseable
// numeric values are reported rather than ignored.
func FromEnv(cfg *Config) error {
	cfg.Provider = getEnv("FRONTIER_PROVIDER", cfg.Provider)
	cfg.YahooURL = getEnv("FRONTIER_YAHOO_URL", cfg.YahooURL)
	cfg.DBPath = getEnv("FRONTIER_DB", cfg.DBPath)
	cfg.CSVPath = getEnv("FRONTIER_CSV", cfg.CSVPath)
	cfg.OutputDir = getEnv("FRONTIER_OUT", cfg.OutputDir)
	cfg.ExportFormat = getEnv("FRONTIER_FORMAT", cfg.ExportFormat)
	cfg.ChartPath = getEnv("FRONTIER_CHART", cfg.ChartPath)
	cfg.PricesOut = getEnv("FRONTIER_PRICES_OUT", cfg.PricesOut)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Start = getEnv("FRONTIER_START", cfg.Start)
	cfg.End = getEnv("FRONTIER_END", cfg.End)
	if s := os.Getenv("FRONTIER_SYMBOLS"); s != "" {
		cfg.Symbols = ParseSymbols(s)
	}

	var errs []error
	parseFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	parseInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	parseFloat("FRONTIER_RISK_FREE_RATE", &cfg.RiskFreeRate)
	parseFloat("FRONTIER_LOWER_BOUND", &cfg.LowerBound)
	parseFloat("FRONTIER_UPPER_BOUND", &cfg.UpperBound)
	parseFloat("FRONTIER_TOLERANCE", &cfg.Tolerance)
	parseInt("FRONTIER_SAMPLES", &cfg.Samples)
	parseInt("FRONTIER_MAX_SAMPLES", &cfg.MaxSamples)
	parseInt("FRONTIER_MAX_ITERATIONS", &cfg.MaxIterations)
	parseInt("FRONTIER_WORKERS", &cfg.Workers)
	parseInt("FRONTIER_PORT", &cfg.Port)

	if v := os.Getenv("FRONTIER_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FRONTIER_SEED: %w", err))
		} else {
			cfg.Seed = &seed
		}
	}
	if v := os.Getenv("FRONTIER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("FRONTIER_TIMEOUT: %w", err))
		} else {
			cfg.Timeout = d
		}
	}
	return errors.Join(errs...)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Samples <= 0 {
		errs = append(errs, fmt.Errorf("samples must be positive, got %d", c.Samples))
	}
	if c.MaxSamples <= 0 {
		errs = append(errs, fmt.Errorf("max samples must be positive, got %d", c.MaxSamples))
	} else if c.Samples > c.MaxSamples {
		errs = append(errs, fmt.Errorf("samples %d exceed the limit of %d", c.Samples, c.MaxSamples))
	}
	if c.LowerBound < 0 || c.UpperBound > 1 || c.LowerBound > c.UpperBound {
		errs = append(errs, fmt.Errorf("bounds [%v, %v] must satisfy 0 <= lower <= upper <= 1", c.LowerBound, c.UpperBound))
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations))
	}
	if c.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("tolerance must be positive, got %v", c.Tolerance))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %v", c.Timeout))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	switch c.Provider {
	case "yahoo", "sqlite", "csv":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Provider == "csv" && c.CSVPath == "" {
		errs = append(errs, errors.New("csv provider needs a csv path"))
	}
	switch c.ExportFormat {
	case "csv", "parquet", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown export format %q", c.ExportFormat))
	}
	for _, d := range []string{c.Start, c.End} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			errs = append(errs, fmt.Errorf("date %q: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

// Range parses Start and End. An empty End means today; an empty Start means
// one year before End.
func (c *Config) Range(now time.Time) (time.Time, time.Time, error) {
	end := now.UTC().Truncate(24 * time.Hour)
	if c.End != "" {
		t, err := time.Parse(DateLayout, c.End)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse end: %w", err)
		}
		end = t
	}
	start := end.AddDate(-1, 0, 0)
	if c.Start != "" {
		t, err := time.Parse(DateLayout, c.Start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse start: %w", err)
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is not before end %s", start.Format(DateLayout), end.Format(DateLayout))
	}
	return start, end, nil
}

// ParseSymbols splits a comma-separated list, trimming and upper-casing.
func ParseSymbols(s string) []string {
	var out []string
	for _, sym := range strings.Split(s, ",") {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// AnalysisOptions builds engine options for n assets. Uniform bounds of
// [0, 1] are passed as nil so the optimizer uses its plain-simplex path.
func (c *Config) AnalysisOptions(n int) engine.AnalysisOptions {
	opts := engine.AnalysisOptions{
		Optimizer: engine.OptimizerOptions{
			RiskFreeRate:  c.RiskFreeRate,
			MaxIterations: c.MaxIterations,
			Tolerance:     c.Tolerance,
		},
		Samples: c.Samples,
		Workers: c.Workers,
		Seed:    c.Seed,
	}
	if c.LowerBound != 0 || c.UpperBound != 1 {
		lo, hi := make([]float64, n), make([]float64, n)
		for i := 0; i < n; i++ {
			lo[i], hi[i] = c.LowerBound, c.UpperBound
		}
		opts.Optimizer.Lower, opts.Optimizer.Upper = lo, hi
	}
	return opts
}
