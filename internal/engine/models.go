package engine

import (
	"math"
	"time"
)

// TradingDays is the annualization factor for daily returns.
const TradingDays = 252

// PriceObservation is one long-format price row as delivered by a provider.
type PriceObservation struct {
	Symbol        string    `json:"stock_symbol"`
	Date          time.Time `json:"stock_date"`
	AdjustedClose float64   `json:"adjusted_close"` // NaN = missing
}

// PriceMatrix holds prices with dates as rows and symbols as columns.
// Missing cells are NaN.
type PriceMatrix struct {
	Dates   []time.Time
	Symbols []string
	Prices  [][]float64 // Prices[row][col]
}

// Rows returns the number of dates.
func (p *PriceMatrix) Rows() int { return len(p.Dates) }

// Cols returns the number of symbols.
func (p *PriceMatrix) Cols() int { return len(p.Symbols) }

// Performance holds annualized portfolio metrics.
type Performance struct {
	ExpectedReturn float64 `json:"expected_return"`
	Volatility     float64 `json:"volatility"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	// ZeroVolatility is set when the Sharpe ratio is undefined; SharpeRatio is 0 then.
	ZeroVolatility bool `json:"zero_volatility,omitempty"`
}

// Portfolio is a solved allocation together with its metrics.
type Portfolio struct {
	Weights     []float64          `json:"weights"`
	Allocation  map[string]float64 `json:"allocation"`
	Performance Performance        `json:"performance"`
	Iterations  int                `json:"iterations"`
	Converged   bool               `json:"converged"`
	Method      string             `json:"method"`
}

// FrontierPoint is one sampled portfolio of the risk/return cloud. Efficient
// marks points on the efficient envelope. OutOfBounds marks points outside the
// run's weight bounds: the sampler covers the whole simplex, and such points
// never enter the envelope.
type FrontierPoint struct {
	Return         float64   `json:"return"`
	Volatility     float64   `json:"volatility"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	ZeroVolatility bool      `json:"zero_volatility,omitempty"`
	Efficient      bool      `json:"efficient,omitempty"`
	OutOfBounds    bool      `json:"out_of_bounds,omitempty"`
	Weights        []float64 `json:"weights"`
}

// AssetStats describes a single asset over the return window.
type AssetStats struct {
	Symbol           string  `json:"symbol"`
	MeanDailyReturn  float64 `json:"mean_daily_return"`
	AnnualReturn     float64 `json:"annual_return"`     // 252 * mean
	CompoundedReturn float64 `json:"compounded_return"` // (1+mean)^252 - 1
	Volatility       float64 `json:"volatility"`        // std * sqrt(252)
	SharpeRatio      float64 `json:"sharpe_ratio"`      // on AnnualReturn, 0 if volatility is 0
}

// Analysis is the full output of one optimization run.
type Analysis struct {
	RunID          string          `json:"run_id"`
	Symbols        []string        `json:"symbols"`
	Dropped        []string        `json:"dropped,omitempty"`
	Observations   int             `json:"observations"`
	RiskFreeRate   float64         `json:"risk_free_rate"`
	Optimal        *Portfolio      `json:"optimal"`
	MinVariance    *Portfolio      `json:"min_variance"`
	Assets         []AssetStats    `json:"assets"`
	Frontier       []FrontierPoint `json:"frontier"`
	Efficient      []FrontierPoint `json:"efficient"`
	Seed           uint64          `json:"seed"`
	ZeroVolSamples int             `json:"zero_vol_samples,omitempty"`
	OutOfBounds    int             `json:"out_of_bounds_samples,omitempty"`
}

func isValidPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allocation(symbols []string, w []float64) map[string]float64 {
	m := make(map[string]float64, len(symbols))
	for i, s := range symbols {
		m[s] = w[i]
	}
	return m
}
