package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ReturnMatrix holds simple daily returns with dates as rows and symbols as columns.
// It is immutable once built; the annualized moments are computed at construction
// so that concurrent readers can share them.
type ReturnMatrix struct {
	Dates   []time.Time // date of the later price of each return
	Symbols []string
	Dropped []string // symbols removed for having fewer than 2 valid prices

	data *mat.Dense
	mean []float64     // daily mean per asset
	mu   []float64     // annualized mean per asset
	cov  *mat.SymDense // annualized sample covariance
}

// NewReturnMatrix builds a ReturnMatrix from precomputed returns (rows[t][asset]).
// Dates may be nil.
func NewReturnMatrix(dates []time.Time, symbols []string, rows [][]float64) (*ReturnMatrix, error) {
	if len(symbols) == 0 || len(rows) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 return rows and 1 asset, got %d x %d",
			ErrInsufficientData, len(rows), len(symbols))
	}
	if dates != nil && len(dates) != len(rows) {
		return nil, fmt.Errorf("%w: %d dates for %d rows", ErrDimensionMismatch, len(dates), len(rows))
	}
	n := len(symbols)
	flat := make([]float64, 0, len(rows)*n)
	for t, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrDimensionMismatch, t, len(row), n)
		}
		for j, v := range row {
			if !isValidPrice(v) {
				return nil, fmt.Errorf("%w: non-finite return at row %d, asset %s", ErrInvalidPrices, t, symbols[j])
			}
		}
		flat = append(flat, row...)
	}
	return newReturnMatrix(dates, append([]string(nil), symbols...), nil, mat.NewDense(len(rows), n, flat)), nil
}

func newReturnMatrix(dates []time.Time, symbols, dropped []string, data *mat.Dense) *ReturnMatrix {
	_, n := data.Dims()

	mean := make([]float64, n)
	mu := make([]float64, n)
	col := make([]float64, data.RawMatrix().Rows)
	for j := 0; j < n; j++ {
		mat.Col(col, j, data)
		mean[j] = stat.Mean(col, nil)
		mu[j] = TradingDays * mean[j]
	}

	daily := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(daily, data, nil)
	cov := mat.NewSymDense(n, nil)
	cov.ScaleSym(TradingDays, daily)

	return &ReturnMatrix{
		Dates:   dates,
		Symbols: symbols,
		Dropped: dropped,
		data:    data,
		mean:    mean,
		mu:      mu,
		cov:     cov,
	}
}

// Rows returns the number of return observations.
func (r *ReturnMatrix) Rows() int {
	rows, _ := r.data.Dims()
	return rows
}

// Cols returns the number of assets.
func (r *ReturnMatrix) Cols() int { return len(r.Symbols) }

// At returns the return of asset j at row t.
func (r *ReturnMatrix) At(t, j int) float64 { return r.data.At(t, j) }

// PivotPrices converts long-format observations into a PriceMatrix. Dates are
// truncated to the UTC day. When symbols are given they fix the column order and
// symbols without observations become all-missing columns; otherwise columns are
// the observed symbols in sorted order.
func PivotPrices(obs []PriceObservation, symbols ...string) (*PriceMatrix, error) {
	if len(symbols) == 0 {
		seen := make(map[string]bool)
		for _, o := range obs {
			if !seen[o.Symbol] {
				seen[o.Symbol] = true
				symbols = append(symbols, o.Symbol)
			}
		}
		sort.Strings(symbols)
	}
	colOf := make(map[string]int, len(symbols))
	for i, s := range symbols {
		colOf[s] = i
	}

	type cellKey struct {
		day time.Time
		col int
	}
	cells := make(map[cellKey]float64, len(obs))
	days := make(map[time.Time]bool)
	for _, o := range obs {
		col, ok := colOf[o.Symbol]
		if !ok {
			continue
		}
		y, m, d := o.Date.UTC().Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		k := cellKey{day, col}
		if _, dup := cells[k]; dup {
			return nil, fmt.Errorf("%w: duplicate observation for %s on %s",
				ErrInvalidPrices, o.Symbol, day.Format("2006-01-02"))
		}
		cells[k] = o.AdjustedClose
		days[day] = true
	}

	dates := make([]time.Time, 0, len(days))
	for d := range days {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	prices := make([][]float64, len(dates))
	for i, d := range dates {
		row := make([]float64, len(symbols))
		for j := range row {
			if v, ok := cells[cellKey{d, j}]; ok {
				row[j] = v
			} else {
				row[j] = math.NaN()
			}
		}
		prices[i] = row
	}
	return &PriceMatrix{Dates: dates, Symbols: append([]string(nil), symbols...), Prices: prices}, nil
}

// ComputeReturns converts a PriceMatrix into simple daily returns.
//
// Columns with fewer than 2 valid prices are dropped and reported in Dropped.
// Rows where any remaining asset has an undefined return (missing or zero
// prior price) are dropped; assets are never dropped for isolated gaps.
func ComputeReturns(p *PriceMatrix) (*ReturnMatrix, error) {
	if p == nil || p.Rows() < 2 || p.Cols() < 1 {
		rows, cols := 0, 0
		if p != nil {
			rows, cols = p.Rows(), p.Cols()
		}
		return nil, fmt.Errorf("%w: price matrix is %d x %d, need at least 2 x 1",
			ErrInsufficientData, rows, cols)
	}
	if len(p.Prices) != p.Rows() {
		return nil, fmt.Errorf("%w: %d price rows for %d dates", ErrDimensionMismatch, len(p.Prices), p.Rows())
	}

	valid := make([]int, p.Cols())
	for i, row := range p.Prices {
		if len(row) != p.Cols() {
			return nil, fmt.Errorf("%w: price row %d has %d values, want %d",
				ErrDimensionMismatch, i, len(row), p.Cols())
		}
		if i > 0 && !p.Dates[i].After(p.Dates[i-1]) {
			return nil, fmt.Errorf("%w: dates not strictly increasing at row %d (%s)",
				ErrInvalidPrices, i, p.Dates[i].Format("2006-01-02"))
		}
		for j, v := range row {
			if math.IsInf(v, 0) || v < 0 {
				return nil, fmt.Errorf("%w: price %v for %s at row %d", ErrInvalidPrices, v, p.Symbols[j], i)
			}
			if !math.IsNaN(v) {
				valid[j]++
			}
		}
	}

	var keep []int
	var symbols, dropped []string
	for j, n := range valid {
		if n < 2 {
			dropped = append(dropped, p.Symbols[j])
			continue
		}
		keep = append(keep, j)
		symbols = append(symbols, p.Symbols[j])
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: no asset has at least 2 valid prices", ErrInsufficientData)
	}

	var dates []time.Time
	var flat []float64
	row := make([]float64, len(keep))
	for i := 1; i < p.Rows(); i++ {
		ok := true
		for k, j := range keep {
			prev, cur := p.Prices[i-1][j], p.Prices[i][j]
			r := cur/prev - 1
			if !isValidPrice(r) {
				ok = false
				break
			}
			row[k] = r
		}
		if !ok {
			continue
		}
		dates = append(dates, p.Dates[i])
		flat = append(flat, row...)
	}
	if len(dates) < 2 {
		return nil, fmt.Errorf("%w: %d complete return rows for %d assets, need at least 2",
			ErrInsufficientData, len(dates), len(keep))
	}

	return newReturnMatrix(dates, symbols, dropped, mat.NewDense(len(dates), len(keep), flat)), nil
}

// ComputeAssetStats returns per-asset annualized statistics over the return window.
func ComputeAssetStats(r *ReturnMatrix, riskFreeRate float64) []AssetStats {
	out := make([]AssetStats, r.Cols())
	for j, sym := range r.Symbols {
		vol := math.Sqrt(math.Max(r.cov.At(j, j), 0))
		sharpe := 0.0
		if vol > 0 {
			sharpe = (r.mu[j] - riskFreeRate) / vol
		}
		out[j] = AssetStats{
			Symbol:           sym,
			MeanDailyReturn:  r.mean[j],
			AnnualReturn:     r.mu[j],
			CompoundedReturn: math.Pow(1+r.mean[j], TradingDays) - 1,
			Volatility:       vol,
			SharpeRatio:      sharpe,
		}
	}
	return out
}
