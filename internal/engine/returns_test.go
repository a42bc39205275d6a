package engine

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

var (
	seriesA = []float64{0.01, -0.005, 0.02, 0.0, -0.01}
	seriesB = []float64{-0.01, 0.01, 0.0, 0.015, -0.005}
)

func day(i int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

// returnsOf builds a ReturnMatrix from per-asset series of equal length.
func returnsOf(t *testing.T, symbols []string, series ...[]float64) *ReturnMatrix {
	t.Helper()
	rows := make([][]float64, len(series[0]))
	for i := range rows {
		rows[i] = make([]float64, len(series))
		for j, s := range series {
			rows[i][j] = s[i]
		}
	}
	r, err := NewReturnMatrix(nil, symbols, rows)
	if err != nil {
		t.Fatalf("NewReturnMatrix: %v", err)
	}
	return r
}

// pricesFromReturns compounds per-asset return series from a price of 100.
func pricesFromReturns(symbols []string, series ...[]float64) *PriceMatrix {
	n := len(series[0]) + 1
	p := &PriceMatrix{Symbols: symbols}
	last := make([]float64, len(series))
	for j := range last {
		last[j] = 100
	}
	for i := 0; i < n; i++ {
		row := make([]float64, len(series))
		for j, s := range series {
			if i > 0 {
				last[j] *= 1 + s[i-1]
			}
			row[j] = last[j]
		}
		p.Dates = append(p.Dates, day(i))
		p.Prices = append(p.Prices, row)
	}
	return p
}

// randomReturns draws a T x n matrix with positive drift.
func randomReturns(t *testing.T, rng *rand.Rand, T, n int) *ReturnMatrix {
	t.Helper()
	symbols := make([]string, n)
	series := make([][]float64, n)
	for j := range series {
		symbols[j] = string(rune('A' + j))
		drift := 0.0005 + 0.001*rng.Float64()
		scale := 0.005 + 0.02*rng.Float64()
		series[j] = make([]float64, T)
		for i := range series[j] {
			series[j][i] = drift + scale*rng.NormFloat64()
		}
	}
	return returnsOf(t, symbols, series...)
}

func TestComputeReturns_SimpleChange(t *testing.T) {
	p := &PriceMatrix{
		Dates:   []time.Time{day(0), day(1), day(2)},
		Symbols: []string{"AAA", "BBB"},
		Prices:  [][]float64{{100, 50}, {110, 50}, {99, 55}},
	}
	r, err := ComputeReturns(p)
	if err != nil {
		t.Fatalf("ComputeReturns: %v", err)
	}
	if r.Rows() != 2 || r.Cols() != 2 {
		t.Fatalf("dims = %dx%d, want 2x2", r.Rows(), r.Cols())
	}
	want := [][]float64{{0.1, 0}, {-0.1, 0.1}}
	for i := range want {
		for j := range want[i] {
			if math.Abs(r.At(i, j)-want[i][j]) > 1e-12 {
				t.Errorf("return[%d][%d] = %v, want %v", i, j, r.At(i, j), want[i][j])
			}
		}
	}
	if !r.Dates[0].Equal(day(1)) || !r.Dates[1].Equal(day(2)) {
		t.Errorf("dates = %v, want day 1 and day 2", r.Dates)
	}
}

func TestComputeReturns_OneFewerRowSameColumns(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 20; trial++ {
		rows := 2 + rng.IntN(30)
		cols := 1 + rng.IntN(5)
		p := &PriceMatrix{}
		for j := 0; j < cols; j++ {
			p.Symbols = append(p.Symbols, string(rune('A'+j)))
		}
		for i := 0; i < rows; i++ {
			row := make([]float64, cols)
			for j := range row {
				row[j] = 1 + 100*rng.Float64()
			}
			p.Dates = append(p.Dates, day(i))
			p.Prices = append(p.Prices, row)
		}
		if rows == 2 {
			// two prices give one return row, which is not enough for a covariance
			if _, err := ComputeReturns(p); !errors.Is(err, ErrInsufficientData) {
				t.Errorf("rows=2: err = %v, want ErrInsufficientData", err)
			}
			continue
		}
		r, err := ComputeReturns(p)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if r.Rows() != rows-1 {
			t.Errorf("trial %d: rows = %d, want %d", trial, r.Rows(), rows-1)
		}
		if r.Cols() != cols {
			t.Errorf("trial %d: cols = %d, want %d", trial, r.Cols(), cols)
		}
		for j, s := range r.Symbols {
			if s != p.Symbols[j] {
				t.Errorf("trial %d: symbol[%d] = %q, want %q", trial, j, s, p.Symbols[j])
			}
		}
	}
}

func TestComputeReturns_DuplicatedRowIsLocal(t *testing.T) {
	base := &PriceMatrix{
		Dates:   []time.Time{day(0), day(2), day(4), day(6)},
		Symbols: []string{"AAA", "BBB"},
		Prices:  [][]float64{{100, 20}, {104, 19}, {101, 21}, {108, 22}},
	}
	dup := &PriceMatrix{
		Dates:   []time.Time{day(0), day(2), day(3), day(4), day(6)},
		Symbols: base.Symbols,
		Prices:  [][]float64{{100, 20}, {104, 19}, {104, 19}, {101, 21}, {108, 22}},
	}
	r1, err := ComputeReturns(base)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := ComputeReturns(dup)
	if err != nil {
		t.Fatal(err)
	}

	byDate := make(map[time.Time][]float64)
	for i, d := range r2.Dates {
		byDate[d] = []float64{r2.At(i, 0), r2.At(i, 1)}
	}
	for i, d := range r1.Dates {
		got, ok := byDate[d]
		if !ok {
			t.Fatalf("date %v missing after duplication", d)
		}
		for j := range got {
			if got[j] != r1.At(i, j) {
				t.Errorf("return on %v asset %d = %v, want %v", d, j, got[j], r1.At(i, j))
			}
		}
	}
	if v := byDate[day(3)]; v[0] != 0 || v[1] != 0 {
		t.Errorf("duplicated row returns = %v, want zeros", v)
	}
}

func TestComputeReturns_DropsRowsWithGaps(t *testing.T) {
	p := &PriceMatrix{
		Dates:   []time.Time{day(0), day(1), day(2), day(3), day(4)},
		Symbols: []string{"AAA", "BBB"},
		Prices: [][]float64{
			{100, 10},
			{math.NaN(), 11},
			{102, 12},
			{103, 13},
			{104, 14},
		},
	}
	r, err := ComputeReturns(p)
	if err != nil {
		t.Fatalf("ComputeReturns: %v", err)
	}
	if r.Rows() != 2 {
		t.Fatalf("rows = %d, want 2 (both returns touching the gap dropped)", r.Rows())
	}
	if r.Cols() != 2 {
		t.Errorf("cols = %d, want 2 (assets are kept)", r.Cols())
	}
	if !r.Dates[0].Equal(day(3)) {
		t.Errorf("first kept date = %v, want %v", r.Dates[0], day(3))
	}
}

func TestComputeReturns_DropsZeroPriorPrice(t *testing.T) {
	p := &PriceMatrix{
		Dates:   []time.Time{day(0), day(1), day(2), day(3)},
		Symbols: []string{"AAA"},
		Prices:  [][]float64{{0}, {10}, {11}, {12}},
	}
	r, err := ComputeReturns(p)
	if err != nil {
		t.Fatalf("ComputeReturns: %v", err)
	}
	if r.Rows() != 2 {
		t.Errorf("rows = %d, want 2", r.Rows())
	}
}

func TestComputeReturns_DropsSparseColumn(t *testing.T) {
	nan := math.NaN()
	p := &PriceMatrix{
		Dates:   []time.Time{day(0), day(1), day(2), day(3)},
		Symbols: []string{"AAA", "BBB", "CCC"},
		Prices: [][]float64{
			{100, 10, nan},
			{101, 11, 5},
			{102, 12, nan},
			{103, 13, nan},
		},
	}
	r, err := ComputeReturns(p)
	if err != nil {
		t.Fatalf("ComputeReturns: %v", err)
	}
	if r.Cols() != 2 || r.Symbols[0] != "AAA" || r.Symbols[1] != "BBB" {
		t.Errorf("symbols = %v, want [AAA BBB]", r.Symbols)
	}
	if len(r.Dropped) != 1 || r.Dropped[0] != "CCC" {
		t.Errorf("dropped = %v, want [CCC]", r.Dropped)
	}
	if r.Rows() != 3 {
		t.Errorf("rows = %d, want 3", r.Rows())
	}
}

func TestComputeReturns_Errors(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name string
		p    *PriceMatrix
		want error
	}{
		{"nil", nil, ErrInsufficientData},
		{"single row", &PriceMatrix{
			Dates: []time.Time{day(0)}, Symbols: []string{"A"}, Prices: [][]float64{{1}},
		}, ErrInsufficientData},
		{"no columns", &PriceMatrix{
			Dates: []time.Time{day(0), day(1)}, Prices: [][]float64{{}, {}},
		}, ErrInsufficientData},
		{"dates not increasing", &PriceMatrix{
			Dates: []time.Time{day(0), day(2), day(1)}, Symbols: []string{"A"},
			Prices: [][]float64{{1}, {2}, {3}},
		}, ErrInvalidPrices},
		{"duplicate date", &PriceMatrix{
			Dates: []time.Time{day(0), day(1), day(1)}, Symbols: []string{"A"},
			Prices: [][]float64{{1}, {2}, {3}},
		}, ErrInvalidPrices},
		{"negative price", &PriceMatrix{
			Dates: []time.Time{day(0), day(1), day(2)}, Symbols: []string{"A"},
			Prices: [][]float64{{1}, {-2}, {3}},
		}, ErrInvalidPrices},
		{"ragged row", &PriceMatrix{
			Dates: []time.Time{day(0), day(1), day(2)}, Symbols: []string{"A", "B"},
			Prices: [][]float64{{1, 2}, {2}, {3, 4}},
		}, ErrDimensionMismatch},
		{"all sparse", &PriceMatrix{
			Dates: []time.Time{day(0), day(1), day(2)}, Symbols: []string{"A"},
			Prices: [][]float64{{1}, {nan}, {nan}},
		}, ErrInsufficientData},
		{"gaps leave one row", &PriceMatrix{
			Dates: []time.Time{day(0), day(1), day(2), day(3)}, Symbols: []string{"A", "B"},
			Prices: [][]float64{{1, 1}, {nan, 2}, {3, 3}, {4, 4}},
		}, ErrInsufficientData},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeReturns(tc.p)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNewReturnMatrix_Validation(t *testing.T) {
	if _, err := NewReturnMatrix(nil, []string{"A"}, [][]float64{{0.1}}); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("one row: err = %v, want ErrInsufficientData", err)
	}
	if _, err := NewReturnMatrix(nil, []string{"A"}, [][]float64{{0.1}, {math.Inf(1)}}); !errors.Is(err, ErrInvalidPrices) {
		t.Errorf("inf: err = %v, want ErrInvalidPrices", err)
	}
	if _, err := NewReturnMatrix([]time.Time{day(0)}, []string{"A"}, [][]float64{{0.1}, {0.2}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("dates: err = %v, want ErrDimensionMismatch", err)
	}
}

func TestPivotPrices(t *testing.T) {
	obs := []PriceObservation{
		{Symbol: "MSFT", Date: day(1).Add(16 * time.Hour), AdjustedClose: 11},
		{Symbol: "AAPL", Date: day(0), AdjustedClose: 100},
		{Symbol: "MSFT", Date: day(0), AdjustedClose: 10},
		{Symbol: "AAPL", Date: day(2), AdjustedClose: 102},
	}
	p, err := PivotPrices(obs)
	if err != nil {
		t.Fatalf("PivotPrices: %v", err)
	}
	if len(p.Symbols) != 2 || p.Symbols[0] != "AAPL" || p.Symbols[1] != "MSFT" {
		t.Fatalf("symbols = %v, want [AAPL MSFT]", p.Symbols)
	}
	if p.Rows() != 3 {
		t.Fatalf("rows = %d, want 3", p.Rows())
	}
	if !p.Dates[1].Equal(day(1)) {
		t.Errorf("date[1] = %v, want truncated %v", p.Dates[1], day(1))
	}
	if p.Prices[0][0] != 100 || p.Prices[0][1] != 10 || p.Prices[1][1] != 11 {
		t.Errorf("prices = %v", p.Prices)
	}
	if !math.IsNaN(p.Prices[1][0]) || !math.IsNaN(p.Prices[2][1]) {
		t.Errorf("missing cells should be NaN, got %v", p.Prices)
	}
}

func TestPivotPrices_ExplicitSymbolsAndDuplicates(t *testing.T) {
	obs := []PriceObservation{
		{Symbol: "AAPL", Date: day(0), AdjustedClose: 1},
		{Symbol: "IGNORED", Date: day(0), AdjustedClose: 1},
	}
	p, err := PivotPrices(obs, "TSLA", "AAPL")
	if err != nil {
		t.Fatalf("PivotPrices: %v", err)
	}
	if p.Symbols[0] != "TSLA" || p.Symbols[1] != "AAPL" {
		t.Errorf("symbols = %v, want [TSLA AAPL]", p.Symbols)
	}
	if !math.IsNaN(p.Prices[0][0]) {
		t.Errorf("TSLA cell = %v, want NaN", p.Prices[0][0])
	}

	obs = append(obs, PriceObservation{Symbol: "AAPL", Date: day(0).Add(time.Hour), AdjustedClose: 2})
	if _, err := PivotPrices(obs); !errors.Is(err, ErrInvalidPrices) {
		t.Errorf("duplicate: err = %v, want ErrInvalidPrices", err)
	}
}

func TestComputeAssetStats(t *testing.T) {
	r := returnsOf(t, []string{"A", "B"}, seriesA, seriesB)
	stats := ComputeAssetStats(r, 0.02)
	if len(stats) != 2 {
		t.Fatalf("len = %d, want 2", len(stats))
	}
	if math.Abs(stats[0].AnnualReturn-252*0.003) > 1e-12 {
		t.Errorf("A annual return = %v, want %v", stats[0].AnnualReturn, 252*0.003)
	}
	if math.Abs(stats[0].CompoundedReturn-(math.Pow(1.003, 252)-1)) > 1e-9 {
		t.Errorf("A compounded = %v", stats[0].CompoundedReturn)
	}
	// sample variance of A is 580e-6/4
	wantVol := math.Sqrt(580e-6 / 4 * 252)
	if math.Abs(stats[0].Volatility-wantVol) > 1e-9 {
		t.Errorf("A volatility = %v, want %v", stats[0].Volatility, wantVol)
	}
	wantSharpe := (252*0.003 - 0.02) / wantVol
	if math.Abs(stats[0].SharpeRatio-wantSharpe) > 1e-9 {
		t.Errorf("A sharpe = %v, want %v", stats[0].SharpeRatio, wantSharpe)
	}
}
