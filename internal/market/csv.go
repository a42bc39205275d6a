package market

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"frontier/internal/engine"

	"github.com/gocarina/gocsv"
)

// priceRow is one line of the long-format price file. Extra columns (daily
// returns, per-asset metrics) are ignored.
type priceRow struct {
	Symbol        string `csv:"stock_symbol"`
	Date          string `csv:"stock_date"`
	AdjustedClose string `csv:"adjusted_close"`
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
}

// CSVProvider reads prices from a stock_symbol,stock_date,adjusted_close file.
type CSVProvider struct {
	Path string
}

// NewCSVProvider creates a provider over the file at path.
func NewCSVProvider(path string) *CSVProvider {
	return &CSVProvider{Path: path}
}

// FetchPriceMatrix implements engine.PriceProvider. The file is re-read on
// every call. An empty symbols list selects every symbol in the file.
func (p *CSVProvider) FetchPriceMatrix(ctx context.Context, symbols []string, start, end time.Time) (*engine.PriceMatrix, error) {
	obs, err := p.Observations(ctx, symbols, start, end)
	if err != nil {
		return nil, err
	}
	return engine.PivotPrices(obs, symbols...)
}

// Observations returns the file's rows for symbols within [start, end]. Zero
// times leave that side of the range open.
func (p *CSVProvider) Observations(ctx context.Context, symbols []string, start, end time.Time) ([]engine.PriceObservation, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open prices: %w", err)
	}
	defer f.Close()

	obs, err := ReadObservations(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	filtered := obs[:0]
	for _, o := range obs {
		if len(want) > 0 && !want[o.Symbol] {
			continue
		}
		if !start.IsZero() && o.Date.Before(start) {
			continue
		}
		if !end.IsZero() && o.Date.After(end) {
			continue
		}
		filtered = append(filtered, o)
	}
	return filtered, nil
}

// ReadObservations decodes a long-format price CSV. Empty or NaN prices
// become NaN; anything else unparseable is an error.
func ReadObservations(r io.Reader) ([]engine.PriceObservation, error) {
	var rows []*priceRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	out := make([]engine.PriceObservation, 0, len(rows))
	for i, row := range rows {
		sym := strings.TrimSpace(row.Symbol)
		if sym == "" {
			return nil, fmt.Errorf("%w: line %d has no symbol", engine.ErrInvalidPrices, i+2)
		}
		day, err := parseDate(row.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", engine.ErrInvalidPrices, i+2, err)
		}
		price := math.NaN()
		if s := strings.TrimSpace(row.AdjustedClose); s != "" && !strings.EqualFold(s, "nan") {
			price, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: price %q", engine.ErrInvalidPrices, i+2, s)
			}
		}
		out = append(out, engine.PriceObservation{Symbol: sym, Date: day, AdjustedClose: price})
	}
	return out, nil
}

// metricsRow is one line of the enriched export: the price row plus its daily
// return and its symbol's annualized metrics.
type metricsRow struct {
	Symbol         string `csv:"stock_symbol"`
	Date           string `csv:"stock_date"`
	AdjustedClose  string `csv:"adjusted_close"`
	DailyReturn    string `csv:"daily_return"`
	ExpectedReturn string `csv:"expected_return"`
	Volatility     string `csv:"volatility"`
	SharpeRatio    string `csv:"sharpe_ratio"`
}

// WriteEnrichedObservations encodes rows in the long format with the metric
// columns appended. NaN values are written as empty cells, so the file reads
// back with ReadObservations.
func WriteEnrichedObservations(w io.Writer, rows []engine.EnrichedObservation) error {
	out := make([]*metricsRow, len(rows))
	for i, r := range rows {
		out[i] = &metricsRow{
			Symbol:         r.Symbol,
			Date:           r.Date.UTC().Format("2006-01-02"),
			AdjustedClose:  formatCell(r.AdjustedClose),
			DailyReturn:    formatCell(r.DailyReturn),
			ExpectedReturn: formatCell(r.ExpectedReturn),
			Volatility:     formatCell(r.Volatility),
			SharpeRatio:    formatCell(r.SharpeRatio),
		}
	}
	return gocsv.Marshal(&out, w)
}

func formatCell(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// parseDate keeps the calendar day as written, whatever the offset.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
