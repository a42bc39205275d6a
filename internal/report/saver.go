package report

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"frontier/internal/engine"

	"github.com/gocarina/gocsv"
	"github.com/parquet-go/parquet-go"
)

// FrontierRow is one sampled portfolio in export form. Weights are flattened
// to "SYM=w;SYM=w" so every format shares one flat schema.
type FrontierRow struct {
	RunID          string  `json:"run_id" csv:"run_id" parquet:"run_id"`
	Index          int64   `json:"index" csv:"index" parquet:"index"`
	Return         float64 `json:"return" csv:"return" parquet:"return"`
	Volatility     float64 `json:"volatility" csv:"volatility" parquet:"volatility"`
	SharpeRatio    float64 `json:"sharpe_ratio" csv:"sharpe_ratio" parquet:"sharpe_ratio"`
	ZeroVolatility bool    `json:"zero_volatility" csv:"zero_volatility" parquet:"zero_volatility"`
	Efficient      bool    `json:"efficient" csv:"efficient" parquet:"efficient"`
	OutOfBounds    bool    `json:"out_of_bounds" csv:"out_of_bounds" parquet:"out_of_bounds"`
	Weights        string  `json:"weights" csv:"weights" parquet:"weights"`
}

// FrontierRows converts the sampled cloud of a into export rows.
func FrontierRows(a *engine.Analysis) []FrontierRow {
	rows := make([]FrontierRow, len(a.Frontier))
	for i, p := range a.Frontier {
		rows[i] = FrontierRow{
			RunID:          a.RunID,
			Index:          int64(i),
			Return:         p.Return,
			Volatility:     p.Volatility,
			SharpeRatio:    p.SharpeRatio,
			ZeroVolatility: p.ZeroVolatility,
			Efficient:      p.Efficient,
			OutOfBounds:    p.OutOfBounds,
			Weights:        formatWeights(a.Symbols, p.Weights),
		}
	}
	return rows
}

func formatWeights(symbols []string, w []float64) string {
	parts := make([]string, len(w))
	for i := range w {
		parts[i] = fmt.Sprintf("%s=%.6f", symbols[i], w[i])
	}
	return strings.Join(parts, ";")
}

// Saver writes frontier rows to a file.
type Saver interface {
	Save(rows []FrontierRow, path string) error
	Extension() string
}

// NewSaver creates a Saver by format (csv, parquet, json). Returns nil if the
// format is not supported.
func NewSaver(format string) Saver {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}
	case "parquet":
		return ParquetSaver{}
	case "json":
		return JSONSaver{}
	default:
		return nil
	}
}

// CSVSaver writes rows with a header line.
type CSVSaver struct{}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(rows []FrontierRow, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return f.Close()
}

// ParquetSaver writes rows as a single parquet file.
type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(rows []FrontierRow, path string) error {
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}

// JSONSaver writes rows as an indented JSON array.
type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(rows []FrontierRow, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return f.Close()
}
