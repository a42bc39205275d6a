package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"frontier/internal/engine"
)

const dateLayout = "2006-01-02"

// UpsertPrices stores observations, replacing any existing price for the same
// symbol and day. Missing prices (NaN) are stored as NULL.
func (d *DB) UpsertPrices(ctx context.Context, obs []engine.PriceObservation) (int, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stock_prices (stock_symbol, stock_date, adjusted_close) VALUES (?, ?, ?)
		ON CONFLICT(stock_symbol, stock_date) DO UPDATE SET adjusted_close = excluded.adjusted_close`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		var price sql.NullFloat64
		if !math.IsNaN(o.AdjustedClose) && !math.IsInf(o.AdjustedClose, 0) {
			price = sql.NullFloat64{Float64: o.AdjustedClose, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, o.Symbol, o.Date.UTC().Format(dateLayout), price); err != nil {
			return 0, fmt.Errorf("upsert %s %s: %w", o.Symbol, o.Date.Format(dateLayout), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(obs), nil
}

// Observations returns stored prices for symbols within [start, end], ordered
// by date. An empty symbols list selects every symbol.
func (d *DB) Observations(ctx context.Context, symbols []string, start, end time.Time) ([]engine.PriceObservation, error) {
	query := `SELECT stock_symbol, stock_date, adjusted_close FROM stock_prices
		WHERE stock_date >= ? AND stock_date <= ?`
	args := []any{start.UTC().Format(dateLayout), end.UTC().Format(dateLayout)}
	if len(symbols) > 0 {
		query += " AND stock_symbol IN (?" + strings.Repeat(", ?", len(symbols)-1) + ")"
		for _, s := range symbols {
			args = append(args, s)
		}
	}
	query += " ORDER BY stock_date, stock_symbol"

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	var out []engine.PriceObservation
	for rows.Next() {
		var (
			o     engine.PriceObservation
			day   string
			price sql.NullFloat64
		)
		if err := rows.Scan(&o.Symbol, &day, &price); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		if o.Date, err = time.Parse(dateLayout, day); err != nil {
			return nil, fmt.Errorf("parse date %q: %w", day, err)
		}
		o.AdjustedClose = math.NaN()
		if price.Valid {
			o.AdjustedClose = price.Float64
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FetchPriceMatrix implements engine.PriceProvider over the stored prices.
// Requested symbols with no rows still get a column, which the return
// calculator then drops as sparse.
func (d *DB) FetchPriceMatrix(ctx context.Context, symbols []string, start, end time.Time) (*engine.PriceMatrix, error) {
	obs, err := d.Observations(ctx, symbols, start, end)
	if err != nil {
		return nil, err
	}
	return engine.PivotPrices(obs, symbols...)
}

// Symbols lists every stored symbol in alphabetical order.
func (d *DB) Symbols(ctx context.Context) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT DISTINCT stock_symbol FROM stock_prices ORDER BY stock_symbol")
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
