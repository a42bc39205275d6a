package engine

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// SymbolMetrics are annualized statistics of one symbol's own daily returns,
// independent of the other symbols' calendars.
type SymbolMetrics struct {
	ExpectedReturn float64 `json:"expected_return"` // (1+mean)^252 - 1
	Volatility     float64 `json:"volatility"`      // std * sqrt(252)
	SharpeRatio    float64 `json:"sharpe_ratio"`    // on ExpectedReturn, 0 if volatility is 0
}

// EnrichedObservation is a price row with its daily return and the metrics of
// its symbol.
type EnrichedObservation struct {
	PriceObservation
	DailyReturn float64 `json:"daily_return"` // NaN on a symbol's first row and next to a missing price
	SymbolMetrics
}

// EnrichObservations computes each row's daily return against the previous row
// of the same symbol, and each symbol's metrics over its defined returns. Rows
// come back grouped by symbol in sorted order, then by date. Symbols with fewer
// than 2 defined returns get NaN metrics.
func EnrichObservations(obs []PriceObservation, riskFreeRate float64) []EnrichedObservation {
	bySymbol := make(map[string][]PriceObservation)
	for _, o := range obs {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}
	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make([]EnrichedObservation, 0, len(obs))
	for _, sym := range symbols {
		rows := bySymbol[sym]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

		first := len(out)
		var daily []float64
		for i, o := range rows {
			r := math.NaN()
			if i > 0 {
				if v := o.AdjustedClose/rows[i-1].AdjustedClose - 1; isValidPrice(v) {
					r = v
					daily = append(daily, v)
				}
			}
			out = append(out, EnrichedObservation{PriceObservation: o, DailyReturn: r})
		}
		m := symbolMetrics(daily, riskFreeRate)
		for i := first; i < len(out); i++ {
			out[i].SymbolMetrics = m
		}
	}
	return out
}

func symbolMetrics(daily []float64, riskFreeRate float64) SymbolMetrics {
	if len(daily) < 2 {
		return SymbolMetrics{ExpectedReturn: math.NaN(), Volatility: math.NaN(), SharpeRatio: math.NaN()}
	}
	mean, std := stat.MeanStdDev(daily, nil)
	m := SymbolMetrics{
		ExpectedReturn: math.Pow(1+mean, TradingDays) - 1,
		Volatility:     std * math.Sqrt(TradingDays),
	}
	if m.Volatility > 0 {
		m.SharpeRatio = (m.ExpectedReturn - riskFreeRate) / m.Volatility
	}
	return m
}
