package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"frontier/internal/engine"
)

// WriteAllocation prints the optimal allocation, its metrics, the
// minimum-variance portfolio and per-asset statistics.
func WriteAllocation(w io.Writer, a *engine.Analysis) error {
	if a.Optimal == nil {
		return fmt.Errorf("write allocation: analysis has no optimal portfolio")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "Optimal Portfolio Allocation:")
	for _, sym := range a.Symbols {
		fmt.Fprintf(tw, "%s:\t%6.2f%%\n", sym, 100*a.Optimal.Allocation[sym])
	}
	perf := a.Optimal.Performance
	fmt.Fprintf(tw, "\nExpected Annual Return:\t%.2f%%\n", 100*perf.ExpectedReturn)
	fmt.Fprintf(tw, "Expected Volatility:\t%.2f%%\n", 100*perf.Volatility)
	fmt.Fprintf(tw, "Sharpe Ratio:\t%.2f\n", perf.SharpeRatio)

	if mv := a.MinVariance; mv != nil {
		fmt.Fprintf(tw, "\nMinimum Variance:\treturn %.2f%%, volatility %.2f%%\n",
			100*mv.Performance.ExpectedReturn, 100*mv.Performance.Volatility)
	}

	if len(a.Assets) > 0 {
		fmt.Fprintln(tw, "\nSymbol\tAnnual\tCompounded\tVolatility\tSharpe")
		for _, s := range a.Assets {
			fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f%%\t%.2f%%\t%.2f\n",
				s.Symbol, 100*s.AnnualReturn, 100*s.CompoundedReturn, 100*s.Volatility, s.SharpeRatio)
		}
	}

	if len(a.Dropped) > 0 {
		fmt.Fprintf(tw, "\nDropped (insufficient history):\t%v\n", a.Dropped)
	}
	fmt.Fprintf(tw, "\nObservations:\t%d\n", a.Observations)
	fmt.Fprintf(tw, "Frontier samples:\t%d (seed %d)\n", len(a.Frontier), a.Seed)
	if a.ZeroVolSamples > 0 {
		fmt.Fprintf(tw, "Zero-volatility samples:\t%d\n", a.ZeroVolSamples)
	}
	if a.OutOfBounds > 0 {
		fmt.Fprintf(tw, "Samples outside weight bounds:\t%d\n", a.OutOfBounds)
	}
	return tw.Flush()
}

// TopHoldings returns the symbols of the optimal portfolio sorted by weight,
// ignoring weights below minWeight.
func TopHoldings(a *engine.Analysis, minWeight float64) []string {
	if a.Optimal == nil {
		return nil
	}
	var out []string
	for _, sym := range a.Symbols {
		if a.Optimal.Allocation[sym] >= minWeight {
			out = append(out, sym)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return a.Optimal.Allocation[out[i]] > a.Optimal.Allocation[out[j]]
	})
	return out
}
