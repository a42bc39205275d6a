package report

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"frontier/internal/engine"

	charts "github.com/vicanso/go-charts/v2"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// RenderFrontier draws the sampled cloud as a volatility/return scatter
// coloured by Sharpe ratio, with the optimal and minimum-variance portfolios
// marked. Returns PNG bytes.
func RenderFrontier(a *engine.Analysis) ([]byte, error) {
	if len(a.Frontier) == 0 {
		return nil, errors.New("render frontier: no samples")
	}
	xs := make([]float64, len(a.Frontier))
	ys := make([]float64, len(a.Frontier))
	sharpe := make([]float64, len(a.Frontier))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, p := range a.Frontier {
		xs[i], ys[i], sharpe[i] = p.Volatility, p.Return, p.SharpeRatio
		if !p.ZeroVolatility {
			lo, hi = math.Min(lo, p.SharpeRatio), math.Max(hi, p.SharpeRatio)
		}
	}
	if hi <= lo {
		hi = lo + 1
	}
	bySharpe := func(_, _ chart.Range, index int, _, _ float64) drawing.Color {
		return chart.Viridis(sharpe[index], lo, hi)
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name: "Portfolios",
			Style: chart.Style{
				StrokeWidth:      chart.Disabled,
				DotWidth:         2,
				DotColorProvider: bySharpe,
			},
			XValues: xs,
			YValues: ys,
		},
	}
	if p := a.Optimal; p != nil {
		series = append(series, marker("Max Sharpe", p, drawing.ColorRed))
	}
	if p := a.MinVariance; p != nil {
		series = append(series, marker("Min Variance", p, drawing.ColorBlue))
	}

	graph := chart.Chart{
		Title:  "Efficient Frontier",
		Width:  1000,
		Height: 600,
		XAxis:  chart.XAxis{Name: "Volatility"},
		YAxis:  chart.YAxis{Name: "Expected Return"},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render frontier: %w", err)
	}
	return buf.Bytes(), nil
}

func marker(name string, p *engine.Portfolio, c drawing.Color) chart.ContinuousSeries {
	return chart.ContinuousSeries{
		Name: name,
		Style: chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    8,
			DotColor:    c,
		},
		XValues: []float64{p.Performance.Volatility},
		YValues: []float64{p.Performance.ExpectedReturn},
	}
}

// RenderAllocation draws the optimal allocation as a pie chart. Holdings below
// half a percent are left out. Returns PNG bytes.
func RenderAllocation(a *engine.Analysis) ([]byte, error) {
	names := TopHoldings(a, 0.005)
	if len(names) == 0 {
		return nil, errors.New("render allocation: no holdings")
	}
	values := make([]float64, len(names))
	for i, sym := range names {
		values[i] = a.Optimal.Allocation[sym]
	}
	perf := a.Optimal.Performance
	painter, err := charts.PieRender(values,
		charts.TitleTextOptionFunc("Optimal Allocation",
			fmt.Sprintf("return %.1f%% • volatility %.1f%% • sharpe %.2f",
				100*perf.ExpectedReturn, 100*perf.Volatility, perf.SharpeRatio)),
		charts.LegendOptionFunc(charts.LegendOption{
			Orient: charts.OrientVertical,
			Data:   names,
			Left:   charts.PositionLeft,
		}),
		charts.PieSeriesShowLabel(),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, fmt.Errorf("render allocation: %w", err)
	}
	return painter.Bytes()
}
