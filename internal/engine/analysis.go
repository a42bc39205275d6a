package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PriceProvider supplies the price matrix for a set of symbols and a date range.
type PriceProvider interface {
	FetchPriceMatrix(ctx context.Context, symbols []string, start, end time.Time) (*PriceMatrix, error)
}

// AnalysisOptions configures Analyze.
type AnalysisOptions struct {
	Optimizer OptimizerOptions
	Samples   int
	Workers   int
	Seed      *uint64 // nil draws a fresh seed
}

// Analyze runs the full pipeline on p: returns, per-asset stats, the maximum
// Sharpe portfolio, the minimum-variance portfolio and the sampled frontier.
// Errors wrap the engine sentinels and are returned unchanged otherwise.
func Analyze(ctx context.Context, p *PriceMatrix, opts AnalysisOptions) (*Analysis, error) {
	returns, err := ComputeReturns(p)
	if err != nil {
		return nil, fmt.Errorf("compute returns: %w", err)
	}
	return AnalyzeReturns(ctx, returns, opts)
}

// AnalyzeReturns is Analyze starting from an existing ReturnMatrix.
func AnalyzeReturns(ctx context.Context, returns *ReturnMatrix, opts AnalysisOptions) (*Analysis, error) {
	rf := opts.Optimizer.RiskFreeRate

	optimal, err := MaxSharpe(ctx, returns, opts.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("max sharpe: %w", err)
	}
	minVar, err := MinVariance(ctx, returns, opts.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("min variance: %w", err)
	}

	src := NewSeededSource(opts.Seed)
	points, err := NewSampler(returns, rf, src).Sample(ctx, opts.Samples, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("sample frontier: %w", err)
	}
	zeroVol, outside := 0, 0
	for _, pt := range points {
		if pt.ZeroVolatility {
			zeroVol++
		}
	}
	if opts.Optimizer.Lower != nil || opts.Optimizer.Upper != nil {
		b, err := resolveBounds(returns.Cols(), opts.Optimizer.Lower, opts.Optimizer.Upper)
		if err != nil {
			return nil, err
		}
		if !b.simplex {
			for i := range points {
				if !b.contains(points[i].Weights) {
					points[i].OutOfBounds = true
					outside++
				}
			}
		}
	}
	idx := envelopeIndices(points)
	efficient := make([]FrontierPoint, len(idx))
	for k, i := range idx {
		points[i].Efficient = true
		efficient[k] = points[i]
	}

	return &Analysis{
		RunID:          uuid.NewString(),
		Symbols:        returns.Symbols,
		Dropped:        returns.Dropped,
		Observations:   returns.Rows(),
		RiskFreeRate:   rf,
		Optimal:        optimal,
		MinVariance:    minVar,
		Assets:         ComputeAssetStats(returns, rf),
		Frontier:       points,
		Efficient:      efficient,
		Seed:           src.Seed,
		ZeroVolSamples: zeroVol,
		OutOfBounds:    outside,
	}, nil
}
