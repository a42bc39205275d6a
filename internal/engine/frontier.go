package engine

import (
	"context"
	"iter"
	"math/rand/v2"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distmv"
)

// sampleChunk is the number of consecutive samples drawn from one random
// stream. Chunk c always uses stream c, so the sequence depends on the seed
// only, not on how many workers run.
const sampleChunk = 256

// RandomSource hands out reproducible random streams.
type RandomSource interface {
	Stream(i uint64) rand.Source
}

// PCGSource derives stream i as PCG(Seed, i).
type PCGSource struct {
	Seed uint64
}

func (s PCGSource) Stream(i uint64) rand.Source {
	return rand.NewPCG(s.Seed, i)
}

// NewSeededSource returns a PCGSource for seed, or for a freshly drawn seed when
// seed is nil. The seed in use is available as the Seed field.
func NewSeededSource(seed *uint64) PCGSource {
	if seed != nil {
		return PCGSource{Seed: *seed}
	}
	return PCGSource{Seed: rand.Uint64()}
}

// Sampler draws long-only, fully-invested portfolios uniformly from the simplex
// (symmetric Dirichlet, concentration 1) and evaluates them.
type Sampler struct {
	returns *ReturnMatrix
	rf      float64
	src     RandomSource
	alpha   []float64
}

// NewSampler creates a Sampler over r. r is only read.
func NewSampler(r *ReturnMatrix, riskFreeRate float64, src RandomSource) *Sampler {
	alpha := make([]float64, r.Cols())
	for i := range alpha {
		alpha[i] = 1
	}
	return &Sampler{returns: r, rf: riskFreeRate, src: src, alpha: alpha}
}

// Sample eagerly draws k points using up to workers goroutines (0 = unbounded).
// Each chunk writes a disjoint slice of the result.
func (s *Sampler) Sample(ctx context.Context, k, workers int) ([]FrontierPoint, error) {
	if k <= 0 {
		return nil, ErrInvalidSampleCount
	}
	points := make([]FrontierPoint, k)
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for c := 0; c*sampleChunk < k; c++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lo := c * sampleChunk
			hi := min(lo+sampleChunk, k)
			s.fill(uint64(c), points[lo:hi])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return points, nil
}

// Points lazily yields the same k points as Sample, in order. The sequence can
// be ranged over again and restarts from the first point.
func (s *Sampler) Points(k int) iter.Seq2[int, FrontierPoint] {
	return func(yield func(int, FrontierPoint) bool) {
		var dir *distmv.Dirichlet
		for i := 0; i < k; i++ {
			if i%sampleChunk == 0 {
				dir = distmv.NewDirichlet(s.alpha, s.src.Stream(uint64(i/sampleChunk)))
			}
			if !yield(i, s.point(dir.Rand(nil))) {
				return
			}
		}
	}
}

func (s *Sampler) fill(stream uint64, dst []FrontierPoint) {
	dir := distmv.NewDirichlet(s.alpha, s.src.Stream(stream))
	for i := range dst {
		dst[i] = s.point(dir.Rand(nil))
	}
}

func (s *Sampler) point(w []float64) FrontierPoint {
	ret, vol := s.returns.performance(w)
	sharpe, err := SharpeRatio(ret, vol, s.rf)
	return FrontierPoint{
		Return:         ret,
		Volatility:     vol,
		SharpeRatio:    sharpe,
		ZeroVolatility: err != nil,
		Weights:        w,
	}
}

// EfficientEnvelope returns the upper-left envelope of a sampled cloud: points
// sorted by volatility, keeping only those whose return beats every less
// volatile point. Points flagged OutOfBounds are skipped.
func EfficientEnvelope(points []FrontierPoint) []FrontierPoint {
	idx := envelopeIndices(points)
	out := make([]FrontierPoint, len(idx))
	for i, j := range idx {
		out[i] = points[j]
	}
	return out
}

// envelopeIndices returns the positions in points of the envelope, in order
// of increasing volatility.
func envelopeIndices(points []FrontierPoint) []int {
	order := make([]int, 0, len(points))
	for i := range points {
		if !points[i].OutOfBounds {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return points[order[a]].Volatility < points[order[b]].Volatility
	})
	var out []int
	for _, i := range order {
		if len(out) == 0 || points[i].Return > points[out[len(out)-1]].Return {
			out = append(out, i)
		}
	}
	return out
}
