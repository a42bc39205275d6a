package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultMaxIterations     = 5000
	DefaultTolerance         = 1e-10
	DefaultFunctionTolerance = 1e-12

	// Output guarantees checked on every solved portfolio.
	sumTolerance   = 1e-6
	boundTolerance = 1e-9

	armijo  = 1e-4
	minStep = 1e-20
	maxStep = 1e8
)

// OptimizerOptions configures MaxSharpe and MinVariance.
type OptimizerOptions struct {
	RiskFreeRate float64
	// Lower and Upper are per-asset bounds. Nil means 0 and 1 for every asset.
	Lower []float64
	Upper []float64
	// MaxIterations caps the solver; 0 means DefaultMaxIterations.
	MaxIterations int
	// Tolerance is the max-abs weight step below which the solver stops.
	Tolerance float64
	// FunctionTolerance is the relative objective change below which the solver stops.
	FunctionTolerance float64
}

func (o OptimizerOptions) withDefaults() OptimizerOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.FunctionTolerance <= 0 {
		o.FunctionTolerance = DefaultFunctionTolerance
	}
	return o
}

// MaxSharpe finds the weights maximizing the Sharpe ratio subject to
// Lower <= w <= Upper and sum(w) = 1, starting from equal weights.
//
// The solver is projected gradient ascent with Armijo backtracking on the
// analytic gradient of the Sharpe ratio. Hitting MaxIterations or the context
// deadline returns a *ConvergenceError holding the best feasible point.
func MaxSharpe(ctx context.Context, r *ReturnMatrix, opts OptimizerOptions) (*Portfolio, error) {
	opts = opts.withDefaults()
	n := r.Cols()
	b, err := resolveBounds(n, opts.Lower, opts.Upper)
	if err != nil {
		return nil, err
	}

	if n == 1 {
		if b.lo[0] > 1 || b.hi[0] < 1 {
			return nil, fmt.Errorf("%w: single asset bounds exclude 1", ErrInfeasible)
		}
		return r.portfolio([]float64{1}, opts.RiskFreeRate, "closed-form", 0, true, true)
	}

	if zeroCovariance(r.cov) {
		return nil, fmt.Errorf("%w: every asset has zero variance", ErrZeroVolatility)
	}

	obj := &sharpeObjective{mu: r.mu, cov: r.cov, rf: opts.RiskFreeRate, sw: mat.NewVecDense(n, nil)}
	w0 := b.start()
	if math.IsInf(obj.Value(w0), -1) {
		return nil, fmt.Errorf("%w: at the equal-weight starting point", ErrZeroVolatility)
	}

	w, iters, converged, cause := ascend(ctx, obj, w0, b, opts)
	return r.finish(w, b, opts.RiskFreeRate, iters, converged, cause, true)
}

// MinVariance finds the minimum-volatility portfolio under the same constraints.
func MinVariance(ctx context.Context, r *ReturnMatrix, opts OptimizerOptions) (*Portfolio, error) {
	opts = opts.withDefaults()
	n := r.Cols()
	b, err := resolveBounds(n, opts.Lower, opts.Upper)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return r.portfolio([]float64{1}, opts.RiskFreeRate, "closed-form", 0, true, false)
	}
	obj := &varianceObjective{cov: r.cov, sw: mat.NewVecDense(n, nil)}
	w, iters, converged, cause := ascend(ctx, obj, b.start(), b, opts)
	return r.finish(w, b, opts.RiskFreeRate, iters, converged, cause, false)
}

func (r *ReturnMatrix) finish(w []float64, b bounds, rf float64, iters int, converged bool, cause error, needSharpe bool) (*Portfolio, error) {
	if err := b.check(w); err != nil {
		return nil, err
	}
	p, err := r.portfolio(w, rf, "projected-gradient", iters, converged && cause == nil, needSharpe)
	if err != nil {
		return nil, err
	}
	if cause != nil || !converged {
		return nil, &ConvergenceError{Best: p, Iterations: iters, Cause: cause}
	}
	return p, nil
}

// portfolio evaluates w. With needSharpe a zero-volatility result is an error;
// otherwise it is reported through Performance.ZeroVolatility.
func (r *ReturnMatrix) portfolio(w []float64, rf float64, method string, iters int, converged, needSharpe bool) (*Portfolio, error) {
	perf, err := Evaluate(w, r)
	if err != nil {
		return nil, err
	}
	if perf.ZeroVolatility {
		if needSharpe {
			return nil, fmt.Errorf("%w: optimal portfolio has no variance", ErrZeroVolatility)
		}
	} else {
		perf.SharpeRatio, _ = SharpeRatio(perf.ExpectedReturn, perf.Volatility, rf)
	}
	return &Portfolio{
		Weights:     w,
		Allocation:  allocation(r.Symbols, w),
		Performance: perf,
		Iterations:  iters,
		Converged:   converged,
		Method:      method,
	}, nil
}

// --- objectives ---

type objective interface {
	// Value returns the objective to maximize, -Inf where it is undefined.
	Value(w []float64) float64
	Gradient(w, grad []float64)
}

// sharpeObjective is S(w) = (mu.w - rf) / sqrt(w'Σw) with
// ∇S = mu/σ - (mu.w - rf)·Σw/σ³.
type sharpeObjective struct {
	mu  []float64
	cov *mat.SymDense
	rf  float64
	sw  *mat.VecDense
}

func (o *sharpeObjective) Value(w []float64) float64 {
	v := mat.NewVecDense(len(w), w)
	variance := mat.Inner(v, o.cov, v)
	if variance <= 0 {
		return math.Inf(-1)
	}
	return (floats.Dot(o.mu, w) - o.rf) / math.Sqrt(variance)
}

func (o *sharpeObjective) Gradient(w, grad []float64) {
	v := mat.NewVecDense(len(w), w)
	o.sw.MulVec(o.cov, v)
	variance := mat.Dot(v, o.sw)
	sigma := math.Sqrt(variance)
	excess := floats.Dot(o.mu, w) - o.rf
	for i := range grad {
		grad[i] = o.mu[i]/sigma - excess*o.sw.AtVec(i)/(variance*sigma)
	}
}

// varianceObjective is -w'Σw, so maximizing it minimizes variance.
type varianceObjective struct {
	cov *mat.SymDense
	sw  *mat.VecDense
}

func (o *varianceObjective) Value(w []float64) float64 {
	v := mat.NewVecDense(len(w), w)
	return -mat.Inner(v, o.cov, v)
}

func (o *varianceObjective) Gradient(w, grad []float64) {
	o.sw.MulVec(o.cov, mat.NewVecDense(len(w), w))
	for i := range grad {
		grad[i] = -2 * o.sw.AtVec(i)
	}
}

// ascend runs projected gradient ascent from w0. It returns the last accepted
// iterate (always feasible), the iteration count, whether a tolerance was met,
// and the context error if the run was cut short.
func ascend(ctx context.Context, obj objective, w0 []float64, b bounds, opts OptimizerOptions) ([]float64, int, bool, error) {
	n := len(w0)
	w := append([]float64(nil), w0...)
	f := obj.Value(w)
	grad := make([]float64, n)
	cand := make([]float64, n)
	step := 1.0

	for iter := 1; iter <= opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return w, iter - 1, false, err
		}
		obj.Gradient(w, grad)

		var fc float64
		accepted := false
		for step >= minStep {
			for i := range cand {
				cand[i] = w[i] + step*grad[i]
			}
			b.project(cand)
			dir := 0.0
			for i := range cand {
				dir += grad[i] * (cand[i] - w[i])
			}
			fc = obj.Value(cand)
			if fc >= f+armijo*dir {
				accepted = true
				break
			}
			step /= 2
		}
		if !accepted {
			// No step improves the objective: w is stationary up to precision.
			return w, iter, true, nil
		}

		delta := 0.0
		for i := range w {
			if d := math.Abs(cand[i] - w[i]); d > delta {
				delta = d
			}
		}
		df := math.Abs(fc - f)
		copy(w, cand)
		f = fc
		if delta < opts.Tolerance || df <= opts.FunctionTolerance*math.Max(1, math.Abs(f)) {
			return w, iter, true, nil
		}
		step = math.Min(step*2, maxStep)
	}
	return w, opts.MaxIterations, false, nil
}

// --- constraints ---

// bounds is the feasible set {lo <= w <= hi, sum(w) = 1}.
type bounds struct {
	lo, hi  []float64
	simplex bool // lo = 0 and hi = 1 everywhere
}

func resolveBounds(n int, lower, upper []float64) (bounds, error) {
	b := bounds{lo: lower, hi: upper}
	if b.lo == nil {
		b.lo = make([]float64, n)
	}
	if b.hi == nil {
		b.hi = make([]float64, n)
		for i := range b.hi {
			b.hi[i] = 1
		}
	}
	if len(b.lo) != n || len(b.hi) != n {
		return b, fmt.Errorf("%w: bounds have %d/%d entries for %d assets", ErrInfeasible, len(b.lo), len(b.hi), n)
	}
	b.simplex = true
	var sumLo, sumHi float64
	for i := 0; i < n; i++ {
		lo, hi := b.lo[i], b.hi[i]
		if math.IsNaN(lo) || math.IsNaN(hi) || lo < 0 || hi > 1 || lo > hi {
			return b, fmt.Errorf("%w: bound [%v, %v] for asset %d is outside [0, 1] or empty", ErrInfeasible, lo, hi, i)
		}
		if lo != 0 || hi != 1 {
			b.simplex = false
		}
		sumLo += lo
		sumHi += hi
	}
	if sumLo > 1+boundTolerance || sumHi < 1-boundTolerance {
		return b, fmt.Errorf("%w: bounds sum to [%v, %v], which excludes 1", ErrInfeasible, sumLo, sumHi)
	}
	return b, nil
}

// start returns the equal-weight vector projected onto the feasible set.
func (b bounds) start() []float64 {
	w := make([]float64, len(b.lo))
	for i := range w {
		w[i] = 1.0 / float64(len(w))
	}
	b.project(w)
	return w
}

func (b bounds) project(v []float64) {
	if b.simplex {
		projectOntoSimplex(v)
		return
	}
	projectOntoBox(v, b.lo, b.hi)
}

func (b bounds) check(w []float64) error {
	sum := floats.Sum(w)
	if math.Abs(sum-1) > sumTolerance {
		return fmt.Errorf("%w: weights sum to %v", ErrInfeasible, sum)
	}
	for i, x := range w {
		if x < b.lo[i]-boundTolerance || x > b.hi[i]+boundTolerance || math.IsNaN(x) {
			return fmt.Errorf("%w: weight %v for asset %d outside [%v, %v]", ErrInfeasible, x, i, b.lo[i], b.hi[i])
		}
	}
	return nil
}

// contains reports whether w satisfies the per-asset bounds.
func (b bounds) contains(w []float64) bool {
	for i, x := range w {
		if x < b.lo[i]-boundTolerance || x > b.hi[i]+boundTolerance {
			return false
		}
	}
	return true
}

// projectOntoSimplex projects vector v onto the probability simplex
// Δ = {x ∈ ℝⁿ : x ≥ 0, Σxᵢ = 1} using the exact O(n log n) algorithm
// from Duchi et al. (2008), "Efficient projections onto the l1-ball".
// Modifies v in place.
func projectOntoSimplex(v []float64) {
	n := len(v)
	if n == 0 {
		return
	}

	u := make([]float64, n)
	copy(u, v)
	sort.Sort(sort.Reverse(sort.Float64Slice(u)))

	// ρ: largest index j such that u[j] - (Σ_{i<=j} u[i] - 1)/(j+1) > 0.
	cumSum := 0.0
	rho := 0
	rhoSum := u[0]
	for j := 0; j < n; j++ {
		cumSum += u[j]
		if u[j]-(cumSum-1)/float64(j+1) > 0 {
			rho = j
			rhoSum = cumSum
		}
	}
	theta := (rhoSum - 1) / float64(rho+1)

	for i := range v {
		v[i] -= theta
		if v[i] < 0 {
			v[i] = 0
		}
	}
}

// projectOntoBox projects v onto {lo <= x <= hi, Σx = 1}. The projection is
// clamp(v - τ, lo, hi) for the τ making the sum 1; τ is bracketed by bisection
// and then solved exactly on the free coordinates.
func projectOntoBox(v, lo, hi []float64) {
	sumAt := func(tau float64) float64 {
		s := 0.0
		for i := range v {
			s += clamp(v[i]-tau, lo[i], hi[i])
		}
		return s
	}

	// At a every coordinate sits at hi (sum >= 1); at b every coordinate sits at lo (sum <= 1).
	a, b := math.Inf(1), math.Inf(-1)
	for i := range v {
		a = math.Min(a, v[i]-hi[i])
		b = math.Max(b, v[i]-lo[i])
	}
	for iter := 0; iter < 200; iter++ {
		m := a + (b-a)/2
		if m <= a || m >= b {
			break
		}
		if sumAt(m) > 1 {
			a = m
		} else {
			b = m
		}
	}
	tau := a + (b-a)/2

	free, fixed, freeSum := 0, 0.0, 0.0
	for i := range v {
		x := v[i] - tau
		switch {
		case x <= lo[i]:
			fixed += lo[i]
		case x >= hi[i]:
			fixed += hi[i]
		default:
			free++
			freeSum += v[i]
		}
	}
	if free > 0 {
		tau = (freeSum + fixed - 1) / float64(free)
	}
	for i := range v {
		v[i] = clamp(v[i]-tau, lo[i], hi[i])
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func zeroCovariance(cov *mat.SymDense) bool {
	n := cov.SymmetricDim()
	for i := 0; i < n; i++ {
		if cov.At(i, i) > 0 {
			return false
		}
	}
	return true
}
