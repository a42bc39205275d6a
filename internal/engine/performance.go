package engine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Evaluate computes the annualized expected return and volatility of weights w
// over r. When the volatility is zero the Sharpe ratio is undefined: the result
// has ZeroVolatility set and SharpeRatio left at 0.
func Evaluate(w []float64, r *ReturnMatrix) (Performance, error) {
	if len(w) != r.Cols() {
		return Performance{}, fmt.Errorf("%w: %d weights for %d assets", ErrDimensionMismatch, len(w), r.Cols())
	}
	ret, vol := r.performance(w)
	return Performance{
		ExpectedReturn: ret,
		Volatility:     vol,
		ZeroVolatility: vol == 0,
	}, nil
}

// EvaluateSharpe is Evaluate with the Sharpe ratio filled in. It fails with
// ErrZeroVolatility instead of dividing by zero.
func EvaluateSharpe(w []float64, r *ReturnMatrix, riskFreeRate float64) (Performance, error) {
	perf, err := Evaluate(w, r)
	if err != nil {
		return perf, err
	}
	perf.SharpeRatio, err = SharpeRatio(perf.ExpectedReturn, perf.Volatility, riskFreeRate)
	return perf, err
}

// SharpeRatio returns (ret - riskFreeRate) / vol.
func SharpeRatio(ret, vol, riskFreeRate float64) (float64, error) {
	if vol == 0 {
		return 0, ErrZeroVolatility
	}
	return (ret - riskFreeRate) / vol, nil
}

// performance returns annualized (return, volatility) without validation.
func (r *ReturnMatrix) performance(w []float64) (float64, float64) {
	ret := floats.Dot(r.mu, w)
	v := mat.NewVecDense(len(w), w)
	variance := mat.Inner(v, r.cov, v)
	// The covariance is PSD; a negative value is rounding noise.
	if variance < 0 {
		variance = 0
	}
	return ret, math.Sqrt(variance)
}
