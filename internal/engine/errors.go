package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned when too few valid price observations
	// remain to compute returns and a covariance matrix.
	ErrInsufficientData = errors.New("insufficient price data")
	// ErrZeroVolatility is returned when a Sharpe ratio would divide by a zero volatility.
	ErrZeroVolatility = errors.New("portfolio volatility is zero")
	// ErrDidNotConverge is returned when the solver hit its iteration cap or the
	// caller's deadline before meeting its tolerance.
	ErrDidNotConverge = errors.New("optimization did not converge")
	// ErrInfeasible is returned when no weight vector satisfies the bounds and
	// the full-investment constraint.
	ErrInfeasible = errors.New("optimization problem is infeasible")

	ErrInvalidPrices      = errors.New("invalid price matrix")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrInvalidSampleCount = errors.New("sample count must be positive")
)

// ConvergenceError carries the best feasible point found before the solver gave up.
type ConvergenceError struct {
	Best       *Portfolio
	Iterations int
	Cause      error // nil when the iteration cap was hit
}

func (e *ConvergenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v after %d iterations: %v", ErrDidNotConverge, e.Iterations, e.Cause)
	}
	return fmt.Sprintf("%v after %d iterations", ErrDidNotConverge, e.Iterations)
}

// Unwrap lets errors.Is match both ErrDidNotConverge and the context error.
func (e *ConvergenceError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrDidNotConverge, e.Cause}
	}
	return []error{ErrDidNotConverge}
}
