// Package ode integrates ordinary differential equations du/dt = f(t, u)
// whose state is a tensor.
//
// Solve implements explicit Runge-Kutta methods with adaptive step size
// control (embedded error estimate plus a PI controller). All stage
// arithmetic goes through the tensor's backend, so when the state lives on an
// autodiff backend that is recording, accepted steps end up on the gradient
// tape and gradients flow through the solver. Rejected steps are rewound.
package ode

import (
	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/tensor"
)

// Integration errors. Solve wraps them with the time at which they occurred.
var (
	ErrMaxIters     = errors.New("ode: maximum number of iterations reached")
	ErrStepTooSmall = errors.New("ode: step size fell below the minimum")
	ErrNonFinite    = errors.New("ode: state is not finite")
	ErrNeedsDt      = errors.New("ode: fixed-step method requires Options.Dt")
)

// Func computes du/dt at (t, u). It must return a tensor shaped like u.
type Func[B tensor.Backend] func(t float64, u *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

// Problem is an initial value problem over TSpan = [t0, t1].
// Integration runs backwards in time when t1 < t0.
type Problem[B tensor.Backend] struct {
	F     Func[B]
	U0    *tensor.Tensor[float32, B]
	TSpan [2]float64
}

// Options controls step size selection and what gets saved.
type Options struct {
	RelTol float64
	AbsTol float64

	// Dt is the initial step for adaptive methods and the step for fixed-step
	// ones. Zero picks an initial step automatically.
	Dt    float64
	DtMin float64

	MaxIters int

	// SaveStart includes (t0, u0) in the solution. SaveEveryStep includes
	// every accepted step. The end point is always saved.
	SaveStart     bool
	SaveEveryStep bool
}

// DefaultOptions returns the default tolerances and limits.
func DefaultOptions() Options {
	return Options{
		RelTol:   1e-3,
		AbsTol:   1e-6,
		MaxIters: 100_000,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RelTol <= 0 {
		o.RelTol = def.RelTol
	}
	if o.AbsTol <= 0 {
		o.AbsTol = def.AbsTol
	}
	if o.MaxIters <= 0 {
		o.MaxIters = def.MaxIters
	}
	return o
}

// Stats counts the work done by a solve.
type Stats struct {
	NF       int // right-hand side evaluations
	Accepted int
	Rejected int
}

// Solution holds the saved time points and states of a solve.
type Solution[B tensor.Backend] struct {
	T     []float64
	U     []*tensor.Tensor[float32, B]
	Stats Stats
	Alg   string
}

// Last returns the final saved state.
func (s *Solution[B]) Last() *tensor.Tensor[float32, B] {
	return s.U[len(s.U)-1]
}

// Array stacks the saved states along a new trailing axis, giving
// [state dims..., len(T)].
func (s *Solution[B]) Array() *tensor.Tensor[float32, B] {
	return tensor.Stack(s.U)
}
