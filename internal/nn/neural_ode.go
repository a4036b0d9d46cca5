package nn

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/ode"
	"github.com/born-ml/neuralode/internal/tensor"
)

// Sensitivity selects how gradients flow through a NeuralODE block.
type Sensitivity int

const (
	// Backprop differentiates through the solver's recorded stage arithmetic.
	Backprop Sensitivity = iota
	// Adjoint solves the continuous adjoint equations backwards in time
	// ("backsolve"). The forward solve is not recorded.
	Adjoint
)

// String returns the sensitivity name.
func (s Sensitivity) String() string {
	switch s {
	case Backprop:
		return "backprop"
	case Adjoint:
		return "adjoint"
	}
	return fmt.Sprintf("Sensitivity(%d)", int(s))
}

// ParseSensitivity maps "backprop" or "adjoint" to a Sensitivity.
func ParseSensitivity(name string) (Sensitivity, error) {
	switch strings.ToLower(name) {
	case "", "backprop":
		return Backprop, nil
	case "adjoint", "backsolve":
		return Adjoint, nil
	}
	return Backprop, errors.Errorf("unknown sensitivity %q (want backprop or adjoint)", name)
}

// NeuralODE is a continuous-depth block: it integrates du/dt = inner(u)
// over TSpan starting at the input and returns the saved trajectory with the
// time axis last, [features, batch, T].
//
// Integration failures panic with an error wrapping the ode sentinel; the
// training loop recovers them.
type NeuralODE[B tensor.Backend] struct {
	inner       Module[B]
	tspan       [2]float64
	tab         *ode.Tableau
	opts        ode.Options
	sensitivity Sensitivity
	ctx         context.Context

	lastStats ode.Stats
}

// NewNeuralODE creates an ODE block around inner. A nil tableau means Tsit5.
//
// With Adjoint sensitivity only the end point receives gradients, so the
// save flags in opts are ignored.
func NewNeuralODE[B tensor.Backend](inner Module[B], tspan [2]float64, tab *ode.Tableau, opts ode.Options, sensitivity Sensitivity) *NeuralODE[B] {
	if tab == nil {
		tab = ode.Tsit5()
	}
	if sensitivity == Adjoint {
		opts.SaveStart, opts.SaveEveryStep = false, false
	}
	return &NeuralODE[B]{
		inner:       inner,
		tspan:       tspan,
		tab:         tab,
		opts:        opts,
		sensitivity: sensitivity,
		ctx:         context.Background(),
	}
}

// SetContext sets the context checked inside the integration loop.
func (n *NeuralODE[B]) SetContext(ctx context.Context) {
	n.ctx = ctx
}

// LastStats returns the solver statistics of the most recent forward solve.
func (n *NeuralODE[B]) LastStats() ode.Stats {
	return n.lastStats
}

// Inner returns the network defining the vector field.
func (n *NeuralODE[B]) Inner() Module[B] {
	return n.inner
}

// Parameters returns the inner network's parameters.
func (n *NeuralODE[B]) Parameters() []*Parameter[B] {
	return n.inner.Parameters()
}

func (n *NeuralODE[B]) rhs(_ float64, u *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return n.inner.Forward(u)
}

// Forward integrates from input and returns the trajectory [dims..., T].
func (n *NeuralODE[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if n.sensitivity == Adjoint {
		if tb, ok := any(input.Backend()).(autodiff.BackwardCapable); ok && tb.GetTape().IsRecording() {
			return n.forwardAdjoint(input, tb)
		}
	}

	sol, err := ode.Solve(n.ctx, ode.Problem[B]{F: n.rhs, U0: input, TSpan: n.tspan}, n.tab, n.opts)
	if err != nil {
		panic(errors.Wrap(err, "neural ode forward"))
	}
	n.lastStats = sol.Stats
	return sol.Array()
}

func (n *NeuralODE[B]) forwardAdjoint(input *tensor.Tensor[float32, B], tb autodiff.BackwardCapable) *tensor.Tensor[float32, B] {
	tape := tb.GetTape()
	tape.StopRecording()
	sol, err := ode.Solve(n.ctx, ode.Problem[B]{F: n.rhs, U0: input, TSpan: n.tspan}, n.tab, n.opts)
	tape.StartRecording()
	if err != nil {
		panic(errors.Wrap(err, "neural ode forward"))
	}
	n.lastStats = sol.Stats

	params := n.Parameters()
	op := &adjointOp[B]{
		block:   n,
		backend: input.Backend(),
		z0:      input.Raw(),
		z1:      sol.Last().Raw(),
		params:  params,
		tape:    tape,
	}
	tape.Record(op)

	// The trajectory axis is added on top of the op's output so the reshape
	// is recorded after it.
	return tensor.New[float32](sol.Last().Raw(), input.Backend()).Unsqueeze(-1)
}

// TrajectoryToArray drops the trailing time axis of a single-point
// trajectory: [dims..., 1] -> [dims...].
func TrajectoryToArray[B tensor.Backend](traj *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := traj.Shape()
	if len(shape) < 2 || shape.Last() != 1 {
		panic(fmt.Sprintf("TrajectoryToArray: expected trajectory with one saved point [..., 1], got shape %v", shape))
	}
	return traj.Reshape(shape[:len(shape)-1]...)
}

// ToArray is TrajectoryToArray as a module.
type ToArray[B tensor.Backend] struct{}

// NewToArray creates a ToArray module.
func NewToArray[B tensor.Backend]() *ToArray[B] {
	return &ToArray[B]{}
}

// Forward drops the trajectory axis.
func (m *ToArray[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return TrajectoryToArray(input)
}

// Parameters returns nil.
func (m *ToArray[B]) Parameters() []*Parameter[B] {
	return nil
}
