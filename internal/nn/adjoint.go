package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/ode"
	"github.com/born-ml/neuralode/internal/tensor"
)

// adjointOp is the tape entry for a NeuralODE solved with Adjoint
// sensitivity. Its inputs are the initial state followed by the inner
// network's parameters; its output is the final state.
//
// Backward integrates the augmented state s = [z, a, g] from t1 to t0:
//
//	dz/dt = f(z)
//	da/dt = -aᵀ ∂f/∂z
//	dg/dt = -aᵀ ∂f/∂θ
//
// starting from z(t1) = z1, a(t1) = ∂L/∂z1, g(t1) = 0. Then a(t0) = ∂L/∂z0
// and g(t0) = ∂L/∂θ.
type adjointOp[B tensor.Backend] struct {
	block   *NeuralODE[B]
	backend B
	z0, z1  *tensor.RawTensor
	params  []*Parameter[B]
	tape    *autodiff.GradientTape
}

func (op *adjointOp[B]) Inputs() []*tensor.RawTensor {
	inputs := make([]*tensor.RawTensor, 0, 1+len(op.params))
	inputs = append(inputs, op.z0)
	for _, p := range op.params {
		inputs = append(inputs, p.Tensor().Raw())
	}
	return inputs
}

func (op *adjointOp[B]) Output() *tensor.RawTensor {
	return op.z1
}

func (op *adjointOp[B]) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	zShape := op.z1.Shape()
	n := zShape.NumElements()
	paramSizes := make([]int, len(op.params))
	total := 2 * n
	for i, p := range op.params {
		paramSizes[i] = p.Tensor().NumElements()
		total += paramSizes[i]
	}

	aug0 := tensor.MustNewRaw(tensor.Shape{total}, tensor.Float32, backend.Device())
	data := aug0.AsFloat32()
	copy(data[:n], op.z1.AsFloat32())
	copy(data[n:2*n], outputGrad.AsFloat32())

	f := func(t float64, s *tensor.Tensor[float32, tensor.Backend]) *tensor.Tensor[float32, tensor.Backend] {
		return tensor.New[float32](op.augmentedRHS(t, s.Raw(), zShape, paramSizes), s.Backend())
	}
	prob := ode.Problem[tensor.Backend]{
		F:     f,
		U0:    tensor.New[float32](aug0, backend),
		TSpan: [2]float64{op.block.tspan[1], op.block.tspan[0]},
	}
	sol, err := ode.Solve(op.block.ctx, prob, op.block.tab, op.block.opts)
	if err != nil {
		panic(errors.Wrap(err, "neural ode adjoint"))
	}

	final := sol.Last().Raw().AsFloat32()
	grads := make([]*tensor.RawTensor, 0, 1+len(op.params))
	gz := tensor.MustNewRaw(zShape, tensor.Float32, backend.Device())
	copy(gz.AsFloat32(), final[n:2*n])
	grads = append(grads, gz)

	offset := 2 * n
	for i, p := range op.params {
		gp := tensor.MustNewRaw(p.Tensor().Shape(), tensor.Float32, backend.Device())
		copy(gp.AsFloat32(), final[offset:offset+paramSizes[i]])
		offset += paramSizes[i]
		grads = append(grads, gp)
	}
	return grads
}

// augmentedRHS evaluates the adjoint dynamics at packed state s.
func (op *adjointOp[B]) augmentedRHS(t float64, s *tensor.RawTensor, zShape tensor.Shape, paramSizes []int) *tensor.RawTensor {
	n := zShape.NumElements()
	state := s.AsFloat32()

	z := tensor.MustNewRaw(zShape, tensor.Float32, s.Device())
	copy(z.AsFloat32(), state[:n])
	a := tensor.MustNewRaw(zShape, tensor.Float32, s.Device())
	copy(a.AsFloat32(), state[n:2*n])

	restore := op.tape.Isolate()
	out := op.block.rhs(t, tensor.New[float32](z, op.backend))
	vjp := op.tape.BackwardFrom(out.Raw(), a, op.backend)
	restore()

	ds := tensor.MustNewRaw(s.Shape(), tensor.Float32, s.Device())
	d := ds.AsFloat32()
	copy(d[:n], out.Raw().AsFloat32())
	negateInto(d[n:2*n], vjp[z])

	offset := 2 * n
	for i, p := range op.params {
		negateInto(d[offset:offset+paramSizes[i]], vjp[p.Tensor().Raw()])
		offset += paramSizes[i]
	}
	return ds
}

// negateInto writes -g into dst, or leaves dst zeroed when g is nil.
func negateInto(dst []float32, g *tensor.RawTensor) {
	if g == nil {
		return
	}
	src := g.AsFloat32()
	if len(src) != len(dst) {
		panic(fmt.Sprintf("adjoint: gradient has %d elements, want %d", len(src), len(dst)))
	}
	for i, v := range src {
		dst[i] = -v
	}
}
