package autodiff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/backend/cpu"
	"github.com/born-ml/neuralode/internal/tensor"
)

type adBackend = *autodiff.AutodiffBackend[tensor.Backend]

func newBackend() adBackend {
	return autodiff.New[tensor.Backend](cpu.New())
}

func fromSlice(t *testing.T, b adBackend, data []float32, shape ...int) *tensor.Tensor[float32, adBackend] {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape(shape), b)
	require.NoError(t, err)
	return x
}

func TestAutodiffBackend_Metadata(t *testing.T) {
	b := newBackend()
	assert.Equal(t, "Autodiff(CPU)", b.Name())
	assert.Equal(t, tensor.CPU, b.Device())
	assert.False(t, b.Tape().IsRecording())
}

func TestTape_RecordsOnlyWhenRecording(t *testing.T) {
	b := newBackend()
	x := fromSlice(t, b, []float32{1, 2}, 2)

	x.Add(x)
	assert.Zero(t, b.Tape().NumOps())

	b.Tape().StartRecording()
	x.Add(x)
	x.Mul(x)
	assert.Equal(t, 2, b.Tape().NumOps())

	b.Tape().Clear()
	assert.Zero(t, b.Tape().NumOps())
	assert.True(t, b.Tape().IsRecording())
}

func TestTape_MarkRewind(t *testing.T) {
	b := newBackend()
	tape := b.Tape()
	tape.StartRecording()

	x := fromSlice(t, b, []float32{3}, 1)
	y := x.Mul(x)
	mark := tape.Mark()

	// Discarded branch.
	y.MulScalar(100).Exp()
	require.Equal(t, mark+2, tape.NumOps())
	tape.Rewind(mark)
	assert.Equal(t, mark, tape.NumOps())

	grads := autodiff.Backward(y, b)
	assert.InDelta(t, 6.0, grads[x.Raw()].AsFloat32()[0], 1e-6)
}

func TestTape_Isolate(t *testing.T) {
	b := newBackend()
	tape := b.Tape()
	tape.StartRecording()
	x := fromSlice(t, b, []float32{2}, 1)
	x.Mul(x)
	tape.StopRecording()

	restore := tape.Isolate()
	assert.True(t, tape.IsRecording())
	assert.Zero(t, tape.NumOps())
	z := x.Tanh()
	assert.Equal(t, 1, tape.NumOps())
	_ = z
	restore()

	assert.False(t, tape.IsRecording())
	assert.Equal(t, 1, tape.NumOps())
}

func TestBackward_PanicsWithoutOps(t *testing.T) {
	b := newBackend()
	x := fromSlice(t, b, []float32{1}, 1)
	assert.Panics(t, func() { autodiff.Backward(x, b) })
}

func TestBackwardFrom_VectorJacobianProduct(t *testing.T) {
	b := newBackend()
	b.Tape().StartRecording()

	x := fromSlice(t, b, []float32{1, 2, 3}, 3)
	y := x.Mul(x) // dy_i/dx_i = 2x_i

	v := tensor.MustNewRaw(tensor.Shape{3}, tensor.Float32, tensor.CPU)
	copy(v.AsFloat32(), []float32{1, 0, -1})
	grads := b.Tape().BackwardFrom(y.Raw(), v, b)

	assert.InDeltaSlice(t, []float32{2, 0, -6}, grads[x.Raw()].AsFloat32(), 1e-6)
}

func TestBackward_SharedInputAccumulates(t *testing.T) {
	b := newBackend()
	b.Tape().StartRecording()

	x := fromSlice(t, b, []float32{1.5}, 1)
	y := x.Mul(x).Add(x) // x² + x

	grads := autodiff.Backward(y, b)
	assert.InDelta(t, 4.0, grads[x.Raw()].AsFloat32()[0], 1e-6)
}

func TestBackward_BroadcastBias(t *testing.T) {
	b := newBackend()
	b.Tape().StartRecording()

	x := fromSlice(t, b, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	bias := fromSlice(t, b, []float32{0, 0}, 2, 1)
	loss := x.Add(bias).Sum()

	grads := autodiff.Backward(loss, b)
	require.Contains(t, grads, bias.Raw())
	assert.Equal(t, tensor.Shape{2, 1}, grads[bias.Raw()].Shape())
	assert.InDeltaSlice(t, []float32{3, 3}, grads[bias.Raw()].AsFloat32(), 1e-6)
}

func TestLogitCrossEntropy_Value(t *testing.T) {
	b := newBackend()
	// Two classes, one sample: equal logits give log(2).
	logits := fromSlice(t, b, []float32{0, 0}, 2, 1)
	target := fromSlice(t, b, []float32{1, 0}, 2, 1)

	loss := b.LogitCrossEntropy(logits.Raw(), target.Raw())
	assert.Equal(t, tensor.Shape{}, loss.Shape())
	assert.InDelta(t, 0.693147, loss.AsFloat32()[0], 1e-5)
}

func TestLogitCrossEntropy_Gradient(t *testing.T) {
	b := newBackend()
	b.Tape().StartRecording()
	logits := fromSlice(t, b, []float32{1, -1, 0.5, 2, 0, 0.5}, 3, 2)
	target := fromSlice(t, b, []float32{0, 1, 1, 0, 0, 0}, 3, 2)

	loss := tensor.New[float32](b.LogitCrossEntropy(logits.Raw(), target.Raw()), b)
	grads := autodiff.Backward(loss, b)
	g := grads[logits.Raw()].AsFloat32()

	// Column sums of (softmax - y) are zero.
	assert.InDelta(t, 0.0, g[0]+g[2]+g[4], 1e-6)
	assert.InDelta(t, 0.0, g[1]+g[3]+g[5], 1e-6)
	assert.NotContains(t, grads, target.Raw())
}

// numericGradCheck compares tape gradients of a scalar function of x against
// central finite differences.
func numericGradCheck(t *testing.T, x0 []float32, shape tensor.Shape, f func(b adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend]) {
	t.Helper()

	b := newBackend()
	b.Tape().StartRecording()
	x := fromSlice(t, b, append([]float32(nil), x0...), shape...)
	grads := autodiff.Backward(f(b, x), b)
	require.Contains(t, grads, x.Raw())
	got := grads[x.Raw()].AsFloat32()

	eval := func(p []float64) float64 {
		nb := newBackend()
		data := make([]float32, len(p))
		for i, v := range p {
			data[i] = float32(v)
		}
		xt := fromSlice(t, nb, data, shape...)
		return float64(f(nb, xt).Item())
	}
	p0 := make([]float64, len(x0))
	for i, v := range x0 {
		p0[i] = float64(v)
	}
	want := fd.Gradient(nil, eval, p0, &fd.Settings{Formula: fd.Central, Step: 1e-2})

	for i := range want {
		assert.InDelta(t, want[i], float64(got[i]), 2e-2, "element %d", i)
	}
}

func TestGradients_MatchFiniteDifferences(t *testing.T) {
	x0 := []float32{0.3, -0.7, 1.1, 0.2, -0.4, 0.9}
	shape := tensor.Shape{2, 3}

	tests := []struct {
		name string
		f    func(b adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend]
	}{
		{"tanh", func(_ adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			return x.Tanh().Sum()
		}},
		{"sigmoid", func(_ adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			return x.Sigmoid().Mul(x).Sum()
		}},
		{"exp-log", func(_ adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			return x.Exp().AddScalar(1).Log().Sum()
		}},
		{"div", func(_ adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			return x.Div(x.Mul(x).AddScalar(2)).Sum()
		}},
		{"matmul", func(b adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			w, _ := tensor.FromSlice([]float32{1, 2, -1, 0.5, 0, 3}, tensor.Shape{3, 2}, b)
			return x.MatMul(w).Tanh().Sum()
		}},
		{"transpose-matmul", func(_ adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			return x.T().MatMul(x).Sum()
		}},
		{"sumdim-reshape", func(_ adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			s := x.SumDim(1, false).Reshape(1, 2)
			return s.Mul(s).Sum()
		}},
		{"cat", func(_ adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			c := tensor.Cat([]*tensor.Tensor[float32, adBackend]{x, x.Tanh()}, 0)
			return c.Mul(c).Sum()
		}},
		{"cross-entropy", func(b adBackend, x *tensor.Tensor[float32, adBackend]) *tensor.Tensor[float32, adBackend] {
			y, _ := tensor.FromSlice([]float32{1, 0, 0, 0, 0, 1}, tensor.Shape{2, 3}, b)
			return tensor.New[float32](b.LogitCrossEntropy(x.Raw(), y.Raw()), b)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			numericGradCheck(t, x0, shape, tt.f)
		})
	}
}

func TestMatMulTransposed_Gradients(t *testing.T) {
	for _, flags := range [][2]bool{{false, false}, {false, true}, {true, false}, {true, true}} {
		ta, tb := flags[0], flags[1]

		run := func(b adBackend) (*tensor.Tensor[float32, adBackend], *tensor.Tensor[float32, adBackend], *tensor.Tensor[float32, adBackend]) {
			// op(a) is [2,3], op(b) is [3,2] whatever the flags.
			aShape, bShape := tensor.Shape{2, 3}, tensor.Shape{3, 2}
			if ta {
				aShape = tensor.Shape{3, 2}
			}
			if tb {
				bShape = tensor.Shape{2, 3}
			}
			a, _ := tensor.FromSlice([]float32{0.1, 0.2, -0.3, 0.4, 0.5, -0.6}, aShape, b)
			bb, _ := tensor.FromSlice([]float32{1, -1, 2, 0.5, -0.5, 1.5}, bShape, b)
			out := tensor.New[float32](b.MatMulTransposed(a.Raw(), bb.Raw(), ta, tb), b)
			return a, bb, out.Mul(out).Sum()
		}

		fused := newBackend()
		fused.Tape().StartRecording()
		a1, b1, l1 := run(fused)
		g1 := autodiff.Backward(l1, fused)

		explicit := newBackend()
		explicit.Tape().StartRecording()
		a2, _ := tensor.FromSlice(a1.Data(), a1.Shape(), explicit)
		b2, _ := tensor.FromSlice(b1.Data(), b1.Shape(), explicit)
		lhs, rhs := a2, b2
		if ta {
			lhs = a2.T()
		}
		if tb {
			rhs = b2.T()
		}
		out := lhs.MatMul(rhs)
		g2 := autodiff.Backward(out.Mul(out).Sum(), explicit)

		assert.InDeltaSlice(t, g2[a2.Raw()].AsFloat32(), g1[a1.Raw()].AsFloat32(), 1e-5, "gradA trans=%v", flags)
		assert.InDeltaSlice(t, g2[b2.Raw()].AsFloat32(), g1[b1.Raw()].AsFloat32(), 1e-5, "gradB trans=%v", flags)
	}
}
