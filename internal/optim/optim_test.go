package optim_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/backend/cpu"
	"github.com/born-ml/neuralode/internal/nn"
	"github.com/born-ml/neuralode/internal/optim"
	"github.com/born-ml/neuralode/internal/tensor"
)

type adBackend = *autodiff.AutodiffBackend[tensor.Backend]

func scalarParam(t *testing.T, b adBackend, v float32) *nn.Parameter[adBackend] {
	t.Helper()
	x, err := tensor.FromSlice([]float32{v}, tensor.Shape{1}, b)
	require.NoError(t, err)
	return nn.NewParameter("x", x)
}

func gradOf(p *nn.Parameter[adBackend], g float32) map[*tensor.RawTensor]*tensor.RawTensor {
	raw := tensor.MustNewRaw(tensor.Shape{1}, tensor.Float32, tensor.CPU)
	raw.AsFloat32()[0] = g
	return map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): raw}
}

func TestSGD_SimpleUpdate(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	p := scalarParam(t, b, 2)
	opt := optim.NewSGD([]*nn.Parameter[adBackend]{p}, optim.SGDConfig{LR: 0.1})

	opt.Step(gradOf(p, 1))
	assert.InDelta(t, 1.9, p.Tensor().Item(), 1e-6)
}

func TestSGD_WithMomentum(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	p := scalarParam(t, b, 1)
	opt := optim.NewSGD([]*nn.Parameter[adBackend]{p}, optim.SGDConfig{LR: 0.1, Momentum: 0.9})

	opt.Step(gradOf(p, 1)) // v = 1, x = 0.9
	opt.Step(gradOf(p, 1)) // v = 1.9, x = 0.71
	assert.InDelta(t, 0.71, p.Tensor().Item(), 1e-6)
}

func TestAdam_FirstStepMovesByLR(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	p := scalarParam(t, b, 1)
	opt := optim.NewAdam([]*nn.Parameter[adBackend]{p}, optim.AdamConfig{LR: 0.05})

	// After bias correction the first step is lr·sign(g).
	opt.Step(gradOf(p, 3))
	assert.InDelta(t, 0.95, p.Tensor().Item(), 1e-6)
	assert.Equal(t, 1, opt.Steps())
	assert.Equal(t, float32(0.05), opt.GetLR())
}

func TestAdam_SkipsParametersWithoutGradient(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	p, q := scalarParam(t, b, 1), scalarParam(t, b, 5)
	opt := optim.NewAdam([]*nn.Parameter[adBackend]{p, q}, optim.AdamConfig{})

	opt.Step(gradOf(p, 1))
	assert.Equal(t, float32(5), q.Tensor().Item())
	assert.Less(t, p.Tensor().Item(), float32(1))
}

func TestAdam_MinimizesQuadratic(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	x, err := tensor.FromSlice([]float32{3, -2}, tensor.Shape{2}, b)
	require.NoError(t, err)
	p := nn.NewParameter("x", x)
	opt := optim.NewAdam([]*nn.Parameter[adBackend]{p}, optim.AdamConfig{LR: 0.1})

	for range 500 {
		b.Tape().Clear()
		b.Tape().StartRecording()
		loss := p.Tensor().Mul(p.Tensor()).Sum()
		opt.Step(autodiff.Backward(loss, b))
		opt.ZeroGrad()
	}
	var final float64
	for _, v := range p.Tensor().Data() {
		final += float64(v) * float64(v)
	}
	assert.Less(t, final, 0.1, "loss started at 13")
	assert.False(t, math.IsNaN(final))
}

func TestNew(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	params := []*nn.Parameter[adBackend]{scalarParam(t, b, 1)}

	for _, name := range []string{"adam", "SGD", "momentum"} {
		opt, err := optim.New(name, params, 0.05)
		require.NoError(t, err, name)
		assert.Equal(t, float32(0.05), opt.GetLR())
	}
	_, err := optim.New("lbfgs", params, 0.05)
	assert.Error(t, err)
	_, err = optim.New("adam", params, 0)
	assert.Error(t, err)
}
