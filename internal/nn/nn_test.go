package nn_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/backend/cpu"
	"github.com/born-ml/neuralode/internal/nn"
	"github.com/born-ml/neuralode/internal/ode"
	"github.com/born-ml/neuralode/internal/tensor"
)

type adBackend = *autodiff.AutodiffBackend[tensor.Backend]

func newBackend() adBackend {
	return autodiff.New[tensor.Backend](cpu.New())
}

func randInput(b adBackend, rng *rand.Rand, shape ...int) *tensor.Tensor[float32, adBackend] {
	return tensor.RandUniform[float32](tensor.Shape(shape), 0, 1, rng, b)
}

func oneHot(b adBackend, classes int, labels ...int) *tensor.Tensor[float32, adBackend] {
	y := tensor.Zeros[float32](tensor.Shape{classes, len(labels)}, b)
	for n, l := range labels {
		y.Set(1, l, n)
	}
	return y
}

func TestLinear_ShapesAndInit(t *testing.T) {
	b := newBackend()
	rng := rand.New(rand.NewSource(1))
	l := nn.NewLinear(784, 20, rng, b)

	assert.Equal(t, tensor.Shape{20, 784}, l.Weight().Tensor().Shape())
	assert.Equal(t, tensor.Shape{20, 1}, l.Bias().Tensor().Shape())
	for _, v := range l.Bias().Tensor().Data() {
		assert.Zero(t, v)
	}
	bound := float32(math.Sqrt(6.0 / (784 + 20)))
	for _, v := range l.Weight().Tensor().Data() {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}

	out := l.Forward(randInput(b, rng, 784, 7))
	assert.Equal(t, tensor.Shape{20, 7}, out.Shape())
	assert.Panics(t, func() { l.Forward(randInput(b, rng, 783, 7)) })
}

func TestDense_AppliesActivation(t *testing.T) {
	b := newBackend()
	d := nn.NewDense(3, 4, nn.ActTanh, rand.New(rand.NewSource(2)), b)
	x, err := tensor.FromSlice([]float32{10, -10, 10, 5, 5, -5}, tensor.Shape{3, 2}, b)
	require.NoError(t, err)
	for _, v := range d.Forward(x).Data() {
		assert.Less(t, math.Abs(float64(v)), 1.0)
	}
	assert.Len(t, d.Parameters(), 2)
}

func TestFlatten(t *testing.T) {
	b := newBackend()
	x := randInput(b, rand.New(rand.NewSource(3)), 28, 28, 1, 5)
	out := nn.NewFlatten[adBackend]().Forward(x)
	assert.Equal(t, tensor.Shape{784, 5}, out.Shape())
}

func TestParseActivationAndSensitivity(t *testing.T) {
	act, err := nn.ParseActivation("Tanh")
	require.NoError(t, err)
	assert.Equal(t, nn.ActTanh, act)
	_, err = nn.ParseActivation("gelu")
	assert.Error(t, err)

	s, err := nn.ParseSensitivity("adjoint")
	require.NoError(t, err)
	assert.Equal(t, nn.Adjoint, s)
	assert.Equal(t, "backprop", nn.Backprop.String())
	_, err = nn.ParseSensitivity("forwarddiff")
	assert.Error(t, err)
}

func TestLogitCrossEntropy_NonNegativeAndFinite(t *testing.T) {
	b := newBackend()
	rng := rand.New(rand.NewSource(4))
	logits := tensor.Randn[float32](tensor.Shape{10, 16}, rng, b)
	labels := make([]int, 16)
	for i := range labels {
		labels[i] = rng.Intn(10)
	}
	loss := nn.LogitCrossEntropy(logits, oneHot(b, 10, labels...)).Item()
	assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0))
	assert.GreaterOrEqual(t, loss, float32(0))

	// Works on a plain backend too.
	plain := cpu.New()
	l2, err := tensor.FromSlice([]float32{0, 0}, tensor.Shape{2, 1}, plain)
	require.NoError(t, err)
	y2, err := tensor.FromSlice([]float32{0, 1}, tensor.Shape{2, 1}, plain)
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2, nn.LogitCrossEntropy(l2, y2).Item(), 1e-6)
}

func TestAccuracy(t *testing.T) {
	b := newBackend()
	scores, err := tensor.FromSlice([]float32{
		0.9, 0.1, 0.2, 0.3,
		0.1, 0.8, 0.7, 0.1,
		0.0, 0.1, 0.1, 0.6,
	}, tensor.Shape{3, 4}, b)
	require.NoError(t, err)

	acc := nn.Accuracy(scores, oneHot(b, 3, 0, 1, 2, 2))
	assert.InDelta(t, 0.75, acc, 1e-12)
	assert.InDelta(t, 1.0, nn.Accuracy(scores, oneHot(b, 3, 0, 1, 1, 2)), 1e-12)
	assert.Panics(t, func() { nn.Accuracy(scores, oneHot(b, 3, 0, 1)) })
}

func TestTrajectoryToArray(t *testing.T) {
	b := newBackend()
	traj := tensor.Zeros[float32](tensor.Shape{20, 4, 1}, b)
	assert.Equal(t, tensor.Shape{20, 4}, nn.TrajectoryToArray(traj).Shape())

	assert.Panics(t, func() { nn.TrajectoryToArray(tensor.Zeros[float32](tensor.Shape{20, 4, 2}, b)) })
	assert.Panics(t, func() { nn.TrajectoryToArray(tensor.Zeros[float32](tensor.Shape{20}, b)) })
}

func TestNeuralODE_TrajectoryShape(t *testing.T) {
	b := newBackend()
	rng := rand.New(rand.NewSource(5))
	inner := nn.NewDense(4, 4, nn.ActTanh, rng, b)
	opts := ode.Options{RelTol: 1e-3, AbsTol: 1e-3}

	block := nn.NewNeuralODE[adBackend](inner, [2]float64{0, 1}, nil, opts, nn.Backprop)
	out := block.Forward(randInput(b, rng, 4, 3))
	assert.Equal(t, tensor.Shape{4, 3, 1}, out.Shape())
	assert.Positive(t, block.LastStats().NF)

	opts.SaveStart = true
	block = nn.NewNeuralODE[adBackend](inner, [2]float64{0, 1}, nil, opts, nn.Backprop)
	assert.Equal(t, tensor.Shape{4, 3, 2}, block.Forward(randInput(b, rng, 4, 3)).Shape())
}

func TestClassifier_ForwardDeterministic(t *testing.T) {
	b := newBackend()
	model := nn.NewClassifier(nn.DefaultClassifierConfig(), rand.New(rand.NewSource(6)), b)
	x := randInput(b, rand.New(rand.NewSource(7)), 28, 28, 1, 8)

	first := model.Forward(x)
	second := model.Forward(x)
	assert.Equal(t, tensor.Shape{10, 8}, first.Shape())
	assert.Equal(t, first.Data(), second.Data())

	// 784·20+20 + (20·10+10) + (10·10+10) + (10·20+20) + 20·10+10
	assert.Equal(t, 16450, nn.NumParams[adBackend](model))
}

// lossAndGrads runs one recorded forward/backward pass of a small ODE model.
func lossAndGrads(t *testing.T, sens nn.Sensitivity, seed int64) (float32, [][]float32) {
	t.Helper()
	b := newBackend()
	rng := rand.New(rand.NewSource(seed))
	cfg := nn.DefaultClassifierConfig()
	cfg.InputFeatures, cfg.Latent, cfg.Hidden, cfg.Classes = 6, 4, 3, 3
	cfg.SolverOpts.RelTol, cfg.SolverOpts.AbsTol = 1e-6, 1e-6
	cfg.Sensitivity = sens
	model := nn.NewClassifier(cfg, rng, b)

	x := randInput(b, rand.New(rand.NewSource(seed+1)), 6, 5)
	y := oneHot(b, 3, 0, 1, 2, 1, 0)

	b.Tape().StartRecording()
	loss := nn.LogitCrossEntropy(model.Forward(x), y)
	grads := autodiff.Backward(loss, b)

	params := model.Parameters()
	nn.CollectGrads(params, grads)
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = p.Grad().Data()
	}
	return loss.Item(), out
}

func TestNeuralODE_AdjointMatchesBackprop(t *testing.T) {
	l1, g1 := lossAndGrads(t, nn.Backprop, 11)
	l2, g2 := lossAndGrads(t, nn.Adjoint, 11)

	assert.InDelta(t, l1, l2, 1e-5)
	require.Len(t, g2, len(g1))
	for i := range g1 {
		assert.InDeltaSlice(t, g1[i], g2[i], 1e-3, "parameter %d", i)
	}
}

func TestNeuralODE_GradientMatchesFiniteDifferences(t *testing.T) {
	b := newBackend()
	rng := rand.New(rand.NewSource(21))
	inner := nn.NewDense(3, 3, nn.ActTanh, rng, b)
	opts := ode.Options{RelTol: 1e-6, AbsTol: 1e-6}
	block := nn.NewNeuralODE[adBackend](inner, [2]float64{0, 1}, nil, opts, nn.Backprop)

	x0 := []float32{0.5, -0.3, 0.8}
	b.Tape().StartRecording()
	x, err := tensor.FromSlice(append([]float32(nil), x0...), tensor.Shape{3, 1}, b)
	require.NoError(t, err)
	out := block.Forward(x)
	grads := autodiff.Backward(out.Mul(out).Sum(), b)
	got := grads[x.Raw()].AsFloat32()
	b.Tape().StopRecording()
	b.Tape().Clear()

	eval := func(p []float64) float64 {
		data := make([]float32, len(p))
		for i, v := range p {
			data[i] = float32(v)
		}
		xt, _ := tensor.FromSlice(data, tensor.Shape{3, 1}, b)
		o := block.Forward(xt)
		return float64(o.Mul(o).Sum().Item())
	}
	want := fd.Gradient(nil, eval, []float64{0.5, -0.3, 0.8}, &fd.Settings{Formula: fd.Central, Step: 1e-2})
	for i := range want {
		assert.InDelta(t, want[i], float64(got[i]), 1e-2, "component %d", i)
	}
}

func TestNeuralODE_DivergencePanicsWithSolverError(t *testing.T) {
	b := newBackend()
	opts := ode.Options{MaxIters: 2}
	inner := nn.NewDense(2, 2, nn.ActNone, rand.New(rand.NewSource(9)), b)
	block := nn.NewNeuralODE[adBackend](inner, [2]float64{0, 100}, nil, opts, nn.Backprop)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ode.ErrMaxIters)
	}()
	block.Forward(tensor.Ones[float32](tensor.Shape{2, 1}, b))
}
