package nn

import (
	"context"
	"math/rand"

	"github.com/born-ml/neuralode/internal/ode"
	"github.com/born-ml/neuralode/internal/tensor"
)

// ClassifierConfig describes the Neural ODE image classifier.
type ClassifierConfig struct {
	InputFeatures int // flattened image size, 784 for MNIST
	Latent        int // ODE state width
	Hidden        int // inner network width
	Classes       int

	TSpan       [2]float64
	Solver      *ode.Tableau
	SolverOpts  ode.Options
	Sensitivity Sensitivity
}

// DefaultClassifierConfig returns the MNIST reference architecture:
// 784 -> 20 (tanh) -> ODE[20 -> 10 -> 10 -> 20, tanh] -> 20 -> 10,
// integrated over [0, 1] with Tsit5 at reltol = abstol = 1e-3.
func DefaultClassifierConfig() ClassifierConfig {
	opts := ode.DefaultOptions()
	opts.RelTol, opts.AbsTol = 1e-3, 1e-3
	return ClassifierConfig{
		InputFeatures: 28 * 28,
		Latent:        20,
		Hidden:        10,
		Classes:       10,
		TSpan:         [2]float64{0, 1},
		Solver:        ode.Tsit5(),
		SolverOpts:    opts,
		Sensitivity:   Backprop,
	}
}

// Classifier is flatten -> dense+tanh -> ODE block -> drop time axis ->
// dense. Inputs are images [h, w, c, N]; outputs are logits [classes, N].
type Classifier[B tensor.Backend] struct {
	*Sequential[B]
	ODE *NeuralODE[B]
}

// NewClassifier builds the classifier, drawing initial weights from rng.
func NewClassifier[B tensor.Backend](cfg ClassifierConfig, rng *rand.Rand, backend B) *Classifier[B] {
	inner := NewSequential[B](
		NewDense(cfg.Latent, cfg.Hidden, ActTanh, rng, backend),
		NewDense(cfg.Hidden, cfg.Hidden, ActTanh, rng, backend),
		NewDense(cfg.Hidden, cfg.Latent, ActTanh, rng, backend),
	)
	block := NewNeuralODE[B](inner, cfg.TSpan, cfg.Solver, cfg.SolverOpts, cfg.Sensitivity)

	return &Classifier[B]{
		Sequential: NewSequential[B](
			NewFlatten[B](),
			NewDense(cfg.InputFeatures, cfg.Latent, ActTanh, rng, backend),
			block,
			NewToArray[B](),
			NewDense(cfg.Latent, cfg.Classes, ActNone, rng, backend),
		),
		ODE: block,
	}
}

// SetContext makes the ODE block's integration observe ctx.
func (c *Classifier[B]) SetContext(ctx context.Context) {
	c.ODE.SetContext(ctx)
}
