package train

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/data"
	"github.com/born-ml/neuralode/internal/nn"
	"github.com/born-ml/neuralode/internal/optim"
)

// contextSetter is implemented by models whose forward pass can block, such
// as nn.Classifier with its ODE integration.
type contextSetter interface {
	SetContext(ctx context.Context)
}

// Trainer performs one optimization step per batch: forward, logit
// cross-entropy loss, backward through the tape, optimizer update.
type Trainer[B autodiff.BackwardCapable] struct {
	model   nn.Module[B]
	opt     optim.Optimizer
	backend B
	params  []*nn.Parameter[B]

	lastGradNorm float64
}

// NewTrainer creates a trainer for model. opt must have been created over
// model.Parameters().
func NewTrainer[B autodiff.BackwardCapable](model nn.Module[B], opt optim.Optimizer, backend B) *Trainer[B] {
	return &Trainer[B]{
		model:   model,
		opt:     opt,
		backend: backend,
		params:  model.Parameters(),
	}
}

// Model returns the model being trained.
func (t *Trainer[B]) Model() nn.Module[B] {
	return t.model
}

// Optimizer returns the optimizer.
func (t *Trainer[B]) Optimizer() optim.Optimizer {
	return t.opt
}

// LastGradNorm returns the global L2 norm of the gradients of the last step.
func (t *Trainer[B]) LastGradNorm() float64 {
	return t.lastGradNorm
}

// SetContext forwards ctx to the model when it accepts one.
func (t *Trainer[B]) SetContext(ctx context.Context) {
	if cs, ok := t.model.(contextSetter); ok {
		cs.SetContext(ctx)
	}
}

// TrainStep runs one gradient step on batch and returns the batch loss.
// Panics raised while building the computation (shape mismatches, integrator
// failures) are returned as errors and leave the parameters untouched.
func (t *Trainer[B]) TrainStep(batch data.Batch[B]) (loss float32, err error) {
	tape := t.backend.GetTape()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()
	err = catch(func() {
		tape.Clear()
		tape.StartRecording()
		logits := t.model.Forward(batch.Images)
		lossT := nn.LogitCrossEntropy(logits, batch.Labels)
		loss = lossT.Item()
		grads := autodiff.Backward(lossT, t.backend)
		tape.StopRecording()

		nn.CollectGrads(t.params, grads)
		t.lastGradNorm = gradNorm(t.params)
		t.opt.Step(grads)
		t.opt.ZeroGrad()
	})
	return loss, err
}

func gradNorm[B autodiff.BackwardCapable](params []*nn.Parameter[B]) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.Grad().Data() {
			sum += float64(g) * float64(g)
		}
	}
	return math.Sqrt(sum)
}

// catch runs fn and converts a panic into an error.
func catch(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = errors.WithMessage(e, "panic")
			return
		}
		err = errors.New(fmt.Sprintf("panic: %v", r))
	}()
	fn()
	return nil
}
