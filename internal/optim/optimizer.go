// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - Optimizer interface
//   - SGD: Stochastic Gradient Descent with optional momentum
//   - Adam: Adaptive Moment Estimation
//
// Optimizers update parameter storage in place and never touch the gradient
// tape, so a step may run while the tape is still recording.
//
// Example usage:
//
//	opt := optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 0.05})
//
//	backend.Tape().Clear()
//	backend.Tape().StartRecording()
//	loss := nn.LogitCrossEntropy(model.Forward(x), y)
//	grads := autodiff.Backward(loss, backend)
//	opt.Step(grads)
//	opt.ZeroGrad()
package optim

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/nn"
	"github.com/born-ml/neuralode/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters, reading gradients
	// from the map returned by autodiff.Backward. Parameters without a
	// gradient are left untouched.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32
}

// New builds an optimizer by name ("adam" or "sgd").
func New[B tensor.Backend](name string, params []*nn.Parameter[B], lr float32) (Optimizer, error) {
	if lr <= 0 {
		return nil, errors.Errorf("optim: learning rate must be positive, got %g", lr)
	}
	switch strings.ToLower(name) {
	case "adam", "":
		return NewAdam(params, AdamConfig{LR: lr}), nil
	case "sgd":
		return NewSGD(params, SGDConfig{LR: lr}), nil
	case "momentum":
		return NewSGD(params, SGDConfig{LR: lr, Momentum: 0.9}), nil
	}
	return nil, errors.Errorf("optim: unknown optimizer %q (want adam, sgd or momentum)", name)
}

// getGradient returns the gradient of param in grads, or nil when the
// parameter took no part in the computation.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) []float32 {
	g, ok := grads[param.Tensor().Raw()]
	if !ok || g == nil {
		return nil
	}
	return g.AsFloat32()
}
