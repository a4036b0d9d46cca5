// Package nn implements the neural network modules of the classifier.
//
// Tensors are laid out features-first with samples on the last axis, so a
// batch of B vectors of width F has shape [F, B] and a dense layer computes
// y = W·x + b with W of shape [out, in].
//
// This package provides:
//   - Module interface and Parameter
//   - Linear and Dense layers, Flatten, Sequential
//   - Activations: Tanh, ReLU, Sigmoid
//   - NeuralODE: a continuous-depth block integrated with package ode
//   - LogitCrossEntropy loss and Accuracy
package nn

import "github.com/born-ml/neuralode/internal/tensor"

// Module is the base interface for all neural network components.
//
// Modules can be composed to build complex architectures:
//
//	model := nn.NewSequential[B](
//	    nn.NewFlatten[B](),
//	    nn.NewDense(784, 20, nn.ActTanh, rng, backend),
//	    nn.NewDense(20, 10, nn.ActNone, rng, backend),
//	)
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters of this module, including
	// those of nested modules. Parameter-free modules return nil.
	Parameters() []*Parameter[B]
}

// NumParams counts the scalar parameters of m.
func NumParams[B tensor.Backend](m Module[B]) int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}
