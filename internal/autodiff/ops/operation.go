// Package ops defines the differentiable operations recorded on a gradient tape.
//
// Each operation keeps its inputs and output from the forward pass and maps
// an output gradient to input gradients in Backward:
//   - AddOp, SubOp, MulOp, DivOp: element-wise arithmetic with broadcasting
//   - MatMulOp: d(A@B)/dA = grad@Bᵀ, d(A@B)/dB = Aᵀ@grad
//   - ReshapeOp, TransposeOp, CatOp: layout changes
//   - MulScalarOp, AddScalarOp, ExpOp, LogOp: element-wise math
//   - TanhOp, ReLUOp, SigmoidOp: activations
//   - SumOp, SumDimOp: reductions
//   - LogitCrossEntropyOp: softmax cross-entropy against one-hot targets
package ops

import "github.com/born-ml/neuralode/internal/tensor"

// Operation represents a differentiable operation in the computation graph.
type Operation interface {
	// Backward computes gradients for inputs given the output gradient.
	// The result is parallel to Inputs(); nil entries carry no gradient.
	Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}

// unary is embedded by single-input operations.
type unary struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// Inputs returns the single input tensor.
func (u unary) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{u.input}
}

// Output returns the output tensor.
func (u unary) Output() *tensor.RawTensor {
	return u.output
}

// binary is embedded by two-input operations.
type binary struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

func newBinary(a, b, output *tensor.RawTensor) binary {
	return binary{inputs: []*tensor.RawTensor{a, b}, output: output}
}

// Inputs returns the input tensors [a, b].
func (o binary) Inputs() []*tensor.RawTensor {
	return o.inputs
}

// Output returns the output tensor.
func (o binary) Output() *tensor.RawTensor {
	return o.output
}
