package ops

import "github.com/born-ml/neuralode/internal/tensor"

// ExpOp represents output = exp(input). Backward: grad * output.
type ExpOp struct{ unary }

// NewExpOp creates a new ExpOp.
func NewExpOp(input, output *tensor.RawTensor) *ExpOp {
	return &ExpOp{unary{input: input, output: output}}
}

// Backward computes grad * exp(x), reusing the forward output.
func (op *ExpOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Mul(outputGrad, op.output)}
}

// LogOp represents output = log(input). Backward: grad / input.
type LogOp struct{ unary }

// NewLogOp creates a new LogOp.
func NewLogOp(input, output *tensor.RawTensor) *LogOp {
	return &LogOp{unary{input: input, output: output}}
}

// Backward computes grad / x.
func (op *LogOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Div(outputGrad, op.input)}
}

// TanhOp represents output = tanh(input).
//
// Backward: grad * (1 - tanh²(x)), using the stored output.
type TanhOp struct{ unary }

// NewTanhOp creates a new TanhOp.
func NewTanhOp(input, output *tensor.RawTensor) *TanhOp {
	return &TanhOp{unary{input: input, output: output}}
}

// Backward computes grad * (1 - y²).
func (op *TanhOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	y := op.output.AsFloat32()
	return []*tensor.RawTensor{mapGrad(outputGrad, func(i int) float32 {
		return 1 - y[i]*y[i]
	})}
}

// ReLUOp represents output = max(0, input).
type ReLUOp struct{ unary }

// NewReLUOp creates a new ReLUOp.
func NewReLUOp(input, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{unary{input: input, output: output}}
}

// Backward passes the gradient where the input was positive.
func (op *ReLUOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	x := op.input.AsFloat32()
	return []*tensor.RawTensor{mapGrad(outputGrad, func(i int) float32 {
		if x[i] > 0 {
			return 1
		}
		return 0
	})}
}

// SigmoidOp represents output = σ(input).
//
// Backward: grad * σ(x) * (1 - σ(x)).
type SigmoidOp struct{ unary }

// NewSigmoidOp creates a new SigmoidOp.
func NewSigmoidOp(input, output *tensor.RawTensor) *SigmoidOp {
	return &SigmoidOp{unary{input: input, output: output}}
}

// Backward computes grad * y * (1 - y).
func (op *SigmoidOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	y := op.output.AsFloat32()
	return []*tensor.RawTensor{mapGrad(outputGrad, func(i int) float32 {
		return y[i] * (1 - y[i])
	})}
}
