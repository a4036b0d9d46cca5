package ops

import "github.com/born-ml/neuralode/internal/tensor"

// SumOp represents output = Σ input (scalar).
//
// Backward broadcasts the scalar gradient to the input shape.
type SumOp struct{ unary }

// NewSumOp creates a new SumOp.
func NewSumOp(input, output *tensor.RawTensor) *SumOp {
	return &SumOp{unary{input: input, output: output}}
}

// Backward fills the input shape with the upstream scalar.
func (op *SumOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	g := outputGrad.AsFloat32()[0]
	return []*tensor.RawTensor{fill(op.input.Shape(), g, outputGrad.Device())}
}

// SumDimOp represents a sum along one dimension.
//
// Backward expands the gradient back along the reduced dimension.
type SumDimOp struct {
	unary
	dim     int
	keepDim bool
}

// NewSumDimOp creates a new SumDimOp. dim must already be normalized.
func NewSumDimOp(input, output *tensor.RawTensor, dim int, keepDim bool) *SumDimOp {
	return &SumDimOp{unary: unary{input: input, output: output}, dim: dim, keepDim: keepDim}
}

// Backward broadcasts the gradient over the reduced dimension.
func (op *SumDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	grad := outputGrad
	if !op.keepDim {
		grad = backend.Unsqueeze(grad, op.dim)
	}
	zeros := tensor.MustNewRaw(op.input.Shape(), tensor.Float32, outputGrad.Device())
	return []*tensor.RawTensor{backend.Add(zeros, grad)}
}

func fill(shape tensor.Shape, value float32, device tensor.Device) *tensor.RawTensor {
	t := tensor.MustNewRaw(shape, tensor.Float32, device)
	data := t.AsFloat32()
	for i := range data {
		data[i] = value
	}
	return t
}
