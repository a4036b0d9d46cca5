package ops

import "github.com/born-ml/neuralode/internal/tensor"

// ReshapeOp records a reshape (or unsqueeze) for autodiff.
//
// Backward reshapes the output gradient back to the input shape.
type ReshapeOp struct {
	unary
	origShape tensor.Shape
}

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(input, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{
		unary:     unary{input: input, output: output},
		origShape: input.Shape().Clone(),
	}
}

// Backward reshapes the gradient to the original input shape.
func (op *ReshapeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(outputGrad, op.origShape)}
}

// TransposeOp represents output = transpose(input, axes).
//
// The gradient of transpose is transpose with the inverse permutation.
type TransposeOp struct {
	unary
	axes []int
}

// NewTransposeOp creates a new TransposeOp.
func NewTransposeOp(input, output *tensor.RawTensor, axes []int) *TransposeOp {
	return &TransposeOp{unary: unary{input: input, output: output}, axes: axes}
}

// Backward transposes the gradient with the inverse axes.
func (op *TransposeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inverse := make([]int, len(op.axes))
	for i, ax := range op.axes {
		inverse[ax] = i
	}
	return []*tensor.RawTensor{backend.Transpose(outputGrad, inverse...)}
}

// CatOp represents concatenation along a dimension.
//
// Backward splits the output gradient at the input boundaries.
type CatOp struct {
	inputs []*tensor.RawTensor
	dim    int
	output *tensor.RawTensor
}

// NewCatOp creates a new CatOp. dim must already be normalized.
func NewCatOp(inputs []*tensor.RawTensor, dim int, output *tensor.RawTensor) *CatOp {
	return &CatOp{inputs: inputs, dim: dim, output: output}
}

// Inputs returns the concatenated tensors.
func (op *CatOp) Inputs() []*tensor.RawTensor {
	return op.inputs
}

// Output returns the output tensor.
func (op *CatOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward slices the gradient for each input.
func (op *CatOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	shape := outputGrad.Shape()
	outer := 1
	for _, d := range shape[:op.dim] {
		outer *= d
	}
	inner := 1
	for _, d := range shape[op.dim+1:] {
		inner *= d
	}
	rowLen := shape[op.dim] * inner
	src := outputGrad.AsFloat32()

	grads := make([]*tensor.RawTensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		block := in.Shape()[op.dim] * inner
		grad := tensor.MustNewRaw(in.Shape(), tensor.Float32, outputGrad.Device())
		dst := grad.AsFloat32()
		for o := 0; o < outer; o++ {
			copy(dst[o*block:(o+1)*block], src[o*rowLen+offset:o*rowLen+offset+block])
		}
		offset += block
		grads[i] = grad
	}
	return grads
}
