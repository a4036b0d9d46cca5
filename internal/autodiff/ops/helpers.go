package ops

import (
	"fmt"

	"github.com/born-ml/neuralode/internal/tensor"
)

// reduceBroadcast reduces a gradient tensor to match the target shape.
// This is necessary when broadcasting was used in the forward pass.
//
// Example:
//
//	Forward: b[20,1] + x[20,128] -> y[20,128]  (b was broadcast along dim 1)
//	Backward: grad_y[20,128] -> grad_b[20,1]   (sum along dim 1)
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	if grad.Shape().Equal(targetShape) {
		return grad
	}

	// Scalar gradients from a scalar loss expand to the full target shape.
	if grad.NumElements() == 1 && targetShape.NumElements() > 1 {
		return fill(targetShape, grad.AsFloat32()[0], grad.Device())
	}

	// Broadcasting aligns from the right: leading extra dims are summed away.
	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = backend.SumDim(result, 0, false)
	}

	for i, dim := range targetShape {
		if dim == 1 && result.Shape()[i] != 1 {
			result = backend.SumDim(result, i, true)
		}
	}

	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// mapGrad builds grad_in[i] = outputGrad[i] * fn(i) without going through the
// backend, for element-wise derivatives known from the forward pass.
func mapGrad(outputGrad *tensor.RawTensor, fn func(i int) float32) *tensor.RawTensor {
	if outputGrad.DType() != tensor.Float32 {
		panic(fmt.Sprintf("backward: unsupported dtype %s (only float32 supported)", outputGrad.DType()))
	}
	result := tensor.MustNewRaw(outputGrad.Shape(), tensor.Float32, outputGrad.Device())
	g, out := outputGrad.AsFloat32(), result.AsFloat32()
	for i := range out {
		out[i] = g[i] * fn(i)
	}
	return result
}

// transposedMatMuler is implemented by backends that multiply transposed
// operands without copying them.
type transposedMatMuler interface {
	MatMulTransposed(a, b *tensor.RawTensor, transA, transB bool) *tensor.RawTensor
}

// matmulT computes op(a) @ op(b), using the backend's transposed entry point
// when it has one.
func matmulT(backend tensor.Backend, a, b *tensor.RawTensor, transA, transB bool) *tensor.RawTensor {
	if tm, ok := backend.(transposedMatMuler); ok {
		return tm.MatMulTransposed(a, b, transA, transB)
	}
	if transA {
		a = backend.Transpose(a, 1, 0)
	}
	if transB {
		b = backend.Transpose(b, 1, 0)
	}
	return backend.MatMul(a, b)
}
