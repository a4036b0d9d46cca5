package ops

import "github.com/born-ml/neuralode/internal/tensor"

// MatMulOp represents output = op(a) @ op(b), where op transposes its
// operand when the corresponding flag is set.
//
// Backward for the plain case:
//   - grad_a = outputGrad @ bᵀ
//   - grad_b = aᵀ @ outputGrad
//
// The transposed cases follow from (XY)ᵀ = YᵀXᵀ and never materialize a
// transposed copy when the backend multiplies transposed operands directly.
type MatMulOp struct {
	binary
	transA, transB bool
}

// NewMatMulOp creates a new MatMulOp for a @ b.
func NewMatMulOp(a, b, output *tensor.RawTensor) *MatMulOp {
	return &MatMulOp{binary: newBinary(a, b, output)}
}

// NewMatMulTransposedOp creates a MatMulOp for op(a) @ op(b).
func NewMatMulTransposedOp(a, b, output *tensor.RawTensor, transA, transB bool) *MatMulOp {
	return &MatMulOp{binary: newBinary(a, b, output), transA: transA, transB: transB}
}

// Backward computes input gradients for matrix multiplication.
func (op *MatMulOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	a, b := op.inputs[0], op.inputs[1]
	g := outputGrad

	var gradA, gradB *tensor.RawTensor
	switch {
	case !op.transA && !op.transB:
		gradA = matmulT(backend, g, b, false, true)
	case !op.transA && op.transB:
		gradA = matmulT(backend, g, b, false, false)
	case op.transA && !op.transB:
		gradA = matmulT(backend, b, g, false, true)
	default:
		gradA = matmulT(backend, b, g, true, true)
	}

	switch {
	case !op.transB && !op.transA:
		gradB = matmulT(backend, a, g, true, false)
	case !op.transB && op.transA:
		gradB = matmulT(backend, a, g, false, false)
	case op.transB && !op.transA:
		gradB = matmulT(backend, g, a, true, false)
	default:
		gradB = matmulT(backend, g, a, true, true)
	}

	return []*tensor.RawTensor{gradA, gradB}
}
