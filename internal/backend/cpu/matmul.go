package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/neuralode/internal/tensor"
)

// MatMul performs matrix multiplication: (M, K) @ (K, N) -> (M, N).
// The product is computed by gonum's SGEMM.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.MatMulTransposed(a, b, false, false)
}

// MatMulTransposed computes op(a) @ op(b) where op transposes its operand when
// the matching flag is set. Backward passes use it to avoid materialising
// transposed copies.
func (cpu *CPUBackend) MatMulTransposed(a, b *tensor.RawTensor, transA, transB bool) *tensor.RawTensor {
	aShape, bShape := a.Shape(), b.Shape()
	if len(aShape) != 2 || len(bShape) != 2 {
		panic(fmt.Sprintf("matmul: only 2D tensors supported, got %dD and %dD", len(aShape), len(bShape)))
	}
	requireFloat32("matmul", a)
	requireFloat32("matmul", b)

	m, k := aShape[0], aShape[1]
	if transA {
		m, k = k, m
	}
	kAlt, n := bShape[0], bShape[1]
	if transB {
		kAlt, n = n, kAlt
	}
	if k != kAlt {
		panic(fmt.Sprintf("matmul: shape mismatch %v%s @ %v%s", aShape, tSuffix(transA), bShape, tSuffix(transB)))
	}

	result, err := tensor.NewRaw(tensor.Shape{m, n}, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("matmul: failed to create result tensor: %v", err))
	}

	blas32.Gemm(blasTranspose(transA), blasTranspose(transB), 1,
		general(a), general(b), 0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: result.AsFloat32()})
	return result
}

func general(t *tensor.RawTensor) blas32.General {
	shape := t.Shape()
	return blas32.General{Rows: shape[0], Cols: shape[1], Stride: shape[1], Data: t.AsFloat32()}
}

func blasTranspose(trans bool) blas.Transpose {
	if trans {
		return blas.Trans
	}
	return blas.NoTrans
}

func tSuffix(trans bool) string {
	if trans {
		return "ᵀ"
	}
	return ""
}
