package cpu

import "github.com/born-ml/neuralode/internal/tensor"

type binaryOp int

const (
	opAdd binaryOp = iota
	opSub
	opMul
	opDiv
)

// binaryFloat32 applies op to equally shaped operands.
func binaryFloat32(op binaryOp, out, a, b []float32) {
	switch op {
	case opAdd:
		for i := range out {
			out[i] = a[i] + b[i]
		}
	case opSub:
		for i := range out {
			out[i] = a[i] - b[i]
		}
	case opMul:
		for i := range out {
			out[i] = a[i] * b[i]
		}
	case opDiv:
		for i := range out {
			out[i] = a[i] / b[i]
		}
	}
}

// binaryBroadcastFloat32 applies op with NumPy broadcasting. Broadcast
// dimensions get a zero stride so both operands are walked in output order.
func binaryBroadcastFloat32(op binaryOp, out, a, b []float32, aShape, bShape, outShape tensor.Shape) {
	as := broadcastStrides(aShape, outShape)
	bs := broadcastStrides(bShape, outShape)
	ndim := len(outShape)
	idx := make([]int, ndim)
	ai, bi := 0, 0
	for i := range out {
		x, y := a[ai], b[bi]
		switch op {
		case opAdd:
			out[i] = x + y
		case opSub:
			out[i] = x - y
		case opMul:
			out[i] = x * y
		case opDiv:
			out[i] = x / y
		}
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			ai += as[d]
			bi += bs[d]
			if idx[d] < outShape[d] {
				break
			}
			ai -= as[d] * outShape[d]
			bi -= bs[d] * outShape[d]
			idx[d] = 0
		}
	}
}

// broadcastStrides returns the strides of in aligned to out, zero where in is broadcast.
func broadcastStrides(in, out tensor.Shape) []int {
	strides := make([]int, len(out))
	inStrides := in.ComputeStrides()
	offset := len(out) - len(in)
	for i := range out {
		j := i - offset
		if j < 0 || in[j] == 1 {
			continue
		}
		strides[i] = inStrides[j]
	}
	return strides
}
