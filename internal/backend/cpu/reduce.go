package cpu

import (
	"fmt"

	"github.com/born-ml/neuralode/internal/tensor"
)

// Sum reduces all elements to a scalar (shape []).
func (cpu *CPUBackend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("sum", x)
	result, err := tensor.NewRaw(tensor.Shape{}, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("sum: %v", err))
	}
	var total float64
	for _, v := range x.AsFloat32() {
		total += float64(v)
	}
	result.AsFloat32()[0] = float32(total)
	return result
}

// SumDim sums tensor elements along dim.
//
// Negative dims count from the end. With keepDim the reduced dimension stays
// with size 1, otherwise it is removed.
//
// Example:
//
//	x := tensor.Zeros[float32](tensor.Shape{10, 128}, backend)
//	y := backend.SumDim(x.Raw(), 0, true)  // shape: [1, 128]
//	z := backend.SumDim(x.Raw(), -1, false) // shape: [10]
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	requireFloat32("sumdim", x)
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))

	outer, n, inner := splitAt(shape, dim)
	result, err := tensor.NewRaw(reducedShape(shape, dim, keepDim), tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("sumdim: %v", err))
	}

	src, dst := x.AsFloat32(), result.AsFloat32()
	for o := 0; o < outer; o++ {
		out := dst[o*inner : (o+1)*inner]
		for k := 0; k < n; k++ {
			row := src[(o*n+k)*inner : (o*n+k+1)*inner]
			for i, v := range row {
				out[i] += v
			}
		}
	}
	return result
}

// Argmax returns int32 indices of the maximum along dim; dim is removed.
// Ties resolve to the lowest index.
func (cpu *CPUBackend) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	requireFloat32("argmax", x)
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape))

	outer, n, inner := splitAt(shape, dim)
	result, err := tensor.NewRaw(reducedShape(shape, dim, false), tensor.Int32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("argmax: %v", err))
	}

	src, dst := x.AsFloat32(), result.AsInt32()
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			best, bestIdx := src[o*n*inner+i], 0
			for k := 1; k < n; k++ {
				if v := src[(o*n+k)*inner+i]; v > best {
					best, bestIdx = v, k
				}
			}
			dst[o*inner+i] = int32(bestIdx) //nolint:gosec // G115: bounded by the dimension size.
		}
	}
	return result
}

// splitAt views shape as [outer, shape[dim], inner].
func splitAt(shape tensor.Shape, dim int) (outer, n, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}

func reducedShape(shape tensor.Shape, dim int, keepDim bool) tensor.Shape {
	if keepDim {
		out := shape.Clone()
		out[dim] = 1
		return out
	}
	out := make(tensor.Shape, 0, len(shape)-1)
	for i, d := range shape {
		if i != dim {
			out = append(out, d)
		}
	}
	return out
}
