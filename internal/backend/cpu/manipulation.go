package cpu

import (
	"fmt"

	"github.com/born-ml/neuralode/internal/tensor"
)

// Cat concatenates tensors along dim.
//
// All tensors must have the same shape except along dim.
// Negative dims count from the end.
//
// Example:
//
//	a := tensor.Zeros[float32](tensor.Shape{20, 128, 1}, backend)
//	b := tensor.Zeros[float32](tensor.Shape{20, 128, 1}, backend)
//	c := backend.Cat([]*tensor.RawTensor{a.Raw(), b.Raw()}, -1) // Shape: [20, 128, 2]
func (cpu *CPUBackend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: at least one tensor required")
	}

	shape := tensors[0].Shape()
	ndim := len(shape)
	dim = tensor.NormalizeDim(dim, ndim)

	totalDim := 0
	for i, t := range tensors {
		requireFloat32("cat", t)
		tShape := t.Shape()
		if len(tShape) != ndim {
			panic(fmt.Sprintf("cat: tensor %d has %d dimensions, expected %d", i, len(tShape), ndim))
		}
		for d := 0; d < ndim; d++ {
			if d == dim {
				totalDim += tShape[d]
			} else if tShape[d] != shape[d] {
				panic(fmt.Sprintf("cat: tensor %d dimension %d is %d, expected %d", i, d, tShape[d], shape[d]))
			}
		}
	}

	outShape := shape.Clone()
	outShape[dim] = totalDim
	result, err := tensor.NewRaw(outShape, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("cat: %v", err))
	}

	outer, _, inner := splitAt(shape, dim)
	dst := result.AsFloat32()
	pos := 0
	for o := 0; o < outer; o++ {
		for _, t := range tensors {
			block := t.Shape()[dim] * inner
			copy(dst[pos:pos+block], t.AsFloat32()[o*block:(o+1)*block])
			pos += block
		}
	}
	return result
}

// Unsqueeze inserts a dimension of size 1 at dim (zero-copy).
// Negative dims count from the end of the result.
func (cpu *CPUBackend) Unsqueeze(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	dim = tensor.NormalizeDim(dim, len(shape)+1)

	newShape := make(tensor.Shape, 0, len(shape)+1)
	newShape = append(newShape, shape[:dim]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, shape[dim:]...)
	return x.View(newShape)
}
