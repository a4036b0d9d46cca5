package cpu

import (
	"fmt"

	"github.com/born-ml/neuralode/internal/parallel"
	"github.com/born-ml/neuralode/internal/tensor"
)

// MulScalar multiplies each element by a scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	s := toFloat32(scalar)
	return cpu.mapFloat32("mulscalar", x, func(v float32) float32 { return v * s })
}

// AddScalar adds a scalar to each element.
func (cpu *CPUBackend) AddScalar(x *tensor.RawTensor, scalar any) *tensor.RawTensor {
	s := toFloat32(scalar)
	return cpu.mapFloat32("addscalar", x, func(v float32) float32 { return v + s })
}

func (cpu *CPUBackend) mapFloat32(op string, x *tensor.RawTensor, fn func(float32) float32) *tensor.RawTensor {
	requireFloat32(op, x)
	result, err := tensor.NewRaw(x.Shape(), tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}
	src, dst := x.AsFloat32(), result.AsFloat32()
	parallel.Range(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = fn(src[i])
		}
	})
	return result
}

func toFloat32(scalar any) float32 {
	switch v := scalar.(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	case int32:
		return float32(v)
	default:
		panic(fmt.Sprintf("scalar: unsupported type %T", scalar))
	}
}
