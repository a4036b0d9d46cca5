package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/neuralode/internal/tensor"
)

// Xavier (Glorot) uniform initialization:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))).
func Xavier[B tensor.Backend](fanIn, fanOut int, shape tensor.Shape, rng *rand.Rand, backend B) *tensor.Tensor[float32, B] {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return tensor.RandUniform[float32](shape, -bound, bound, rng, backend)
}

// Zeros creates a tensor filled with zeros. Used for biases.
func Zeros[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](shape, backend)
}
