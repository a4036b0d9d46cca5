package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/neuralode/internal/tensor"
)

// Linear implements a fully connected layer: y = W·x + b.
//
//   - x has shape [in_features, batch]
//   - W has shape [out_features, in_features] (Xavier uniform)
//   - b has shape [out_features, 1] (zeros), broadcast over the batch
//   - y has shape [out_features, batch]
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B]
	bias        *Parameter[B]
}

// NewLinear creates a new Linear layer drawing its weights from rng.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, rng *rand.Rand, backend B) *Linear[B] {
	weight := Xavier(inFeatures, outFeatures, tensor.Shape{outFeatures, inFeatures}, rng, backend)
	bias := Zeros(tensor.Shape{outFeatures, 1}, backend)
	return &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", weight),
		bias:        NewParameter("bias", bias),
	}
}

// Forward computes W·x + b.
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("Linear.Forward: expected 2D input [features, batch], got shape %v", shape))
	}
	if shape[0] != l.inFeatures {
		panic(fmt.Sprintf("Linear.Forward: expected input with %d features, got %d", l.inFeatures, shape[0]))
	}
	return l.weight.Tensor().MatMul(input).Add(l.bias.Tensor())
}

// Parameters returns [weight, bias].
func (l *Linear[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{l.weight, l.bias}
}

// Weight returns the weight parameter.
func (l *Linear[B]) Weight() *Parameter[B] {
	return l.weight
}

// Bias returns the bias parameter.
func (l *Linear[B]) Bias() *Parameter[B] {
	return l.bias
}

// InFeatures returns the number of input features.
func (l *Linear[B]) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the number of output features.
func (l *Linear[B]) OutFeatures() int {
	return l.outFeatures
}

// Dense is a Linear layer followed by an element-wise activation.
type Dense[B tensor.Backend] struct {
	*Linear[B]
	act Activation
}

// NewDense creates a Linear layer with the given activation.
func NewDense[B tensor.Backend](inFeatures, outFeatures int, act Activation, rng *rand.Rand, backend B) *Dense[B] {
	return &Dense[B]{Linear: NewLinear(inFeatures, outFeatures, rng, backend), act: act}
}

// Forward computes act(W·x + b).
func (d *Dense[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return applyActivation(d.act, d.Linear.Forward(input))
}

// Activation returns the layer's activation.
func (d *Dense[B]) Activation() Activation {
	return d.act
}

// Flatten collapses every axis except the last (the batch axis):
// [d1, ..., dk, N] -> [d1·...·dk, N].
type Flatten[B tensor.Backend] struct{}

// NewFlatten creates a Flatten module.
func NewFlatten[B tensor.Backend]() *Flatten[B] {
	return &Flatten[B]{}
}

// Forward reshapes input to [features, batch].
func (f *Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("Flatten.Forward: expected at least 2D input, got shape %v", shape))
	}
	n := shape[len(shape)-1]
	return input.Reshape(input.NumElements()/n, n)
}

// Parameters returns nil.
func (f *Flatten[B]) Parameters() []*Parameter[B] {
	return nil
}
