package nn

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/tensor"
)

// Activation selects an element-wise non-linearity.
type Activation int

// Supported activations.
const (
	ActNone Activation = iota
	ActTanh
	ActReLU
	ActSigmoid
)

// String returns the activation name.
func (a Activation) String() string {
	switch a {
	case ActNone:
		return "identity"
	case ActTanh:
		return "tanh"
	case ActReLU:
		return "relu"
	case ActSigmoid:
		return "sigmoid"
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// ParseActivation maps a name ("tanh", "relu", "sigmoid", "identity") to an
// Activation.
func ParseActivation(name string) (Activation, error) {
	switch strings.ToLower(name) {
	case "", "identity", "none":
		return ActNone, nil
	case "tanh":
		return ActTanh, nil
	case "relu":
		return ActReLU, nil
	case "sigmoid":
		return ActSigmoid, nil
	}
	return ActNone, errors.Errorf("unknown activation %q", name)
}

func applyActivation[B tensor.Backend](act Activation, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	switch act {
	case ActTanh:
		return x.Tanh()
	case ActReLU:
		return x.ReLU()
	case ActSigmoid:
		return x.Sigmoid()
	default:
		return x
	}
}

// Tanh is a hyperbolic tangent activation module.
type Tanh[B tensor.Backend] struct{}

// NewTanh creates a new Tanh activation module.
func NewTanh[B tensor.Backend]() *Tanh[B] {
	return &Tanh[B]{}
}

// Forward applies tanh element-wise.
func (m *Tanh[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.Tanh()
}

// Parameters returns nil.
func (m *Tanh[B]) Parameters() []*Parameter[B] {
	return nil
}

// ReLU is a Rectified Linear Unit activation module: f(x) = max(0, x).
type ReLU[B tensor.Backend] struct{}

// NewReLU creates a new ReLU activation module.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return &ReLU[B]{}
}

// Forward applies ReLU element-wise.
func (m *ReLU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.ReLU()
}

// Parameters returns nil.
func (m *ReLU[B]) Parameters() []*Parameter[B] {
	return nil
}

// Sigmoid applies σ(x) = 1 / (1 + exp(-x)).
type Sigmoid[B tensor.Backend] struct{}

// NewSigmoid creates a new Sigmoid activation module.
func NewSigmoid[B tensor.Backend]() *Sigmoid[B] {
	return &Sigmoid[B]{}
}

// Forward applies the sigmoid element-wise.
func (m *Sigmoid[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.Sigmoid()
}

// Parameters returns nil.
func (m *Sigmoid[B]) Parameters() []*Parameter[B] {
	return nil
}
