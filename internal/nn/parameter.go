package nn

import "github.com/born-ml/neuralode/internal/tensor"

// Parameter represents a trainable parameter in a neural network.
//
// The optimizer updates the tensor's storage in place, so the RawTensor
// identity of a parameter is stable across training steps and can be used to
// look up its gradient in the map returned by autodiff.Backward.
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
	grad   *tensor.Tensor[float32, B]
}

// NewParameter creates a new trainable parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// Grad returns the gradient tensor, or nil before the first backward pass.
func (p *Parameter[B]) Grad() *tensor.Tensor[float32, B] {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter[B]) SetGrad(grad *tensor.Tensor[float32, B]) {
	p.grad = grad
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter[B]) ZeroGrad() {
	p.grad = nil
}

// CollectGrads copies gradients from a tape gradient map onto params.
// Parameters without an entry get a zero gradient.
func CollectGrads[B tensor.Backend](params []*Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) {
	for _, p := range params {
		raw := p.tensor.Raw()
		if g, ok := grads[raw]; ok {
			p.grad = tensor.New[float32](g, p.tensor.Backend())
		} else {
			p.grad = tensor.Zeros[float32](raw.Shape(), p.tensor.Backend())
		}
	}
}
