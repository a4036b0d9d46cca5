package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/neuralode/internal/tensor"
)

// LogitCrossEntropyOp fuses softmax and cross-entropy over the class axis.
//
// Layout is features-first: logits and targets are [classes, batch], and
// targets hold a (possibly soft) distribution per column.
//
// Forward:
//
//	loss = -Σ_{c,n} y[c,n] * log_softmax(z)[c,n] / batch
//
// Backward:
//
//	∂L/∂z[c,n] = g * (softmax(z)[c,n] * Σ_c y[c,n] - y[c,n]) / batch
type LogitCrossEntropyOp struct {
	logits  *tensor.RawTensor
	targets *tensor.RawTensor
	softmax []float32
	output  *tensor.RawTensor
}

// NewLogitCrossEntropyOp evaluates the loss and returns the operation holding
// the scalar result in Output().
func NewLogitCrossEntropyOp(logits, targets *tensor.RawTensor) *LogitCrossEntropyOp {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("logitcrossentropy: logits must be 2D [classes, batch], got %v", shape))
	}
	if !targets.Shape().Equal(shape) {
		panic(fmt.Sprintf("logitcrossentropy: targets shape %v does not match logits %v", targets.Shape(), shape))
	}
	if logits.DType() != tensor.Float32 || targets.DType() != tensor.Float32 {
		panic("logitcrossentropy: only float32 supported")
	}

	classes, batch := shape[0], shape[1]
	z, y := logits.AsFloat32(), targets.AsFloat32()
	softmax := make([]float32, len(z))

	var total float64
	for n := 0; n < batch; n++ {
		maxVal := math.Inf(-1)
		for c := 0; c < classes; c++ {
			maxVal = math.Max(maxVal, float64(z[c*batch+n]))
		}
		var sumExp float64
		for c := 0; c < classes; c++ {
			sumExp += math.Exp(float64(z[c*batch+n]) - maxVal)
		}
		logSumExp := maxVal + math.Log(sumExp)
		for c := 0; c < classes; c++ {
			i := c*batch + n
			logp := float64(z[i]) - logSumExp
			softmax[i] = float32(math.Exp(logp))
			total -= float64(y[i]) * logp
		}
	}

	output := tensor.MustNewRaw(tensor.Shape{}, tensor.Float32, logits.Device())
	output.AsFloat32()[0] = float32(total / float64(batch))

	return &LogitCrossEntropyOp{
		logits:  logits,
		targets: targets,
		softmax: softmax,
		output:  output,
	}
}

// Inputs returns [logits, targets]. Targets receive no gradient.
func (op *LogitCrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.logits, op.targets}
}

// Output returns the scalar loss.
func (op *LogitCrossEntropyOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes the gradient with respect to logits.
func (op *LogitCrossEntropyOp) Backward(outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	shape := op.logits.Shape()
	classes, batch := shape[0], shape[1]
	scale := outputGrad.AsFloat32()[0] / float32(batch)
	y := op.targets.AsFloat32()

	grad := tensor.MustNewRaw(shape, tensor.Float32, op.logits.Device())
	g := grad.AsFloat32()
	for n := 0; n < batch; n++ {
		var mass float32
		for c := 0; c < classes; c++ {
			mass += y[c*batch+n]
		}
		for c := 0; c < classes; c++ {
			i := c*batch + n
			g[i] = scale * (op.softmax[i]*mass - y[i])
		}
	}
	return []*tensor.RawTensor{grad, nil}
}
