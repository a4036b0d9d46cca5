package nn

import (
	"fmt"

	"github.com/born-ml/neuralode/internal/autodiff/ops"
	"github.com/born-ml/neuralode/internal/tensor"
)

// LogitCrossEntropyBackend is implemented by backends that record the fused
// softmax cross-entropy (autodiff.AutodiffBackend).
type LogitCrossEntropyBackend interface {
	LogitCrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor
}

// LogitCrossEntropy computes -Σ y·log_softmax(logits) / N over the class
// axis 0. logits and targets are [classes, N]; the result is a scalar.
//
// On plain backends the loss is evaluated without gradient tracking.
func LogitCrossEntropy[B tensor.Backend](logits, targets *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := logits.Backend()
	if ce, ok := any(backend).(LogitCrossEntropyBackend); ok {
		return tensor.New[float32](ce.LogitCrossEntropy(logits.Raw(), targets.Raw()), backend)
	}
	return tensor.New[float32](ops.NewLogitCrossEntropyOp(logits.Raw(), targets.Raw()).Output(), backend)
}

// Accuracy returns the fraction of columns whose arg-max in scores matches
// the arg-max in onehot. Both are [classes, N].
func Accuracy[B tensor.Backend](scores, onehot *tensor.Tensor[float32, B]) float64 {
	correct, n := CountCorrect(scores, onehot)
	if n == 0 {
		return 0
	}
	return float64(correct) / float64(n)
}

// CountCorrect returns the number of matching arg-max columns and the number
// of columns.
func CountCorrect[B tensor.Backend](scores, onehot *tensor.Tensor[float32, B]) (correct, n int) {
	if !scores.Shape().Equal(onehot.Shape()) || len(scores.Shape()) != 2 {
		panic(fmt.Sprintf("accuracy: shapes %v and %v must match and be [classes, N]", scores.Shape(), onehot.Shape()))
	}
	pred := scores.Argmax(0).Raw().AsInt32()
	want := onehot.Argmax(0).Raw().AsInt32()
	for i := range pred {
		if pred[i] == want[i] {
			correct++
		}
	}
	return correct, len(pred)
}
