package train

import (
	"io"

	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/nn"
	"github.com/born-ml/neuralode/internal/tensor"
)

// Evaluator measures a model over a dataset without recording gradients.
type Evaluator[B tensor.Backend] struct {
	model nn.Module[B]
}

// NewEvaluator creates an evaluator for model.
func NewEvaluator[B tensor.Backend](model nn.Module[B]) *Evaluator[B] {
	return &Evaluator[B]{model: model}
}

// Accuracy returns the fraction of correctly classified samples over the
// first maxBatches batches of ds, or all of them when maxBatches <= 0.
// ds is Reset before and after.
func (e *Evaluator[B]) Accuracy(ds Dataset[B], maxBatches int) (float64, error) {
	var correct, total int
	err := e.each(ds, maxBatches, func(logits, labels *tensor.Tensor[float32, B]) {
		c, n := nn.CountCorrect(logits, labels)
		correct += c
		total += n
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "accuracy over %q", ds.Name())
	}
	if total == 0 {
		return 0, errors.Errorf("accuracy over %q: dataset is empty", ds.Name())
	}
	return float64(correct) / float64(total), nil
}

// Loss returns the sample-weighted mean logit cross-entropy over the first
// maxBatches batches of ds, or all of them when maxBatches <= 0.
func (e *Evaluator[B]) Loss(ds Dataset[B], maxBatches int) (float64, error) {
	var sum float64
	var total int
	err := e.each(ds, maxBatches, func(logits, labels *tensor.Tensor[float32, B]) {
		n := labels.Shape().Last()
		sum += float64(nn.LogitCrossEntropy(logits, labels).Item()) * float64(n)
		total += n
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "loss over %q", ds.Name())
	}
	if total == 0 {
		return 0, errors.Errorf("loss over %q: dataset is empty", ds.Name())
	}
	return sum / float64(total), nil
}

func (e *Evaluator[B]) each(ds Dataset[B], maxBatches int, fn func(logits, labels *tensor.Tensor[float32, B])) error {
	ds.Reset()
	defer ds.Reset()
	for i := 0; maxBatches <= 0 || i < maxBatches; i++ {
		batch, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = catch(func() {
			logits := noGrad(batch.Images.Backend(), func() *tensor.Tensor[float32, B] {
				return e.model.Forward(batch.Images)
			})
			fn(logits, batch.Labels)
		})
		if err != nil {
			return errors.WithMessagef(err, "batch %d", i)
		}
	}
	return nil
}

// noGrad runs fn with the backend's tape, if any, not recording. Operations
// recorded by fn are discarded.
func noGrad[B tensor.Backend, R any](backend B, fn func() R) R {
	bc, ok := any(backend).(autodiff.BackwardCapable)
	if !ok {
		return fn()
	}
	tape := bc.GetTape()
	restore := tape.Isolate()
	defer restore()
	tape.StopRecording()
	return fn()
}
