package train

import (
	"fmt"

	"github.com/born-ml/neuralode/internal/autodiff"
)

type everyNSteps[B autodiff.BackwardCapable] struct {
	n, count int
	fn       OnStepFn[B]
}

func (eN *everyNSteps[B]) onStep(loop *Loop[B], loss float32) error {
	eN.count++
	if (eN.count-1)%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, loss)
}

// EveryNSteps registers an OnStep hook that calls fn on the 1st step and
// every n steps after it: steps 1, n+1, 2n+1, ... counting from 1.
func EveryNSteps[B autodiff.BackwardCapable](loop *Loop[B], n int, name string, priority Priority, fn OnStepFn[B]) {
	if n <= 0 {
		n = 1
	}
	eN := &everyNSteps[B]{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, eN.onStep)
}
