// Package train runs the optimization loop: a Trainer executes one gradient
// step per batch, and a Loop drives it over a Dataset while calling hooks
// registered by tools such as the accuracy report or the progress bar.
package train

import (
	"context"
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/neuralode/internal/autodiff"
	"github.com/born-ml/neuralode/internal/data"
	"github.com/born-ml/neuralode/internal/tensor"
)

// Dataset yields minibatches until io.EOF marks the end of an epoch.
// data.Loader implements it.
type Dataset[B tensor.Backend] interface {
	Name() string
	Reset()
	Yield() (data.Batch[B], error)
	NumBatches() int
}

// Priority for hooks, the lowest values are run first.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn[B autodiff.BackwardCapable] func(loop *Loop[B], ds Dataset[B]) error

// OnStepFn is the type of OnStep hooks, called with the batch loss.
type OnStepFn[B autodiff.BackwardCapable] func(loop *Loop[B], loss float32) error

// OnEndFn is the type of OnEnd hooks, called with the last batch loss.
type OnEndFn[B autodiff.BackwardCapable] func(loop *Loop[B], loss float32) error

// Loop runs a training loop, invoking Trainer.TrainStep every step and
// calling the registered hooks.
//
// The public attributes are meant for reading only.
type Loop[B autodiff.BackwardCapable] struct {
	Trainer *Trainer[B]

	// LoopStep is the step being executed, counting from 0 across runs.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one past the last step of the current run.
	EndStep int

	// Epoch is the epoch being run, starting from 0.
	Epoch int

	// TrainStepDurations collected during the current run.
	TrainStepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn[B]]]
	onStep  *priorityHooks[*hookWithName[OnStepFn[B]]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn[B]]]
}

// NewLoop creates a new training loop for trainer.
func NewLoop[B autodiff.BackwardCapable](trainer *Trainer[B]) *Loop[B] {
	return &Loop[B]{
		Trainer: trainer,
		onStart: newPriorityHooks[*hookWithName[OnStartFn[B]]](),
		onStep:  newPriorityHooks[*hookWithName[OnStepFn[B]]](),
		onEnd:   newPriorityHooks[*hookWithName[OnEndFn[B]]](),
	}
}

func (loop *Loop[B]) start(ds Dataset[B]) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs one train step and the OnStep hooks.
func (loop *Loop[B]) step(batch data.Batch[B]) (loss float32, err error) {
	startTime := time.Now()
	defer func() {
		elapsed := time.Since(startTime)
		loop.TrainStepDurations = append(loop.TrainStepDurations, elapsed)
		klog.V(2).Infof("step %d: loss=%g in %s", loop.LoopStep, loss, elapsed)
	}()

	loss, err = loop.Trainer.TrainStep(batch)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(float64(loss)) {
		return loss, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(float64(loss), 0) {
		return loss, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, loss); err != nil {
			return loss, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return loss, nil
}

func (loop *Loop[B]) end(loss float32) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs steps training steps. When the dataset reaches its end, it
// is Reset and a new epoch begins.
func (loop *Loop[B]) RunSteps(ctx context.Context, ds Dataset[B], steps int) (loss float32, err error) {
	if steps <= 0 {
		return 0, errors.Errorf("Loop.RunSteps(%d): number of steps must be positive", steps)
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.StartStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	loop.Trainer.SetContext(ctx)
	if err = loop.start(ds); err != nil {
		return 0, err
	}

	yieldsThisEpoch := 0
	for loop.LoopStep < loop.EndStep {
		if err = ctx.Err(); err != nil {
			return loss, errors.Wrapf(err, "Loop.RunSteps(%d): interrupted at LoopStep=%d", steps, loop.LoopStep)
		}
		batch, err := ds.Yield()
		if err == io.EOF {
			if yieldsThisEpoch == 0 {
				return loss, errors.Errorf("Loop.RunSteps(%d): dataset %q yielded no batches", steps, ds.Name())
			}
			ds.Reset()
			loop.Epoch++
			yieldsThisEpoch = 0
			continue
		}
		if err != nil {
			return loss, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from dataset %q", steps, ds.Name())
		}
		yieldsThisEpoch++
		loss, err = loop.step(batch)
		if err != nil {
			return loss, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)", steps, loop.LoopStep)
		}
		loop.LoopStep++
	}

	if err = loop.end(loss); err != nil {
		return loss, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return loss, nil
}

// RunEpochs runs epochs full passes over ds. Dataset.Reset is called after
// each epoch, including the last.
func (loop *Loop[B]) RunEpochs(ctx context.Context, ds Dataset[B], epochs int) (loss float32, err error) {
	if epochs <= 0 {
		return 0, errors.Errorf("Loop.RunEpochs(%d): number of epochs must be positive", epochs)
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.StartStep + epochs*ds.NumBatches()
	loop.TrainStepDurations = make([]time.Duration, 0, loop.EndStep-loop.StartStep)
	loop.Trainer.SetContext(ctx)
	if err = loop.start(ds); err != nil {
		return 0, err
	}

	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		for {
			if err = ctx.Err(); err != nil {
				return loss, errors.Wrapf(err, "Loop.RunEpochs(%d): interrupted at LoopStep=%d", epochs, loop.LoopStep)
			}
			batch, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return loss, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from dataset %q",
					loop.Epoch, epochs, ds.Name())
			}
			loss, err = loop.step(batch)
			if err != nil {
				return loss, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep(LoopStep=%d)", epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
		klog.V(1).Infof("epoch %d of %d done at step %d", loop.Epoch+1, epochs, loop.LoopStep)
	}

	if err = loop.end(loss); err != nil {
		return loss, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return loss, nil
}

// MedianTrainStepDuration returns the median duration of the training steps
// of the last run, or 1 millisecond if none was recorded.
func (loop *Loop[B]) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to
// the start of a run.
func (loop *Loop[B]) OnStart(name string, priority Priority, fn OnStartFn[B]) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn[B]]{name: name, fn: fn})
}

// OnStep adds a hook called after each Trainer.TrainStep.
func (loop *Loop[B]) OnStep(name string, priority Priority, fn OnStepFn[B]) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn[B]]{name: name, fn: fn})
}

// OnEnd adds a hook called after the last step of a run.
func (loop *Loop[B]) OnEnd(name string, priority Priority, fn OnEndFn[B]) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn[B]]{name: name, fn: fn})
}

type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All iterates over the hooks in priority order, then insertion order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
