package autodiff

import (
	"github.com/born-ml/neuralode/internal/autodiff/ops"
	"github.com/born-ml/neuralode/internal/tensor"
)

// GradientTape records operations during the forward pass and computes
// gradients during the backward pass using reverse-mode automatic differentiation.
//
// Usage:
//
//	tape := NewGradientTape()
//	tape.StartRecording()
//	// ... perform operations ...
//	gradients := tape.Backward(outputGrad, backend)
//
// A tape is not safe for concurrent use.
type GradientTape struct {
	operations []ops.Operation // in execution order
	recording  bool
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{
		operations: make([]ops.Operation, 0, 64),
	}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape is currently recording operations.
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// Record adds an operation to the tape if the tape is recording.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear removes all recorded operations. Recording state is preserved.
func (t *GradientTape) Clear() {
	clear(t.operations)
	t.operations = t.operations[:0]
}

// Mark returns the current tape position for a later Rewind.
func (t *GradientTape) Mark() int {
	return len(t.operations)
}

// Rewind drops every operation recorded after mark. Used to discard work
// that should not contribute to gradients, such as rejected solver steps.
func (t *GradientTape) Rewind(mark int) {
	if mark < 0 || mark > len(t.operations) {
		return
	}
	clear(t.operations[mark:])
	t.operations = t.operations[:mark]
}

// Isolate swaps in an empty operation list with recording enabled. The
// returned function restores the previous operations and recording state.
//
// Used to differentiate a sub-computation while an outer backward pass is
// walking the tape.
func (t *GradientTape) Isolate() (restore func()) {
	saved, wasRecording := t.operations, t.recording
	t.operations = make([]ops.Operation, 0, 16)
	t.recording = true
	return func() {
		t.operations, t.recording = saved, wasRecording
	}
}

// NumOps returns the number of recorded operations.
func (t *GradientTape) NumOps() int {
	return len(t.operations)
}

// Backward computes gradients seeded at the output of the last recorded
// operation. Returns an empty map when nothing was recorded.
func (t *GradientTape) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	if len(t.operations) == 0 {
		return make(map[*tensor.RawTensor]*tensor.RawTensor)
	}
	return t.BackwardFrom(t.operations[len(t.operations)-1].Output(), outputGrad, backend)
}

// BackwardFrom computes gradients of every recorded tensor with respect to
// output, seeded with outputGrad (a vector-Jacobian product).
//
// Algorithm:
//  1. Seed grads[output] with outputGrad
//  2. Walk operations in reverse order
//  3. For each operation with a known output gradient, apply its Backward
//  4. Accumulate gradients when a tensor feeds several operations
//
// Returns a map from RawTensor to its accumulated gradient.
func (t *GradientTape) BackwardFrom(output, outputGrad *tensor.RawTensor, backend tensor.Backend) map[*tensor.RawTensor]*tensor.RawTensor {
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor)
	grads[output] = outputGrad

	// Operations may call back into the tape (e.g. through Isolate), so walk
	// a snapshot with recording off.
	operations := append([]ops.Operation(nil), t.operations...)
	wasRecording := t.recording
	t.recording = false
	defer func() {
		t.recording = wasRecording
	}()

	for i := len(operations) - 1; i >= 0; i-- {
		op := operations[i]
		opGrad, ok := grads[op.Output()]
		if !ok {
			continue
		}
		inputGrads := op.Backward(opGrad, backend)
		accumulateGrads(op.Inputs(), inputGrads, grads, backend)
	}

	return grads
}

func accumulateGrads(
	inputs []*tensor.RawTensor,
	inputGrads []*tensor.RawTensor,
	grads map[*tensor.RawTensor]*tensor.RawTensor,
	backend tensor.Backend,
) {
	for j, input := range inputs {
		if j >= len(inputGrads) || inputGrads[j] == nil {
			continue
		}
		if existing, ok := grads[input]; ok {
			grads[input] = backend.Add(existing, inputGrads[j])
		} else {
			grads[input] = inputGrads[j]
		}
	}
}
