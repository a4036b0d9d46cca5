//go:build !windows

package webgpu

import (
	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/backend/cpu"
)

// ErrUnavailable is returned by New on platforms without WebGPU bindings.
var ErrUnavailable = errors.New("webgpu: not supported on this platform")

// Backend is a placeholder on platforms without WebGPU bindings.
type Backend struct {
	*cpu.CPUBackend
}

// New always fails on this platform.
func New() (*Backend, error) {
	return nil, ErrUnavailable
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "WebGPU"
}

// AdapterName describes the GPU in use.
func (b *Backend) AdapterName() string {
	return ""
}

// Release is a no-op.
func (b *Backend) Release() {}

// IsAvailable reports false: WebGPU bindings exist only on windows.
func IsAvailable() bool {
	return false
}
