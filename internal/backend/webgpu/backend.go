//go:build windows

// Package webgpu offloads matrix multiplication to the GPU through WebGPU.
// Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
//
// Every other operation runs on the embedded CPU backend; data lives in host
// memory and is uploaded per call.
package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/neuralode/internal/backend/cpu"
	"github.com/born-ml/neuralode/internal/tensor"
)

// DefaultMinFlops is the smallest M·K·N product sent to the GPU.
const DefaultMinFlops = 1 << 16

// Backend runs MatMul on a WebGPU device and everything else on the CPU.
type Backend struct {
	*cpu.CPUBackend

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu       sync.Mutex
	pipeline *wgpu.ComputePipeline

	// MinFlops is the M·K·N threshold for offloading.
	MinFlops int

	fallbackOnce sync.Once
}

// New creates a new WebGPU backend.
// Returns an error if WebGPU is not available or initialization fails.
func New() (backend *Backend, err error) {
	// wgpu panics when the native library is missing.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = errors.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrap(err, "webgpu: failed to request adapter")
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(err, "webgpu: failed to request device")
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("webgpu: failed to get queue")
	}

	return &Backend{
		CPUBackend: cpu.NewWithDevice(tensor.WebGPU),
		instance:   instance,
		adapter:    adapter,
		device:     device,
		queue:      queue,
		MinFlops:   DefaultMinFlops,
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "WebGPU"
}

// AdapterName describes the GPU in use.
func (b *Backend) AdapterName() string {
	return "high-performance WebGPU adapter"
}

// MatMul multiplies two float32 matrices on the GPU. Small products, and any
// GPU failure, go to the CPU.
func (b *Backend) MatMul(x, y *tensor.RawTensor) *tensor.RawTensor {
	if !b.offload(x, y) {
		return b.CPUBackend.MatMul(x, y)
	}
	out, err := b.runMatMul(x, y)
	if err != nil {
		b.fallbackOnce.Do(func() {
			klog.V(1).Infof("webgpu matmul failed, using the CPU from now on: %v", err)
		})
		b.MinFlops = -1
		return b.CPUBackend.MatMul(x, y)
	}
	return out
}

func (b *Backend) offload(x, y *tensor.RawTensor) bool {
	if b.MinFlops < 0 || x.DType() != tensor.Float32 || y.DType() != tensor.Float32 {
		return false
	}
	xs, ys := x.Shape(), y.Shape()
	if len(xs) != 2 || len(ys) != 2 || xs[1] != ys[0] {
		return false
	}
	return xs[0]*xs[1]*ys[1] >= b.MinFlops
}

// Release releases all WebGPU resources.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pipeline != nil {
		b.pipeline.Release()
		b.pipeline = nil
	}
	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

// IsAvailable checks if WebGPU is available on this system.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}
