//go:build windows

package webgpu

import (
	"encoding/binary"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"

	"github.com/born-ml/neuralode/internal/tensor"
)

// matmulShader computes C = A @ B with A [M, K], B [K, N], C [M, N].
const matmulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    M: u32,
    K: u32,
    N: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;
    if (row >= params.M || col >= params.N) {
        return;
    }
    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < params.K; k = k + 1u) {
        sum = sum + a[row * params.K + k] * b[k * params.N + col];
    }
    result[row * params.N + col] = sum;
}
`

func (b *Backend) matmulPipeline() *wgpu.ComputePipeline {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pipeline == nil {
		shader := b.device.CreateShaderModuleWGSL(matmulShader)
		b.pipeline = b.device.CreateComputePipelineSimple(nil, shader, "main")
	}
	return b.pipeline
}

// createBuffer creates a GPU buffer holding data. Sizes are rounded up to 16
// bytes, as uniform buffers require.
func (b *Backend) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := (uint64(len(data)) + 15) &^ 15
	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buffer.GetMappedRange(0, size)), size) //nolint:gosec // mapped GPU memory
	copy(mapped, data)
	buffer.Unmap()
	return buffer
}

// readBuffer copies size bytes of src back to host memory through a staging
// buffer, since storage buffers cannot be mapped directly.
func (b *Backend) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	b.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, errors.Wrap(err, "webgpu: failed to map staging buffer")
	}
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size) //nolint:gosec // mapped GPU memory
	out := make([]byte, size)
	copy(out, mapped)
	staging.Unmap()
	return out, nil
}

// runMatMul executes C = A @ B on the GPU.
func (b *Backend) runMatMul(x, y *tensor.RawTensor) (out *tensor.RawTensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Errorf("webgpu: matmul panicked: %v", r)
		}
	}()

	m, k, n := x.Shape()[0], x.Shape()[1], y.Shape()[1]
	pipeline := b.matmulPipeline()

	bufX := b.createBuffer(x.Data(), wgpu.BufferUsageStorage)
	defer bufX.Release()
	bufY := b.createBuffer(y.Data(), wgpu.BufferUsageStorage)
	defer bufY.Release()

	resultSize := uint64(m * n * 4) //nolint:gosec // dimensions are positive
	bufOut := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  resultSize,
	})
	defer bufOut.Release()

	params := make([]byte, 16)
	binary.LittleEndian.PutUint32(params[0:4], uint32(m))
	binary.LittleEndian.PutUint32(params[4:8], uint32(k))
	binary.LittleEndian.PutUint32(params[8:12], uint32(n))
	bufParams := b.createBuffer(params, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	defer bufParams.Release()

	bindGroup := b.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufX, 0, uint64(x.ByteSize())), //nolint:gosec // sizes are positive
		wgpu.BufferBindingEntry(1, bufY, 0, uint64(y.ByteSize())), //nolint:gosec // sizes are positive
		wgpu.BufferBindingEntry(2, bufOut, 0, resultSize),
		wgpu.BufferBindingEntry(3, bufParams, 0, 16),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32((n+15)/16), uint32((m+15)/16), 1) //nolint:gosec // dimensions are positive
	pass.End()
	b.queue.Submit(encoder.Finish(nil))

	data, err := b.readBuffer(bufOut, resultSize)
	if err != nil {
		return nil, err
	}
	out, err = tensor.NewRaw(tensor.Shape{m, n}, tensor.Float32, tensor.WebGPU)
	if err != nil {
		return nil, err
	}
	copy(out.Data(), data)
	return out, nil
}
