// Package device chooses where tensors are computed. GPU use is best effort:
// when the requested accelerator cannot be initialized the CPU is used and
// the fallback is only logged at verbosity 1.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/neuralode/internal/backend/cpu"
	"github.com/born-ml/neuralode/internal/backend/webgpu"
	"github.com/born-ml/neuralode/internal/tensor"
)

// Kind names a compute device.
type Kind string

const (
	Auto   Kind = "auto"
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// ParseKind parses a device name. "gpu" is an alias for webgpu.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return Auto, nil
	case "cpu":
		return CPU, nil
	case "webgpu", "gpu":
		return WebGPU, nil
	}
	return "", errors.Errorf("unknown device %q (want auto, cpu or gpu)", name)
}

// Selection is the outcome of Select.
type Selection struct {
	Backend   tensor.Backend
	Kind      Kind   // the device actually used
	Requested Kind   // the device asked for
	Detail    string // adapter or CPU description
	release   func()
}

// Fallback reports whether the requested accelerator was unavailable.
func (s *Selection) Fallback() bool {
	return s.Requested == WebGPU && s.Kind != WebGPU
}

// Release frees device resources.
func (s *Selection) Release() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// newGPU is replaced in tests.
var newGPU = func() (tensor.Backend, string, func(), error) {
	b, err := webgpu.New()
	if err != nil {
		return nil, "", nil, err
	}
	return b, b.AdapterName(), b.Release, nil
}

// Select returns a backend for the named device. Auto and gpu try the GPU
// first and silently fall back to the CPU. Only unknown names are errors.
func Select(name string) (*Selection, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	sel := &Selection{Requested: kind}
	if kind != CPU {
		backend, detail, release, err := newGPU()
		if err == nil {
			sel.Backend, sel.Kind, sel.Detail, sel.release = backend, WebGPU, detail, release
			klog.V(1).Infof("using WebGPU: %s", detail)
			return sel, nil
		}
		klog.V(1).Infof("WebGPU unavailable, falling back to CPU: %v", err)
	}
	sel.Backend, sel.Kind, sel.Detail = cpu.New(), CPU, Describe()
	return sel, nil
}

// Describe summarizes the host CPU: brand, cores and the SIMD extensions
// relevant to float32 kernels.
func Describe() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	cores := cpuid.CPU.PhysicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	desc := fmt.Sprintf("%s, %d cores", brand, cores)
	if features := SIMDFeatures(); len(features) > 0 {
		desc += " (" + strings.Join(features, ", ") + ")"
	}
	return desc
}

// SIMDFeatures lists the supported vector extensions among AVX, AVX2, FMA3,
// AVX512F and NEON.
func SIMDFeatures() []string {
	var out []string
	for _, f := range []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"AVX", cpuid.AVX},
		{"AVX2", cpuid.AVX2},
		{"FMA3", cpuid.FMA3},
		{"AVX512F", cpuid.AVX512F},
		{"NEON", cpuid.ASIMD},
	} {
		if cpuid.CPU.Supports(f.id) {
			out = append(out, f.name)
		}
	}
	return out
}
