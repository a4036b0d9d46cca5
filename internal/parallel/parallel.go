// Package parallel splits index ranges across goroutines for the CPU kernels.
package parallel

import (
	"runtime"
	"sync"
)

// DefaultGrain is the smallest chunk worth handing to its own goroutine.
const DefaultGrain = 1 << 14

// Config controls how work is split.
type Config struct {
	Workers int // maximum concurrent chunks, 1 disables parallelism
	Grain   int // minimum items per chunk
}

// DefaultConfig uses one worker per schedulable CPU.
func DefaultConfig() Config {
	return Config{Workers: runtime.GOMAXPROCS(0), Grain: DefaultGrain}
}

var (
	mu      sync.RWMutex
	current = DefaultConfig()
)

// Set replaces the process-wide configuration and returns the previous one.
func Set(cfg Config) Config {
	mu.Lock()
	defer mu.Unlock()
	prev := current
	current = cfg
	return prev
}

// Get returns the process-wide configuration.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Range calls fn over disjoint [start, end) chunks covering [0, n), using
// the process-wide configuration.
func Range(n int, fn func(start, end int)) {
	RangeWith(Get(), n, fn)
}

// RangeWith is Range with an explicit configuration. Chunks run
// concurrently only when there are at least two of Grain items.
func RangeWith(cfg Config, n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	grain := cfg.Grain
	if grain <= 0 {
		grain = DefaultGrain
	}
	chunks := min(cfg.Workers, n/grain)
	if chunks < 2 {
		fn(0, n)
		return
	}

	size := (n + chunks - 1) / chunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(start, end)
		}()
	}
	wg.Wait()
}
