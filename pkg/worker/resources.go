package worker

import (
	"runtime"

	"golang.org/x/time/rate"
)

// RuntimeResourceManager is the default ResourceManager: a best-effort
// admission gate over in-process signals (spec §4.8/"[EXPANSION]" —
// no cgroup v2 reader is introduced, so host CPU/GPU are approximated
// with runtime.NumGoroutine()-class signals rather than read directly)
// plus a token-bucket ceiling on admission rate.
type RuntimeResourceManager struct {
	MaxGoroutines int
	MaxHeapBytes  uint64

	limiter *rate.Limiter
}

// NewRuntimeResourceManager builds a resource manager. maxRequestsPerSecond
// <= 0 disables the rate ceiling, admitting purely on goroutine/heap
// pressure.
func NewRuntimeResourceManager(maxGoroutines int, maxHeapBytes uint64, maxRequestsPerSecond float64) *RuntimeResourceManager {
	r := &RuntimeResourceManager{MaxGoroutines: maxGoroutines, MaxHeapBytes: maxHeapBytes}
	if maxRequestsPerSecond > 0 {
		burst := int(maxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(maxRequestsPerSecond), burst)
	}
	return r
}

// Admit rejects once either soft ceiling is exceeded, or the admission
// rate limiter has no token available.
func (r *RuntimeResourceManager) Admit() bool {
	if r.MaxGoroutines > 0 && runtime.NumGoroutine() > r.MaxGoroutines {
		return false
	}
	if r.MaxHeapBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > r.MaxHeapBytes {
			return false
		}
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return false
	}
	return true
}

// Snapshot reports goroutine count and heap usage as fractions of the
// configured ceilings; GPU utilisation is always 0 (no sampler available
// in-process).
func (r *RuntimeResourceManager) Snapshot() (cpu, memory, gpu float64) {
	if r.MaxGoroutines > 0 {
		cpu = float64(runtime.NumGoroutine()) / float64(r.MaxGoroutines)
	}
	if r.MaxHeapBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		memory = float64(ms.HeapAlloc) / float64(r.MaxHeapBytes)
	}
	return cpu, memory, 0
}
