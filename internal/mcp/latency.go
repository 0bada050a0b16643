package mcp

import (
	"slices"
	"sync"
	"time"
)

// latencyWindow keeps the most recent call latencies of one tool in a ring
// buffer. All methods are safe for concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int // next write position
	count   int // total samples written, may exceed len(samples)
}

// newLatencyWindow returns a window holding up to size samples. A size <= 0
// defaults to 100.
func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 100
	}
	return &latencyWindow{
		samples: make([]time.Duration, size),
		failed:  make([]bool, size),
	}
}

// Record adds one call, overwriting the oldest once the window is full.
func (w *latencyWindow) Record(d time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = d
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

// latencySnapshot is a point-in-time summary of a [latencyWindow].
type latencySnapshot struct {
	P50       time.Duration
	P99       time.Duration
	Count     int
	ErrorRate float64
}

// Snapshot summarises the window. Count is the lifetime call count; the other
// fields cover only the samples still in the window.
func (w *latencyWindow) Snapshot() latencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := min(w.count, len(w.samples))
	if n == 0 {
		return latencySnapshot{}
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)

	errs := 0
	for _, f := range w.failed[:n] {
		if f {
			errs++
		}
	}
	return latencySnapshot{
		P50:       sorted[n/2],
		P99:       sorted[int(float64(n-1)*0.99)],
		Count:     w.count,
		ErrorRate: float64(errs) / float64(n),
	}
}
