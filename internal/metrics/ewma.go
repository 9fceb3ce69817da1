// Package metrics holds the small measurement helpers the status surface
// reports: per-party round-trip averages.
package metrics

import (
	"sync"
	"time"
)

// DefaultAlpha is the sample weight used when none is configured.
const DefaultAlpha = 0.2

// EWMA is an exponentially weighted moving average over durations. It is safe
// for concurrent use.
type EWMA struct {
	mu     sync.Mutex
	alpha  float64
	value  float64
	seeded bool
}

// NewEWMA creates an average with the given sample weight. Weights outside
// (0,1] fall back to DefaultAlpha.
func NewEWMA(alpha float64) *EWMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &EWMA{alpha: alpha}
}

// Observe folds one sample into the average. The first sample seeds it.
func (e *EWMA) Observe(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := float64(d)
	if !e.seeded {
		e.value = s
		e.seeded = true
		return
	}
	e.value = e.alpha*s + (1-e.alpha)*e.value
}

// Value returns the current average, zero before any sample.
func (e *EWMA) Value() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.value)
}
