package meter

import (
	"math"
	"sync/atomic"
)

// PeakTracker keeps a running maximum of observed magnitudes.
// The instant peak is cleared by every read; the held peak only by ResetHeld.
// All methods are lock-free and safe for concurrent use by any number of
// writers and readers.
type PeakTracker struct {
	instant atomic.Uint64 // float64 bits
	held    atomic.Uint64 // float64 bits
}

// Observe folds v into both the instant and the held maximum.
func (p *PeakTracker) Observe(v float64) {
	casMax(&p.instant, v)
	casMax(&p.held, v)
}

// ReadAndResetInstant returns the peak observed since the previous call and clears it.
func (p *PeakTracker) ReadAndResetInstant() float64 {
	return math.Float64frombits(p.instant.Swap(0))
}

// ReadHeld returns the highest value observed since the last ResetHeld.
func (p *PeakTracker) ReadHeld() float64 {
	return math.Float64frombits(p.held.Load())
}

// ResetHeld clears the held peak.
func (p *PeakTracker) ResetHeld() {
	p.held.Store(0)
}

// casMax stores v in slot unless the stored value is already >= v.
// Non-negative float64 values order the same as their bit patterns, but the
// comparison is done on floats so negative input never wins.
func casMax(slot *atomic.Uint64, v float64) {
	if !(v > 0) {
		return
	}
	next := math.Float64bits(v)
	for {
		cur := slot.Load()
		if math.Float64frombits(cur) >= v {
			return
		}
		if slot.CompareAndSwap(cur, next) {
			return
		}
	}
}
