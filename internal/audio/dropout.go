package audio

import (
	"sync/atomic"
	"time"
)

const (
	// lateFactor is how many delivery periods may pass before a gap counts
	// as a dropout.
	lateFactor = 4
	// minLateGap keeps scheduler jitter on small periods from counting.
	minLateGap = 50 * time.Millisecond
)

// DropoutCounter counts capture discontinuities: deliveries that arrive
// late for the audio they carry and deliveries that end mid-frame.
// Observe and Short run on the capture thread; Count is safe from any
// goroutine.
type DropoutCounter struct {
	rate  int
	count atomic.Uint64
	now   func() time.Time

	last   time.Time
	period time.Duration // audio length of the previous delivery
}

// NewDropoutCounter returns a counter for a stream at rate Hz.
func NewDropoutCounter(rate int) *DropoutCounter {
	return &DropoutCounter{rate: max(rate, 1), now: time.Now}
}

// Observe records a delivery of frames and reports whether it was late.
func (d *DropoutCounter) Observe(frames int) bool {
	now := d.now()
	late := false
	if !d.last.IsZero() && now.Sub(d.last) > max(lateFactor*d.period, minLateGap) {
		d.count.Add(1)
		late = true
	}
	d.last = now
	d.period = time.Duration(frames) * time.Second / time.Duration(d.rate)
	return late
}

// Short records a delivery that did not end on a frame boundary.
func (d *DropoutCounter) Short() {
	d.count.Add(1)
}

// Count returns the number of dropouts seen so far.
func (d *DropoutCounter) Count() uint64 {
	return d.count.Load()
}
