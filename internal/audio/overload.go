package audio

import (
	"sync"
	"time"
)

// OverloadConfig holds the true-peak limit and the hold-off before an
// overload episode is considered over.
type OverloadConfig struct {
	ThresholdDB float64 // dBTP at or above which the signal overloads
	RecoveryMs  int64   // milliseconds below threshold before recovery
}

// OverloadEvent is the result of one overload detector update.
type OverloadEvent struct {
	InOverload    bool
	PeakDB        float64 // highest true peak of the current episode
	JustEntered   bool
	JustRecovered bool
	Count         int   // ticks at or above threshold in the episode
	DurationMs    int64 // episode length, set when JustRecovered
}

// OverloadDetector tracks true-peak overload episodes.
// It is safe for concurrent use.
type OverloadDetector struct {
	mu            sync.Mutex
	inOverload    bool
	start         time.Time
	lastOver      time.Time
	episodePeakDB float64
	count         int
}

// NewOverloadDetector creates a new overload detector.
func NewOverloadDetector() *OverloadDetector {
	return &OverloadDetector{}
}

// Update feeds the true peak of one render tick in dBTP.
func (d *OverloadDetector) Update(truePeakDB float64, cfg OverloadConfig, now time.Time) OverloadEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	over := truePeakDB >= cfg.ThresholdDB
	var event OverloadEvent

	switch {
	case over && !d.inOverload:
		d.inOverload = true
		d.start = now
		d.lastOver = now
		d.episodePeakDB = truePeakDB
		d.count = 1
		event.JustEntered = true
	case over:
		d.lastOver = now
		d.episodePeakDB = max(d.episodePeakDB, truePeakDB)
		d.count++
	case d.inOverload && now.Sub(d.lastOver).Milliseconds() >= cfg.RecoveryMs:
		return d.end()
	}

	event.InOverload = d.inOverload
	if d.inOverload {
		event.PeakDB = d.episodePeakDB
		event.Count = d.count
	}
	return event
}

// Close ends an open overload episode, as when capture stops, and clears
// the detector. The returned event is JustRecovered only if an episode was
// open.
func (d *OverloadDetector) Close() OverloadEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inOverload {
		d.clear()
		return OverloadEvent{}
	}
	return d.end()
}

// Reset clears the overload state.
func (d *OverloadDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear()
}

func (d *OverloadDetector) end() OverloadEvent {
	event := OverloadEvent{
		JustRecovered: true,
		PeakDB:        d.episodePeakDB,
		Count:         d.count,
		DurationMs:    d.lastOver.Sub(d.start).Milliseconds(),
	}
	d.clear()
	return event
}

func (d *OverloadDetector) clear() {
	d.inOverload = false
	d.start = time.Time{}
	d.lastOver = time.Time{}
	d.episodePeakDB = 0
	d.count = 0
}
