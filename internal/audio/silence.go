package audio

import (
	"sync"
	"time"
)

// SilenceConfig holds the loudness floor and the hold times around it.
type SilenceConfig struct {
	Threshold  float64 // bar loudness below which the programme is silent
	DurationMs int64   // milliseconds below threshold before silence is confirmed
	RecoveryMs int64   // milliseconds above threshold before silence ends
}

// SilenceEvent is the result of one silence detector update.
type SilenceEvent struct {
	InSilence       bool
	DurationMs      int64   // confirmed silence so far, 0 outside silence
	CurrentLevel    float64 // bar loudness of the tick
	JustEntered     bool
	JustRecovered   bool
	TotalDurationMs int64 // length of the silence that ended, set when JustRecovered
}

// SilenceDetector tracks silence episodes on the bar loudness.
// It is safe for concurrent use.
type SilenceDetector struct {
	mu         sync.Mutex
	inSilence  bool
	start      time.Time // first silent tick of the current run
	lastSilent time.Time
	loudSince  time.Time // first loud tick while recovering
}

// NewSilenceDetector creates a new silence detector.
func NewSilenceDetector() *SilenceDetector {
	return &SilenceDetector{}
}

// Update feeds the bar loudness of one render tick.
func (d *SilenceDetector) Update(levelDB float64, cfg SilenceConfig, now time.Time) SilenceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	event := SilenceEvent{CurrentLevel: levelDB}

	switch {
	case levelDB < cfg.Threshold:
		if d.start.IsZero() {
			d.start = now
		}
		d.lastSilent = now
		d.loudSince = time.Time{}
		if !d.inSilence && now.Sub(d.start).Milliseconds() >= cfg.DurationMs {
			d.inSilence = true
			event.JustEntered = true
		}
	case !d.inSilence:
		// A loud tick before confirmation restarts the run.
		d.start = time.Time{}
	default:
		if d.loudSince.IsZero() {
			d.loudSince = now
		}
		if now.Sub(d.loudSince).Milliseconds() >= cfg.RecoveryMs {
			return d.end(event)
		}
	}

	event.InSilence = d.inSilence
	if d.inSilence {
		event.DurationMs = d.lastSilent.Sub(d.start).Milliseconds()
	}
	return event
}

// Close ends a confirmed silence, as when capture stops, and clears the
// detector. The returned event is JustRecovered only if silence was open.
func (d *SilenceDetector) Close() SilenceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inSilence {
		d.clear()
		return SilenceEvent{}
	}
	return d.end(SilenceEvent{})
}

// Reset clears the silence detection state.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear()
}

func (d *SilenceDetector) end(event SilenceEvent) SilenceEvent {
	event.JustRecovered = true
	event.TotalDurationMs = d.lastSilent.Sub(d.start).Milliseconds()
	d.clear()
	return event
}

func (d *SilenceDetector) clear() {
	d.inSilence = false
	d.start = time.Time{}
	d.lastSilent = time.Time{}
	d.loudSince = time.Time{}
}
