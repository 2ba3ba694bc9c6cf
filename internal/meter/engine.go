// Package meter implements the real-time side of the loudness meter: a
// lock-free peak tracker, a circular sample window, a true-peak oversampler
// and the engine that ties them together for one audio stream.
package meter

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Engine defaults.
const (
	DefaultWindow   = 400 * time.Millisecond
	DefaultTail     = 100 * time.Millisecond
	DefaultMaxBlock = 4096
)

// Configuration errors returned by New.
var (
	ErrInvalidSampleRate   = errors.New("sample rate must be positive")
	ErrInvalidWindow       = errors.New("window duration must be positive")
	ErrInvalidTail         = errors.New("tail duration must not be negative")
	ErrInvalidOversampling = errors.New("oversampling factor must be at least 1")
)

// Config describes one engine. Zero durations and factors take the defaults,
// except Tail, where zero means no pre-roll; use DefaultConfig for the
// standard tail.
type Config struct {
	SampleRate   int
	Window       time.Duration
	Tail         time.Duration
	Oversampling int
	MaxBlock     int // largest chunk processed at once; longer input is split
}

// DefaultConfig returns the standard configuration for a sample rate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:   sampleRate,
		Window:       DefaultWindow,
		Tail:         DefaultTail,
		Oversampling: DefaultOversampling,
		MaxBlock:     DefaultMaxBlock,
	}
}

// Engine is the per-stream meter state. Ingest belongs to a single producer
// goroutine (the audio callback); every other method may be called
// concurrently from any goroutine.
type Engine struct {
	sampleRate int

	window     *SampleWindow
	samplePeak PeakTracker
	truePeak   PeakTracker
	vu         *Ballistics
	clips      atomic.Uint64

	// Producer-owned.
	filter  *TruePeakFilter
	scratch []float64
}

// New validates cfg and allocates every buffer the engine will ever use.
func New(cfg Config) (*Engine, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleRate, cfg.SampleRate)
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, cfg.Window)
	}
	if cfg.Tail < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTail, cfg.Tail)
	}
	if cfg.Oversampling == 0 {
		cfg.Oversampling = DefaultOversampling
	}
	if cfg.Oversampling < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOversampling, cfg.Oversampling)
	}
	if cfg.MaxBlock <= 0 {
		cfg.MaxBlock = DefaultMaxBlock
	}

	windowSamples := DurationToSamples(cfg.Window, cfg.SampleRate)
	if windowSamples < 1 {
		return nil, fmt.Errorf("%w: %s is shorter than one sample", ErrInvalidWindow, cfg.Window)
	}

	filter, err := NewTruePeakFilter(cfg.Oversampling)
	if err != nil {
		return nil, err
	}

	return &Engine{
		sampleRate: cfg.SampleRate,
		window:     NewSampleWindow(windowSamples, DurationToSamples(cfg.Tail, cfg.SampleRate)),
		vu:         NewBallistics(cfg.SampleRate),
		filter:     filter,
		scratch:    make([]float64, cfg.MaxBlock),
	}, nil
}

// DurationToSamples converts a duration to a whole number of samples.
func DurationToSamples(d time.Duration, sampleRate int) int {
	return int(math.Round(d.Seconds() * float64(sampleRate)))
}

// SampleRate returns the stream sample rate.
func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// WindowSamples returns the number of samples in the reduction window.
func (e *Engine) WindowSamples() int {
	return e.window.window
}

// Ingest feeds samples into the meter. It never blocks or allocates.
// NaN reads as silence; magnitudes above full scale are clamped to ±1 and
// counted as clips.
func (e *Engine) Ingest(samples []float64) {
	for len(samples) > 0 {
		n := min(len(samples), len(e.scratch))
		e.ingestBlock(samples[:n])
		samples = samples[n:]
	}
}

func (e *Engine) ingestBlock(in []float64) {
	block := e.scratch[:len(in)]
	var peak, truePeak float64
	var clips uint64
	for i, x := range in {
		switch {
		case math.IsNaN(x):
			x = 0
		case x > 1:
			x = 1
			clips++
		case x < -1:
			x = -1
			clips++
		}
		block[i] = x
		peak = max(peak, math.Abs(x))
		truePeak = max(truePeak, e.filter.Process(x))
		e.vu.Integrate(x)
	}

	e.window.WriteSlice(block)
	e.samplePeak.Observe(peak)
	e.truePeak.Observe(truePeak)
	if clips > 0 {
		e.clips.Add(clips)
	}
	e.vu.Publish()
}

// Snapshot captures the peak trackers and returns them together with a view
// of the sample window. Instant peaks and the clip counter restart from zero.
func (e *Engine) Snapshot() Snapshot {
	view := e.window.View()
	return Snapshot{
		SampleRate:   e.sampleRate,
		Position:     view.End(),
		Peak:         e.samplePeak.ReadAndResetInstant(),
		HeldPeak:     e.samplePeak.ReadHeld(),
		TruePeak:     e.truePeak.ReadAndResetInstant(),
		HeldTruePeak: e.truePeak.ReadHeld(),
		Clips:        e.clips.Swap(0),
		Ballistic:    e.vu.Level(),
		Window:       view,
	}
}

// ResetHeld clears both held peaks.
func (e *Engine) ResetHeld() {
	e.samplePeak.ResetHeld()
	e.truePeak.ResetHeld()
}

// Snapshot is the consumer's copy of the meter state at one render tick.
// Window is the only field bound to live memory; see WindowView.
type Snapshot struct {
	SampleRate   int
	Position     uint64 // samples ingested since the engine was created
	Peak         float64
	HeldPeak     float64
	TruePeak     float64
	HeldTruePeak float64
	Clips        uint64 // clipped samples since the previous snapshot
	Ballistic    float64
	Window       WindowView
}
