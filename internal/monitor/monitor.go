// Package monitor runs the capture backend, feeds its samples into a meter
// engine and reduces the engine at the render rate. Each reduced tick is
// published as a Reading and checked for silence and overload.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/audio"
	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/loudlog"
	"github.com/oszuidwest/zwfm-meter/internal/meter"
	"github.com/oszuidwest/zwfm-meter/internal/notify"
	"github.com/oszuidwest/zwfm-meter/internal/reduce"
	"github.com/oszuidwest/zwfm-meter/internal/types"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// Sentinel errors for monitor operations.
var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
)

// Options wires optional collaborators into a Monitor. Nil fields are skipped.
type Options struct {
	FFmpegPath string
	Events     *eventlog.Logger
	Notifier   *notify.Notifier
	LoudLog    *loudlog.Logger
	// NewSource overrides backend construction; defaults to audio.NewSource.
	NewSource func(audio.SourceConfig) (audio.Source, error)
}

// Monitor manages capture and metering of one audio stream at a time.
type Monitor struct {
	config     *config.Config
	ffmpegPath string
	events     *eventlog.Logger
	notifier   *notify.Notifier
	loudlog    *loudlog.Logger
	newSource  func(audio.SourceConfig) (audio.Source, error)

	mu           sync.RWMutex
	state        types.MonitorState
	stopChan     chan struct{}
	loopDone     chan struct{}
	sourceCancel context.CancelFunc
	source       audio.Source
	backend      string
	lastError    string
	startTime    time.Time
	retryCount   int
	dropouts     uint64 // from sources that have ended since Start
	retry        util.Retry

	engine  atomic.Pointer[meter.Engine]
	reading atomic.Pointer[Reading]

	silenceDetect  *audio.SilenceDetector
	overloadDetect *audio.OverloadDetector
}

// New creates a stopped Monitor.
func New(cfg *config.Config, opts Options) *Monitor {
	m := &Monitor{
		config:         cfg,
		ffmpegPath:     opts.FFmpegPath,
		events:         opts.Events,
		notifier:       opts.Notifier,
		loudlog:        opts.LoudLog,
		newSource:      opts.NewSource,
		state:          types.StateStopped,
		retry:          util.Retry{Initial: types.InitialRetryDelay, Max: types.MaxRetryDelay},
		silenceDetect:  audio.NewSilenceDetector(),
		overloadDetect: audio.NewOverloadDetector(),
	}
	if m.newSource == nil {
		m.newSource = audio.NewSource
	}
	m.reading.Store(idleReading(time.Now()))
	return m
}

// State returns the current monitor state.
func (m *Monitor) State() types.MonitorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reading returns the most recent render tick. It never returns nil.
func (m *Monitor) Reading() *Reading {
	return m.reading.Load()
}

// Status returns the current monitor status.
func (m *Monitor) Status() types.MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := types.MonitorStatus{
		State:      m.state,
		LastError:  m.lastError,
		Backend:    m.backend,
		RetryCount: m.retryCount,
		MaxRetries: types.MaxRetries,
	}
	if m.state == types.StateRunning {
		status.Uptime = time.Since(m.startTime).Truncate(time.Second).String()
	}
	status.Dropouts = m.dropouts
	if m.source != nil {
		status.Alive = m.source.Alive()
		status.Dropouts += m.source.Dropouts()
	}
	if eng := m.engine.Load(); eng != nil {
		status.SampleRate = eng.SampleRate()
		status.Position = m.reading.Load().Position
	}
	return status
}

// Start begins capture in the background.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == types.StateRunning || m.state == types.StateStarting {
		return ErrAlreadyRunning
	}

	m.state = types.StateStarting
	m.stopChan = make(chan struct{})
	m.loopDone = make(chan struct{})
	m.retryCount = 0
	m.dropouts = 0
	m.lastError = ""
	m.silenceDetect.Reset()
	m.overloadDetect.Reset()
	if m.notifier != nil {
		m.notifier.Reset()
	}

	go m.runSourceLoop(m.stopChan, m.loopDone)

	return nil
}

// Stop ends capture and waits for the backend to release the device.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.state == types.StateStopped || m.state == types.StateStopping {
		m.mu.Unlock()
		return nil
	}
	m.state = types.StateStopping
	close(m.stopChan)
	cancel := m.sourceCancel
	done := m.loopDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	select {
	case <-done:
		slog.Info("audio capture stopped")
	case <-time.After(types.ShutdownTimeout):
		slog.Warn("audio capture did not stop in time")
		errs = append(errs, fmt.Errorf("capture shutdown timeout"))
	}

	m.mu.Lock()
	m.state = types.StateStopped
	m.mu.Unlock()

	m.closeConditions()
	m.reading.Store(idleReading(time.Now()))
	m.logCapture(eventlog.CaptureStopped, "capture stopped", &eventlog.CaptureDetails{})

	return errors.Join(errs...)
}

// Restart stops and starts the monitor, picking up new capture settings.
func (m *Monitor) Restart() error {
	if err := m.Stop(); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return m.Start()
}

// ResetHeld clears the held peaks of the running stream.
func (m *Monitor) ResetHeld(source string) error {
	eng := m.engine.Load()
	if eng == nil {
		return ErrNotRunning
	}
	held := m.reading.Load().HeldTruePeakDB
	eng.ResetHeld()

	if m.events != nil {
		if err := m.events.LogOperator(eventlog.HeldReset, &eventlog.OperatorDetails{
			Source:     source,
			HeldPeakDB: held,
		}); err != nil {
			slog.Warn("failed to log held reset", "error", err)
		}
	}
	return nil
}

// runSourceLoop runs the capture backend, restarting it with backoff.
func (m *Monitor) runSourceLoop(stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		if m.stopping() {
			return
		}

		startTime := time.Now()
		err := m.runSource()
		runDuration := time.Since(startTime)

		m.mu.Lock()
		if m.state == types.StateStopping || m.state == types.StateStopped {
			m.mu.Unlock()
			return
		}

		if runDuration >= types.SuccessThreshold {
			m.retryCount = 0
		} else {
			m.retryCount++
		}
		if err == nil {
			err = errors.New("capture ended unexpectedly")
		}
		m.lastError = err.Error()
		retry := m.retryCount
		slog.Error("audio capture error", "error", err, "attempt", retry)

		if retry >= types.MaxRetries {
			msg := fmt.Sprintf("Stopped after %d failed attempts: %s", types.MaxRetries, err)
			m.state = types.StateStopped
			m.lastError = msg
			m.mu.Unlock()
			slog.Error("audio capture failed, giving up", "attempts", types.MaxRetries)
			m.closeConditions()
			m.reading.Store(idleReading(time.Now()))
			m.logCapture(eventlog.CaptureStopped, msg, &eventlog.CaptureDetails{
				RetryCount: retry,
				MaxRetries: types.MaxRetries,
			})
			return
		}

		m.state = types.StateStarting
		retryDelay := m.retry.Delay(retry)
		m.mu.Unlock()

		m.logCapture(eventlog.CaptureError, err.Error(), &eventlog.CaptureDetails{Error: err.Error()})
		m.logCapture(eventlog.CaptureRetry, "restarting capture", &eventlog.CaptureDetails{
			RetryCount: retry,
			MaxRetries: types.MaxRetries,
		})
		slog.Info("audio capture stopped, waiting before restart",
			"delay", retryDelay, "attempt", retry+1, "max_retries", types.MaxRetries)

		if !m.retry.Wait(stopChan, retry) {
			return
		}
	}
}

func (m *Monitor) stopping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == types.StateStopping || m.state == types.StateStopped
}

// runSource captures one stream until the backend fails or Stop cancels it.
// A fresh engine is built per stream since the sample rate is fixed for its
// lifetime.
func (m *Monitor) runSource() error {
	cfg := m.config.Snapshot()
	mode, err := audio.ParseChannelMode(cfg.Audio.ChannelMode)
	if err != nil {
		return err
	}

	src, err := m.newSource(audio.SourceConfig{
		Backend:     cfg.Audio.Backend,
		Input:       cfg.Audio.Input,
		FFmpegPath:  m.ffmpegPath,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		ChannelMode: mode,
	})
	if err != nil {
		return util.WrapError("create audio source", err)
	}

	eng, err := meter.New(meter.Config{
		SampleRate:   src.SampleRate(),
		Window:       cfg.Window,
		Tail:         cfg.Tail,
		Oversampling: cfg.Oversampling,
	})
	if err != nil {
		return util.WrapError("create meter engine", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	if m.state != types.StateStarting {
		m.mu.Unlock()
		return nil
	}
	m.state = types.StateRunning
	m.sourceCancel = cancel
	m.source = src
	m.backend = cfg.Audio.Backend
	m.startTime = time.Now()
	m.mu.Unlock()
	m.engine.Store(eng)

	slog.Info("starting audio capture",
		"backend", cfg.Audio.Backend, "input", cfg.Audio.Input, "sample_rate", src.SampleRate())
	m.logCapture(eventlog.CaptureStarted, "capture started", &eventlog.CaptureDetails{
		Backend:    cfg.Audio.Backend,
		Input:      cfg.Audio.Input,
		SampleRate: src.SampleRate(),
	})

	var wg sync.WaitGroup
	wg.Go(func() { m.renderLoop(ctx, eng) })

	err = src.Run(ctx, eng)
	cancel()
	wg.Wait()

	m.mu.Lock()
	m.sourceCancel = nil
	m.source = nil
	m.dropouts += src.Dropouts()
	m.mu.Unlock()
	m.engine.Store(nil)

	return err
}

// renderLoop reduces the engine at the configured render rate.
func (m *Monitor) renderLoop(ctx context.Context, eng *meter.Engine) {
	cfg := m.config.Snapshot()
	r := newRenderer(eng, &cfg)

	ticker := time.NewTicker(cfg.RenderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(r, now)
		}
	}
}

// tick runs one render step: reduce, publish, detect and log.
func (m *Monitor) tick(r *renderer, now time.Time) {
	cfg := m.config.Snapshot()
	reading := r.render(now, cfg.BarSource)

	silence := m.silenceDetect.Update(reading.BarDB, audio.SilenceConfig{
		Threshold:  cfg.SilenceThreshold,
		DurationMs: cfg.SilenceDurationMs,
		RecoveryMs: cfg.SilenceRecoveryMs,
	}, now)
	overload := m.overloadDetect.Update(reading.TruePeakDB, audio.OverloadConfig{
		ThresholdDB: cfg.OverloadThreshold,
		RecoveryMs:  cfg.OverloadRecoveryMs,
	}, now)

	reading.Silence = silence.InSilence
	reading.SilenceDurationMs = silence.DurationMs
	reading.Overload = overload.InOverload
	m.reading.Store(reading)

	if m.notifier != nil {
		m.notifier.HandleSilence(silence)
		m.notifier.HandleOverload(overload)
	}
	m.logTransitions(&cfg, silence, overload)

	if m.loudlog != nil {
		if err := m.loudlog.Observe(loudlog.Record{
			Time:           now,
			LUFS:           reading.LUFS,
			VUDB:           reading.VUDB,
			PeakDB:         reading.PeakDB,
			TruePeakDB:     reading.TruePeakDB,
			HeldTruePeakDB: reading.HeldTruePeakDB,
			Clips:          reading.Clips,
		}); err != nil && !errors.Is(err, loudlog.ErrClosed) {
			slog.Warn("loudness log write failed", "error", err)
		}
	}
}

// closeConditions ends open silence and overload episodes once capture
// has stopped, so every start event is matched by an end.
func (m *Monitor) closeConditions() {
	cfg := m.config.Snapshot()
	silence := m.silenceDetect.Close()
	silence.CurrentLevel = m.reading.Load().BarDB
	overload := m.overloadDetect.Close()

	if m.notifier != nil {
		m.notifier.HandleSilence(silence)
		m.notifier.HandleOverload(overload)
	}
	m.logTransitions(&cfg, silence, overload)
}

func (m *Monitor) logTransitions(cfg *config.Snapshot, silence audio.SilenceEvent, overload audio.OverloadEvent) {
	if m.events == nil {
		return
	}
	var errs []error
	switch {
	case silence.JustEntered:
		errs = append(errs, m.events.LogLevel(eventlog.SilenceStart, silence.CurrentLevel, cfg.SilenceThreshold, silence.DurationMs, 0))
	case silence.JustRecovered:
		errs = append(errs, m.events.LogLevel(eventlog.SilenceEnd, silence.CurrentLevel, cfg.SilenceThreshold, silence.TotalDurationMs, 0))
	}
	switch {
	case overload.JustEntered:
		errs = append(errs, m.events.LogLevel(eventlog.OverloadStart, overload.PeakDB, cfg.OverloadThreshold, 0, overload.Count))
	case overload.JustRecovered:
		errs = append(errs, m.events.LogLevel(eventlog.OverloadEnd, overload.PeakDB, cfg.OverloadThreshold, overload.DurationMs, overload.Count))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("failed to log level event", "error", err)
	}
}

func (m *Monitor) logCapture(t eventlog.EventType, msg string, details *eventlog.CaptureDetails) {
	if m.events == nil {
		return
	}
	if err := m.events.LogCapture(t, msg, details); err != nil {
		slog.Warn("failed to log capture event", "type", t, "error", err)
	}
}

// renderer holds the consumer-side reduction state of one stream.
type renderer struct {
	eng      *meter.Engine
	loudness *reduce.Loudness
	decay    reduce.Decay
	segments int
}

func newRenderer(eng *meter.Engine, cfg *config.Snapshot) *renderer {
	return &renderer{
		eng:      eng,
		loudness: reduce.NewLoudness(eng.SampleRate(), eng.WindowSamples()),
		decay:    reduce.ExponentialDecay(cfg.HistoryHalfLife),
		segments: cfg.HistorySegments,
	}
}

// render snapshots the engine and reduces it.
func (r *renderer) render(now time.Time, barSource string) *Reading {
	snap := r.eng.Snapshot()
	vu := reduce.VU(snap.Window)
	loud := r.loudness.Reduce(snap.Window)

	reading := &Reading{
		Time:           now,
		SampleRate:     snap.SampleRate,
		Position:       snap.Position,
		LUFS:           loud.LUFS,
		VU:             vu,
		VUDB:           reduce.ToDB(vu),
		BallisticDB:    reduce.ToDB(snap.Ballistic),
		PeakDB:         reduce.ToDB(snap.Peak),
		HeldPeakDB:     reduce.ToDB(snap.HeldPeak),
		TruePeakDB:     reduce.ToDB(snap.TruePeak),
		HeldTruePeakDB: reduce.ToDB(snap.HeldTruePeak),
		Clips:          snap.Clips,
		History:        reduce.History(snap.Window, snap.SampleRate, r.segments, r.decay),
	}
	reading.BarDB = reading.LUFS
	if barSource == BarSourceVU {
		reading.BarDB = reading.VUDB
	}
	return reading
}
