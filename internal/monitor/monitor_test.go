package monitor

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/audio"
	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/meter"
	"github.com/oszuidwest/zwfm-meter/internal/reduce"
	"github.com/oszuidwest/zwfm-meter/internal/types"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

const testRate = 48000

// toneSource feeds a sine in 10 ms blocks until canceled.
type toneSource struct {
	amp      float64
	alive    atomic.Bool
	dropouts atomic.Uint64
}

func (s *toneSource) SampleRate() int  { return testRate }
func (s *toneSource) Alive() bool      { return s.alive.Load() }
func (s *toneSource) Dropouts() uint64 { return s.dropouts.Load() }

func (s *toneSource) Run(ctx context.Context, sink audio.Sink) error {
	s.alive.Store(true)
	defer s.alive.Store(false)

	block := make([]float64, testRate/100)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for i := range block {
				block[i] = s.amp * math.Sin(2*math.Pi*1000*float64(n)/testRate)
				n++
			}
			sink.Ingest(block)
		}
	}
}

// failingSource fails immediately after reporting a few dropouts.
const failingDropouts = 3

type failingSource struct{}

func (failingSource) SampleRate() int  { return testRate }
func (failingSource) Alive() bool      { return false }
func (failingSource) Dropouts() uint64 { return failingDropouts }
func (failingSource) Run(context.Context, audio.Sink) error {
	return errors.New("device unplugged")
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMonitor_IdleReading(t *testing.T) {
	m := New(newTestConfig(t), Options{})
	r := m.Reading()
	if r == nil {
		t.Fatal("Reading() = nil")
	}
	if r.LUFS != reduce.MinDB || r.BarDB != reduce.MinDB {
		t.Errorf("idle reading = %+v", r)
	}
	if err := m.ResetHeld("test"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("ResetHeld while stopped = %v, want ErrNotRunning", err)
	}
	if m.State() != types.StateStopped {
		t.Errorf("State = %q", m.State())
	}
}

func TestMonitor_StartRenderStop(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	events, err := eventlog.NewLogger(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = events.Close() }()

	src := &toneSource{amp: 0.5}
	m := New(newTestConfig(t), Options{
		Events:    events,
		NewSource: func(audio.SourceConfig) (audio.Source, error) { return src, nil },
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	// One second of a -6 dBFS sine fills the window and its tail.
	waitFor(t, "a full window", func() bool { return m.Reading().Position >= testRate })

	r := m.Reading()
	if r.SampleRate != testRate {
		t.Errorf("SampleRate = %d", r.SampleRate)
	}
	if r.HeldPeakDB < -6.5 || r.HeldPeakDB > -5.5 {
		t.Errorf("HeldPeakDB = %.2f, want about -6", r.HeldPeakDB)
	}
	if r.LUFS < -12 || r.LUFS > -7 {
		t.Errorf("LUFS = %.2f, want about -9", r.LUFS)
	}
	if r.BarDB != r.LUFS {
		t.Errorf("BarDB = %v, want LUFS %v", r.BarDB, r.LUFS)
	}
	if len(r.History) == 0 {
		t.Error("no history")
	}
	in := r.HistogramInput()
	if in.Level != r.BarDB || in.Held != r.HeldTruePeakDB {
		t.Errorf("HistogramInput = %+v", in)
	}

	src.dropouts.Store(2)
	st := m.Status()
	if st.State != types.StateRunning || !st.Alive || st.SampleRate != testRate || st.Position == 0 || st.Dropouts != 2 {
		t.Errorf("Status = %+v", st)
	}

	if err := m.ResetHeld("test"); err != nil {
		t.Errorf("ResetHeld: %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.State() != types.StateStopped {
		t.Errorf("State after Stop = %q", m.State())
	}
	if got := m.Reading().Position; got != 0 {
		t.Errorf("Position after Stop = %d, want idle reading", got)
	}
	if got := m.Status().Dropouts; got != 2 {
		t.Errorf("Dropouts after Stop = %d, want 2 kept from the ended stream", got)
	}

	logged, _, err := eventlog.ReadLast(logPath, 10, 0, eventlog.FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[eventlog.EventType]bool{}
	for _, e := range logged {
		seen[e.Type] = true
	}
	for _, want := range []eventlog.EventType{eventlog.CaptureStarted, eventlog.HeldReset, eventlog.CaptureStopped} {
		if !seen[want] {
			t.Errorf("event %q not logged; got %v", want, logged)
		}
	}
}

func TestMonitor_StopClosesOpenSilence(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	events, err := eventlog.NewLogger(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = events.Close() }()

	cfg := newTestConfig(t)
	if err := cfg.SetSilence(-40, 1, 1000); err != nil {
		t.Fatal(err)
	}
	m := New(cfg, Options{
		Events:    events,
		NewSource: func(audio.SourceConfig) (audio.Source, error) { return &toneSource{}, nil },
	})

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "confirmed silence", func() bool { return m.Reading().Silence })
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}

	logged, _, err := eventlog.ReadLast(logPath, 10, 0, eventlog.FilterLevel)
	if err != nil {
		t.Fatal(err)
	}
	count := map[eventlog.EventType]int{}
	for _, e := range logged {
		count[e.Type]++
	}
	if count[eventlog.SilenceStart] != 1 || count[eventlog.SilenceEnd] != 1 {
		t.Errorf("level events = %v, want one silence start and one end", count)
	}

	// A restart begins from a clean detector, so starts and ends stay paired.
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	logged, _, err = eventlog.ReadLast(logPath, 10, 0, eventlog.FilterLevel)
	if err != nil {
		t.Fatal(err)
	}
	clear(count)
	for _, e := range logged {
		count[e.Type]++
	}
	if count[eventlog.SilenceStart] != count[eventlog.SilenceEnd] {
		t.Errorf("level events = %v, want every silence start matched by an end", count)
	}
}

func TestMonitor_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	m := New(newTestConfig(t), Options{
		NewSource: func(audio.SourceConfig) (audio.Source, error) {
			calls.Add(1)
			return failingSource{}, nil
		},
	})
	m.retry = util.Retry{Initial: time.Millisecond, Max: time.Millisecond}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "give up", func() bool { return m.State() == types.StateStopped })

	if got := int(calls.Load()); got != types.MaxRetries {
		t.Errorf("source created %d times, want %d", got, types.MaxRetries)
	}
	st := m.Status()
	if st.Dropouts != failingDropouts*types.MaxRetries {
		t.Errorf("Dropouts = %d, want %d summed over every attempt", st.Dropouts, failingDropouts*types.MaxRetries)
	}
	if !strings.Contains(st.LastError, "device unplugged") || !strings.HasPrefix(st.LastError, "Stopped after") {
		t.Errorf("LastError = %q", st.LastError)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop after give-up: %v", err)
	}
}

func TestMonitor_StopDuringRetryWait(t *testing.T) {
	m := New(newTestConfig(t), Options{
		NewSource: func(audio.SourceConfig) (audio.Source, error) { return failingSource{}, nil },
	})
	m.retry = util.Retry{Initial: time.Hour, Max: time.Hour}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first failure", func() bool { return m.Status().RetryCount == 1 })

	start := time.Now()
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Stop waited for the retry delay")
	}
}

func TestRenderer_BarSource(t *testing.T) {
	eng, err := meter.New(meter.DefaultConfig(testRate))
	if err != nil {
		t.Fatal(err)
	}
	samples := make([]float64, testRate)
	for i := range samples {
		samples[i] = 0.25
	}
	eng.Ingest(samples)

	cfg := config.New(filepath.Join(t.TempDir(), "c.json")).Snapshot()
	r := newRenderer(eng, &cfg)

	reading := r.render(time.Now(), BarSourceVU)
	if math.Abs(reading.VU-0.25) > 1e-12 {
		t.Errorf("VU = %v, want 0.25", reading.VU)
	}
	if reading.BarDB != reading.VUDB {
		t.Errorf("BarDB = %v, want VUDB %v", reading.BarDB, reading.VUDB)
	}
	if math.Abs(reading.PeakDB-reduce.ToDB(0.25)) > 1e-9 {
		t.Errorf("PeakDB = %v", reading.PeakDB)
	}

	// Instant peaks restart each snapshot; held peaks remain.
	next := r.render(time.Now(), BarSourceLUFS)
	if next.PeakDB != reduce.MinDB {
		t.Errorf("instant PeakDB after reset = %v", next.PeakDB)
	}
	if next.HeldPeakDB != reading.PeakDB {
		t.Errorf("HeldPeakDB = %v, want %v", next.HeldPeakDB, reading.PeakDB)
	}
	if next.BarDB != next.LUFS {
		t.Error("lufs bar source not applied")
	}
}
