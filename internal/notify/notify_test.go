package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/oszuidwest/zwfm-meter/internal/audio"
	"github.com/oszuidwest/zwfm-meter/internal/config"
)

type hookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.payloads = append(h.payloads, p)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookRecorder) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.payloads))
	for i, p := range h.payloads {
		out[i] = p.Event
	}
	return out
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func readLog(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer func() { _ = f.Close() }()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAlert_Names(t *testing.T) {
	tests := []struct {
		kind  Kind
		phase Phase
		event string
		subj  string
	}{
		{KindSilence, PhaseStart, "silence_detected", "[ALERT] Silence Detected - X"},
		{KindSilence, PhaseEnd, "silence_recovered", "[OK] Audio Recovered - X"},
		{KindOverload, PhaseStart, "overload_detected", "[ALERT] True Peak Overload - X"},
		{KindOverload, PhaseEnd, "overload_recovered", "[OK] Overload Cleared - X"},
	}
	for _, tt := range tests {
		a := &Alert{Kind: tt.kind, Phase: tt.phase, Station: "X", DurationMs: 65000}
		if got := a.EventName(); got != tt.event {
			t.Errorf("EventName = %q, want %q", got, tt.event)
		}
		if got := a.Subject(); got != tt.subj {
			t.Errorf("Subject = %q, want %q", got, tt.subj)
		}
		if tt.phase == PhaseEnd && !strings.Contains(a.Body(), "1m 5s") {
			t.Errorf("recovery body lacks duration: %q", a.Body())
		}
	}
}

func TestSendAlertWebhook(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	a := &Alert{Kind: KindOverload, Phase: PhaseStart, Station: "ZWFM", LevelDB: 0.4, ThresholdDB: -1, Count: 2}
	if err := SendAlertWebhook(context.Background(), srv.URL, a); err != nil {
		t.Fatalf("SendAlertWebhook: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.payloads) != 1 {
		t.Fatalf("got %d payloads", len(rec.payloads))
	}
	p := rec.payloads[0]
	if p.Event != "overload_detected" || p.Station != "ZWFM" || p.Count != 2 || p.ThresholdDB != -1 {
		t.Errorf("payload = %+v", p)
	}
}

func TestSendWebhook_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := SendTestWebhook(context.Background(), srv.URL, "ZWFM"); err == nil {
		t.Error("expected error on 500")
	}
	if err := SendTestWebhook(context.Background(), "", "ZWFM"); err == nil {
		t.Error("expected error without URL")
	}
}

func TestLogAlert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	if err := LogAlert(path, &Alert{Kind: KindSilence, Phase: PhaseStart, LevelDB: -70, ThresholdDB: -40}); err != nil {
		t.Fatal(err)
	}
	if err := WriteTestLog(path); err != nil {
		t.Fatal(err)
	}
	entries := readLog(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Event != "silence_detected" || entries[0].LevelDB != -70 {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[1].Event != "test" {
		t.Errorf("entry = %+v", entries[1])
	}
}

func TestNotifier_StartOnceRecoverOnce(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := newTestConfig(t)
	if err := cfg.SetWebhookURL(srv.URL); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(t.TempDir(), "alerts.jsonl")
	if err := cfg.SetLogPath(logPath); err != nil {
		t.Fatal(err)
	}

	n := NewNotifier(cfg)
	n.HandleSilence(audio.SilenceEvent{JustEntered: true, CurrentLevel: -80})
	n.HandleSilence(audio.SilenceEvent{JustEntered: true, CurrentLevel: -80})
	n.HandleSilence(audio.SilenceEvent{InSilence: true})
	n.HandleSilence(audio.SilenceEvent{JustRecovered: true, TotalDurationMs: 20000})
	n.HandleSilence(audio.SilenceEvent{JustRecovered: true, TotalDurationMs: 20000})
	n.Wait()

	// Deliveries run concurrently, so only count them.
	events := rec.events()
	count := map[string]int{}
	for _, e := range events {
		count[e]++
	}
	if count["silence_detected"] != 1 || count["silence_recovered"] != 1 {
		t.Errorf("webhook events = %v", events)
	}
	if got := len(readLog(t, logPath)); got != 2 {
		t.Errorf("log entries = %d, want 2", got)
	}
}

func TestNotifier_KindsAreIndependent(t *testing.T) {
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := newTestConfig(t)
	if err := cfg.SetWebhookURL(srv.URL); err != nil {
		t.Fatal(err)
	}

	n := NewNotifier(cfg)
	n.HandleSilence(audio.SilenceEvent{JustEntered: true})
	n.HandleOverload(audio.OverloadEvent{JustEntered: true, PeakDB: 0.5, Count: 1})
	n.HandleOverload(audio.OverloadEvent{JustRecovered: true, DurationMs: 4000, Count: 1})
	n.Wait()

	if got := len(rec.events()); got != 3 {
		t.Errorf("webhook calls = %d, want 3", got)
	}

	// Recovery without a matching start stays quiet.
	n.Reset()
	n.HandleOverload(audio.OverloadEvent{JustRecovered: true})
	n.Wait()
	if got := len(rec.events()); got != 3 {
		t.Errorf("webhook calls after reset = %d, want 3", got)
	}
}

func TestValidateConfig(t *testing.T) {
	good := &GraphConfig{
		TenantID:     "12345678-1234-1234-1234-123456789abc",
		ClientID:     "12345678-1234-1234-1234-123456789abc",
		ClientSecret: "secret",
		FromAddress:  "meter@example.org",
		Recipients:   "a@example.org, b@example.org",
	}
	if err := ValidateConfig(good); err != nil {
		t.Errorf("ValidateConfig: %v", err)
	}
	bad := *good
	bad.TenantID = "not-a-guid"
	if err := ValidateConfig(&bad); err == nil {
		t.Error("non-GUID tenant accepted")
	}
	if got := ParseRecipients(good.Recipients); len(got) != 2 || got[1] != "b@example.org" {
		t.Errorf("ParseRecipients = %v", got)
	}
	if IsConfigured(&GraphConfig{}) {
		t.Error("empty config reported as configured")
	}
}

func TestReadLogNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	for i := range 3 {
		a := &Alert{Kind: KindSilence, Phase: PhaseStart, LevelDB: float64(-50 - i), ThresholdDB: -40}
		if err := LogAlert(path, a); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := ReadLog(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].LevelDB != -52 || entries[1].LevelDB != -51 {
		t.Errorf("entries not newest first: %+v", entries)
	}

	missing, err := ReadLog(filepath.Join(t.TempDir(), "none.jsonl"), 10)
	if err != nil || len(missing) != 0 {
		t.Errorf("missing file: got %v, %v", missing, err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0s"},
		{45_000, "45s"},
		{154_000, "2m 34s"},
		{4_980_000, "1h 23m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.ms); got != tt.want {
			t.Errorf("formatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestAlert_RecoveryBodyReportsDuration(t *testing.T) {
	a := &Alert{Kind: KindSilence, Phase: PhaseEnd, LevelDB: -20, ThresholdDB: -40, DurationMs: 154_000}
	if body := a.Body(); !strings.Contains(body, "Lasted:    2m 34s") || !strings.Contains(body, "LUFS") {
		t.Errorf("body = %q", body)
	}
}
