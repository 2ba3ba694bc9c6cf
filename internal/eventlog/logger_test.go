package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLogger_ReadLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "meter.jsonl")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(l.LogCapture(CaptureStarted, "capture started", &CaptureDetails{Backend: "process", SampleRate: 48000}))
	must(l.LogLevel(SilenceStart, -70, -40, 0, 0))
	must(l.LogLevel(SilenceEnd, -12, -40, 15000, 0))
	must(l.LogOperator(HeldReset, &OperatorDetails{Source: "ws", HeldPeakDB: -0.3}))
	must(l.LogLevel(OverloadStart, 0.4, -1, 0, 1))

	all, more, err := ReadLast(path, 10, 0, FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || more {
		t.Fatalf("got %d events (more=%v), want 5", len(all), more)
	}
	if all[0].Type != OverloadStart || all[4].Type != CaptureStarted {
		t.Errorf("order = %s .. %s, want newest first", all[0].Type, all[4].Type)
	}

	levels, more, err := ReadLast(path, 2, 0, FilterLevel)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 || !more {
		t.Errorf("level page = %d events (more=%v), want 2 with more", len(levels), more)
	}
	if levels[0].Type != OverloadStart || levels[1].Type != SilenceEnd {
		t.Errorf("level page = %s, %s", levels[0].Type, levels[1].Type)
	}

	rest, more, err := ReadLast(path, 2, 2, FilterLevel)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || more || rest[0].Type != SilenceStart {
		t.Errorf("second level page = %+v (more=%v)", rest, more)
	}

	ops, _, err := ReadLast(path, 10, 0, FilterOperator)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Type != HeldReset {
		t.Errorf("operator events = %+v", ops)
	}
}

func TestReadLast_MissingFileAndMalformedLines(t *testing.T) {
	dir := t.TempDir()
	events, more, err := ReadLast(filepath.Join(dir, "none.jsonl"), 10, 0, FilterAll)
	if err != nil || len(events) != 0 || more {
		t.Errorf("missing file: %v %v %v", events, more, err)
	}

	path := filepath.Join(dir, "bad.jsonl")
	data := "not json\n{\"ts\":\"2026-01-02T03:04:05Z\",\"type\":\"held_reset\"}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	events, _, err = ReadLast(path, 10, 0, FilterAll)
	if err != nil || len(events) != 1 {
		t.Errorf("malformed file: %v %v", events, err)
	}
}

func TestParseFilter(t *testing.T) {
	if _, err := ParseFilter("level"); err != nil {
		t.Error(err)
	}
	if _, err := ParseFilter("recorder"); err == nil {
		t.Error("unknown filter accepted")
	}
}
