package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	r := Retry{Initial: time.Second, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := r.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := (Retry{}).Delay(3); got != 0 {
		t.Errorf("zero Retry delay = %v, want 0", got)
	}
}

func TestRetryWaitStops(t *testing.T) {
	done := make(chan struct{})
	close(done)
	start := time.Now()
	if (Retry{Initial: time.Hour, Max: time.Hour}).Wait(done, 1) {
		t.Error("Wait returned true after done closed")
	}
	if time.Since(start) > time.Second {
		t.Error("Wait ignored done")
	}
	if !(Retry{Initial: time.Millisecond, Max: time.Millisecond}).Wait(make(chan struct{}), 1) {
		t.Error("Wait returned false without done")
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"", "", false},
		{"/var/log/../etc", "", false},
		{"/var/log/meter/", "/var/log/meter", true},
		{"logs//loudness", "logs/loudness", true},
	}
	for _, tt := range tests {
		got, err := CleanPath("path", tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("CleanPath(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestEnsureWritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	if err := EnsureWritableDir(dir); err != nil {
		t.Fatalf("EnsureWritableDir: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("write test left %d files behind", len(entries))
	}

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureWritableDir(filepath.Join(file, "sub")); err == nil {
		t.Error("directory under a regular file accepted")
	}
}

func TestIsConfigured(t *testing.T) {
	if !IsConfigured("a", "b") || IsConfigured("a", "") || !IsConfigured() {
		t.Error("IsConfigured mismatch")
	}
}

func TestWrapError(t *testing.T) {
	if WrapError("x", nil) != nil {
		t.Error("nil error should stay nil")
	}
	base := errors.New("boom")
	err := WrapError("open device", base)
	if !errors.Is(err, base) {
		t.Error("wrapped error lost its cause")
	}
	if err.Error() != "failed to open device: boom" {
		t.Errorf("message = %q", err.Error())
	}
}
