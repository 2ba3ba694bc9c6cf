package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// LogEntry is one line of the alert log file.
type LogEntry struct {
	Timestamp   string  `json:"timestamp"`             // RFC3339 timestamp
	Event       string  `json:"event"`                 // silence_detected, overload_recovered, ...
	LevelDB     float64 `json:"level_db,omitempty"`    // Level at the transition
	ThresholdDB float64 `json:"threshold_db"`          // Configured threshold
	DurationMs  int64   `json:"duration_ms,omitempty"` // Condition length (recovery only)
	Count       int     `json:"count,omitempty"`       // Ticks over the limit
}

// LogAlert appends an alert to the log file.
func LogAlert(logPath string, a *Alert) error {
	return appendLogEntry(logPath, &LogEntry{
		Timestamp:   timestampUTC(),
		Event:       a.EventName(),
		LevelDB:     a.LevelDB,
		ThresholdDB: a.ThresholdDB,
		DurationMs:  a.DurationMs,
		Count:       a.Count,
	})
}

// WriteTestLog writes a test log entry.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}

	return appendLogEntry(logPath, &LogEntry{
		Timestamp: timestampUTC(),
		Event:     "test",
	})
}

// appendLogEntry appends a log entry to the file.
func appendLogEntry(logPath string, entry *LogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}
	jsonData = append(jsonData, '\n')

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}

	if _, err := f.Write(jsonData); err != nil {
		_ = f.Close()
		return util.WrapError("write log entry", err)
	}
	return f.Close()
}

// ReadLog returns up to n entries from the alert log, newest first.
// Lines that are not valid entries are skipped.
func ReadLog(logPath string, n int) ([]LogEntry, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []LogEntry{}, nil
		}
		return nil, util.WrapError("read log file", err)
	}

	lines := bytes.Split(bytes.TrimSpace(data), []byte{'\n'})
	entries := make([]LogEntry, 0, min(n, len(lines)))
	for i := len(lines) - 1; i >= 0 && len(entries) < n; i-- {
		var e LogEntry
		if json.Unmarshal(lines[i], &e) != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
