// Package eventlog records meter events (capture lifecycle, silence and
// overload episodes, operator actions) in a single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Capture event types.
const (
	CaptureStarted EventType = "capture_started"
	CaptureError   EventType = "capture_error"
	CaptureRetry   EventType = "capture_retry"
	CaptureStopped EventType = "capture_stopped"
)

// Level event types.
const (
	SilenceStart  EventType = "silence_start"
	SilenceEnd    EventType = "silence_end"
	OverloadStart EventType = "overload_start"
	OverloadEnd   EventType = "overload_end"
)

// Operator event types.
const (
	HeldReset        EventType = "held_reset"
	ResolutionChange EventType = "resolution_change"
	LogUploaded      EventType = "log_uploaded"
	LogUploadFailed  EventType = "log_upload_failed"
	UpdateAvailable  EventType = "update_available"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// CaptureDetails contains capture-specific event details.
type CaptureDetails struct {
	Backend    string `json:"backend,omitempty"`
	Input      string `json:"input,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// LevelDetails contains silence and overload event details.
type LevelDetails struct {
	LevelDB     float64 `json:"level_db"`
	ThresholdDB float64 `json:"threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	Count       int     `json:"count,omitempty"`
}

// OperatorDetails contains details of operator-triggered events.
type OperatorDetails struct {
	Source     string  `json:"source,omitempty"` // "ws", "api"
	Resolution int     `json:"resolution,omitempty"`
	HeldPeakDB float64 `json:"held_peak_db,omitempty"`
	File       string  `json:"file,omitempty"`
	Error      string  `json:"error,omitempty"`
	Version    string  `json:"version,omitempty"`
}

// Logger writes events to a JSON lines file. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "zwfm-meter", "logs", strconv.Itoa(port), "meter.jsonl")
	default:
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/zwfm-meter", strconv.Itoa(port), "meter.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return l.encoder.Encode(event)
}

// LogCapture logs a capture lifecycle event.
func (l *Logger) LogCapture(eventType EventType, message string, details *CaptureDetails) error {
	return l.Log(&Event{Type: eventType, Message: message, Details: details})
}

// LogLevel logs a silence or overload transition.
func (l *Logger) LogLevel(eventType EventType, levelDB, thresholdDB float64, durationMs int64, count int) error {
	return l.Log(&Event{
		Type: eventType,
		Details: &LevelDetails{
			LevelDB:     levelDB,
			ThresholdDB: thresholdDB,
			DurationMs:  durationMs,
			Count:       count,
		},
	})
}

// LogOperator logs an operator action or a background job result.
func (l *Logger) LogOperator(eventType EventType, details *OperatorDetails) error {
	return l.Log(&Event{Type: eventType, Details: details})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll      TypeFilter = ""
	FilterCapture  TypeFilter = "capture"
	FilterLevel    TypeFilter = "level"
	FilterOperator TypeFilter = "operator"
)

// ParseFilter validates a filter name.
func ParseFilter(s string) (TypeFilter, error) {
	switch f := TypeFilter(s); f {
	case FilterAll, FilterCapture, FilterLevel, FilterOperator:
		return f, nil
	}
	return "", fmt.Errorf("unknown event filter %q", s)
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file newest first, skipping offset
// matching events and returning at most n. The second result reports
// whether older matching events exist.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterCapture:
		return IsCaptureEvent(t)
	case FilterLevel:
		return IsLevelEvent(t)
	case FilterOperator:
		return !IsCaptureEvent(t) && !IsLevelEvent(t)
	}
	return true
}

// IsCaptureEvent reports whether the event type is a capture event.
func IsCaptureEvent(t EventType) bool {
	return t == CaptureStarted || t == CaptureError || t == CaptureRetry || t == CaptureStopped
}

// IsLevelEvent reports whether the event type is a silence or overload event.
func IsLevelEvent(t EventType) bool {
	return t == SilenceStart || t == SilenceEnd || t == OverloadStart || t == OverloadEnd
}
