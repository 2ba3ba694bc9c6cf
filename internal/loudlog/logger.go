// Package loudlog writes a periodic loudness log to hourly JSON lines files,
// prunes old files and optionally archives finished hours to S3.
package loudlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/util"
)

const (
	filePrefix = "loudness-"
	fileSuffix = ".jsonl"
	// hourLayout names one file per local hour.
	hourLayout = "2006-01-02-15"

	uploadQueueSize  = 48
	uploadTimeout    = 2 * time.Minute
	uploadRetries    = 3
	uploadRetryDelay = 5 * time.Second
	cleanupInterval  = 24 * time.Hour
)

// ErrClosed is returned by Observe after Close.
var ErrClosed = errors.New("loudness log closed")

// Record is one line of the loudness log. Peak and true peak are the maxima
// over the interval; the other values are those of the last render tick.
type Record struct {
	Time           time.Time `json:"time"`
	LUFS           float64   `json:"lufs"`
	VUDB           float64   `json:"vu_db"`
	PeakDB         float64   `json:"peak_db"`
	TruePeakDB     float64   `json:"true_peak_db"`
	HeldTruePeakDB float64   `json:"held_true_peak_db"`
	Clips          uint64    `json:"clips,omitzero"`
}

// Config describes where and how often the log is written.
type Config struct {
	Dir           string
	Interval      time.Duration
	RetentionDays int // 0 keeps files forever
}

// UploadFunc reports the outcome of one archive upload.
type UploadFunc func(file, key string, err error)

// Logger aggregates render ticks into interval records. Observe is called
// from the render loop; Run owns uploads and cleanup.
type Logger struct {
	cfg      Config
	archive  *Archive
	onUpload UploadFunc

	mu       sync.Mutex
	file     *os.File
	fileHour string
	pending  Record
	started  time.Time
	closed   bool

	uploads chan string
}

// NewLogger creates the log directory. archive may be nil.
func NewLogger(cfg Config, archive *Archive, onUpload UploadFunc) (*Logger, error) {
	dir, err := util.CleanPath("loudness log directory", cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("loudness log interval must be positive")
	}
	if err := util.EnsureWritableDir(dir); err != nil {
		return nil, err
	}
	cfg.Dir = dir
	return &Logger{
		cfg:      cfg,
		archive:  archive,
		onUpload: onUpload,
		pending:  emptyRecord(),
		uploads:  make(chan string, uploadQueueSize),
	}, nil
}

func emptyRecord() Record {
	return Record{PeakDB: math.Inf(-1), TruePeakDB: math.Inf(-1)}
}

// FileName returns the log file name for the hour containing t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(hourLayout) + fileSuffix
}

// fileDate parses the hour from a log file name made by FileName.
func fileDate(name string) (time.Time, bool) {
	stamp, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, ok = strings.CutSuffix(stamp, fileSuffix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(hourLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Observe folds one render tick into the current interval and writes a
// record once the interval has elapsed.
func (l *Logger) Observe(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.started.IsZero() {
		l.started = r.Time
	}

	l.pending.Time = r.Time
	l.pending.LUFS = r.LUFS
	l.pending.VUDB = r.VUDB
	l.pending.HeldTruePeakDB = r.HeldTruePeakDB
	l.pending.PeakDB = max(l.pending.PeakDB, r.PeakDB)
	l.pending.TruePeakDB = max(l.pending.TruePeakDB, r.TruePeakDB)
	l.pending.Clips += r.Clips

	if r.Time.Sub(l.started) < l.cfg.Interval {
		return nil
	}

	rec := l.pending
	l.pending = emptyRecord()
	l.started = r.Time
	return l.writeLocked(&rec)
}

// writeLocked appends rec, rotating to a new file on an hour boundary.
func (l *Logger) writeLocked(rec *Record) error {
	hour := rec.Time.Format(hourLayout)
	if l.file == nil || hour != l.fileHour {
		if err := l.rotateLocked(rec.Time); err != nil {
			return err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return util.WrapError("marshal loudness record", err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return util.WrapError("write loudness record", err)
	}
	return nil
}

func (l *Logger) rotateLocked(t time.Time) error {
	if l.file != nil {
		finished := l.file.Name()
		if err := l.file.Close(); err != nil {
			slog.Warn("loudness log: close failed", "file", finished, "error", err)
		}
		l.file = nil
		l.queueUpload(finished)
	}

	name := filepath.Join(l.cfg.Dir, FileName(t))
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open loudness log", err)
	}
	l.file = f
	l.fileHour = t.Format(hourLayout)
	return nil
}

func (l *Logger) queueUpload(file string) {
	if l.archive == nil {
		return
	}
	select {
	case l.uploads <- file:
	default:
		slog.Warn("loudness log: upload queue full, skipping", "file", file)
	}
}

// CurrentFile returns the path of the file being written, if any.
func (l *Logger) CurrentFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Run uploads finished files and prunes old ones until ctx is canceled.
func (l *Logger) Run(ctx context.Context) {
	l.cleanup(ctx, time.Now())

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case file := <-l.uploads:
			l.upload(ctx, file)
		case now := <-ticker.C:
			l.cleanup(ctx, now)
		}
	}
}

func (l *Logger) upload(ctx context.Context, file string) {
	retry := util.Retry{Initial: uploadRetryDelay, Max: 4 * uploadRetryDelay}

	var key string
	var err error
	for attempt := range uploadRetries {
		if attempt > 0 && !retry.Wait(ctx.Done(), attempt) {
			return
		}
		uctx, cancel := context.WithTimeout(ctx, uploadTimeout)
		key, err = l.archive.Upload(uctx, file)
		cancel()
		if err == nil {
			break
		}
		slog.Warn("loudness log: upload failed", "file", file, "attempt", attempt+1, "error", err)
	}

	if err == nil {
		slog.Info("loudness log: uploaded", "file", filepath.Base(file), "key", key)
	}
	if l.onUpload != nil {
		l.onUpload(file, key, err)
	}
}

// cleanup removes local and archived files older than the retention period.
func (l *Logger) cleanup(ctx context.Context, now time.Time) {
	if l.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -l.cfg.RetentionDays)

	if n, err := l.CleanupLocal(cutoff); err != nil {
		slog.Warn("loudness log: local cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("loudness log: deleted local files", "count", n)
	}

	if l.archive == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if n, err := l.archive.Cleanup(cctx, cutoff); err != nil {
		slog.Warn("loudness log: archive cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("loudness log: deleted archived files", "count", n)
	}
}

// CleanupLocal deletes log files dated before cutoff, never the file being
// written.
func (l *Logger) CleanupLocal(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return 0, util.WrapError("read loudness log directory", err)
	}
	current := l.CurrentFile()

	var deleted int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		date, ok := fileDate(name)
		if !ok || !date.Before(cutoff) {
			continue
		}
		full := filepath.Join(l.cfg.Dir, name)
		if full == current {
			continue
		}
		if err := os.Remove(full); err != nil {
			slog.Warn("loudness log: failed to delete file", "file", name, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Close flushes the interval in progress and closes the current file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if !l.started.IsZero() && !math.IsInf(l.pending.TruePeakDB, -1) {
		rec := l.pending
		errs = append(errs, l.writeLocked(&rec))
	}
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	return errors.Join(errs...)
}
