// Package main runs a broadcast loudness and peak meter. It captures audio
// from a sound card, meters it in real time and serves the readings as
// histogram textures over WebSocket and REST.
//
// Usage:
//
//	zwfm-meter [-config path/to/config.json]
//
// If -config is not specified, the meter looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/audio"
	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/loudlog"
	"github.com/oszuidwest/zwfm-meter/internal/monitor"
	"github.com/oszuidwest/zwfm-meter/internal/notify"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	ffmpegPath := audio.ResolveFFmpeg(snap.FFmpegPath)
	ffmpegAvailable := ffmpegPath != ""
	if !ffmpegAvailable {
		slog.Warn("FFmpeg not found, process capture falls back to the platform default",
			"configured_path", snap.FFmpegPath)
	} else {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	}

	events, err := eventlog.NewLogger(eventlog.DefaultLogPath(snap.WebPort))
	if err != nil {
		slog.Warn("event log unavailable", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loud := startLoudnessLog(ctx, &snap, events)
	notifier := notify.NewNotifier(cfg)

	mon := monitor.New(cfg, monitor.Options{
		FFmpegPath: ffmpegPath,
		Events:     events,
		Notifier:   notifier,
		LoudLog:    loud,
	})

	srv := NewServer(cfg, mon, notifier, events, ffmpegAvailable)

	slog.Info("starting monitor", "backend", snap.Audio.Backend)
	if err := mon.Start(); err != nil {
		slog.Error("failed to start monitor", "error", err)
	}

	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")

	srv.releases.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := mon.Stop(); err != nil {
		slog.Error("error stopping monitor", "error", err)
	}
	notifier.Wait()

	cancel()
	if loud != nil {
		if err := loud.Close(); err != nil {
			slog.Error("error closing loudness log", "error", err)
		}
	}
	if events != nil {
		if err := events.Close(); err != nil {
			slog.Error("error closing event log", "error", err)
		}
	}

	slog.Info("shutdown complete")
}

// startLoudnessLog opens the loudness log when enabled and starts its
// archive and cleanup loop. Returns nil when logging is disabled or fails.
func startLoudnessLog(ctx context.Context, snap *config.Snapshot, events *eventlog.Logger) *loudlog.Logger {
	lc := snap.LoudnessLog
	if !lc.Enabled {
		return nil
	}

	var archive *loudlog.Archive
	if snap.HasS3() {
		a, err := loudlog.NewArchive(&loudlog.S3Config{
			Endpoint:        lc.S3Endpoint,
			Bucket:          lc.S3Bucket,
			AccessKeyID:     lc.S3AccessKeyID,
			SecretAccessKey: lc.S3SecretAccessKey,
			Prefix:          lc.S3Prefix,
		})
		if err != nil {
			slog.Error("failed to create loudness archive", "error", err)
		} else {
			archive = a
		}
	}

	onUpload := func(file, key string, err error) {
		if events == nil {
			return
		}
		details := &eventlog.OperatorDetails{Source: "loudlog", File: key}
		eventType := eventlog.LogUploaded
		if err != nil {
			eventType = eventlog.LogUploadFailed
			details.File = file
			details.Error = err.Error()
		}
		if logErr := events.LogOperator(eventType, details); logErr != nil {
			slog.Warn("failed to log upload event", "error", logErr)
		}
	}

	l, err := loudlog.NewLogger(loudlog.Config{
		Dir:           lc.LocalPath,
		Interval:      time.Duration(lc.IntervalMs) * time.Millisecond,
		RetentionDays: lc.RetentionDays,
	}, archive, onUpload)
	if err != nil {
		slog.Error("failed to open loudness log", "error", err)
		return nil
	}

	go l.Run(ctx)
	slog.Info("loudness log enabled", "dir", lc.LocalPath, "archive", archive != nil)
	return l
}
