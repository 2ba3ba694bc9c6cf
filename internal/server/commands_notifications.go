package server

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/notify"
	"github.com/oszuidwest/zwfm-meter/internal/types"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// MaxLogEntries is the number of alert log entries returned by log/view.
const MaxLogEntries = 100

// defaultEventLimit is the page size of events/view without a limit.
const defaultEventLimit = 50

// testTimeout bounds a notification test.
const testTimeout = 60 * time.Second

// handleNotificationUpdate stores the settings of one notification channel.
func (h *CommandHandler) handleNotificationUpdate(channel string, cmd WSCommand, send chan<- any) {
	switch channel {
	case "webhook":
		HandleCommand(cmd, send, func(req *WebhookUpdateRequest) (any, error) {
			return nil, h.cfg.SetWebhookURL(req.URL)
		})
	case "log":
		HandleCommand(cmd, send, func(req *LogUpdateRequest) (any, error) {
			if req.Path == "" {
				return nil, h.cfg.SetLogPath("")
			}
			path, err := util.CleanPath("path", req.Path)
			if err != nil {
				return nil, err
			}
			if err := util.EnsureWritableDir(filepath.Dir(path)); err != nil {
				return nil, err
			}
			return nil, h.cfg.SetLogPath(path)
		})
	case "email":
		HandleCommand(cmd, send, func(req *EmailUpdateRequest) (any, error) {
			if err := h.cfg.SetGraphConfig(req.TenantID, req.ClientID, req.ClientSecret, req.FromAddress, req.Recipients); err != nil {
				return nil, err
			}
			if h.notifier != nil {
				h.notifier.InvalidateGraphClient()
			}
			return nil, nil
		})
	}
}

// handleNotificationGet returns the settings of one channel, without secrets.
func (h *CommandHandler) handleNotificationGet(channel string, cmd WSCommand, send chan<- any) {
	snap := h.cfg.Snapshot()
	switch channel {
	case "webhook":
		SendSuccess(send, cmd.Type, WebhookUpdateRequest{URL: snap.WebhookURL})
	case "log":
		SendSuccess(send, cmd.Type, LogUpdateRequest{Path: snap.LogPath})
	case "email":
		SendSuccess(send, cmd.Type, types.GraphConfig{
			TenantID:    snap.GraphTenantID,
			ClientID:    snap.GraphClientID,
			FromAddress: snap.GraphFromAddress,
			Recipients:  snap.GraphRecipients,
		})
	}
}

// runTest sends a test notification through one channel.
func (h *CommandHandler) runTest(ctx context.Context, channel string) error {
	snap := h.cfg.Snapshot()
	switch channel {
	case "webhook":
		return notify.SendTestWebhook(ctx, snap.WebhookURL, snap.StationName)
	case "log":
		return notify.WriteTestLog(snap.LogPath)
	case "email":
		return notify.SendTestEmail(ctx, notify.BuildGraphConfig(&snap), snap.StationName)
	default:
		return fmt.Errorf("unknown test type: %s", channel)
	}
}

// handleTest executes a notification test and sends the result to the client.
func (h *CommandHandler) handleTest(channel string, send chan<- any) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in test handler", "channel", channel, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		result := types.WSTestResult{
			Type:     "test_result",
			TestType: channel,
			Success:  true,
		}
		if err := h.runTest(ctx, channel); err != nil {
			slog.Error("notification test failed", "channel", channel, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else {
			slog.Info("notification test succeeded", "channel", channel)
		}

		trySend(send, "test_"+channel, result)
	}()
}

// handleViewAlertLog returns the newest entries of the alert log file.
func (h *CommandHandler) handleViewAlertLog(cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		path := h.cfg.Snapshot().LogPath
		if path == "" {
			return nil, fmt.Errorf("log file path not configured")
		}
		entries, err := notify.ReadLog(path, MaxLogEntries)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "entries": entries}, nil
	})
}

// handleViewEvents returns a page of the event log.
func (h *CommandHandler) handleViewEvents(cmd WSCommand, send chan<- any) {
	var req EventsRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}
	if h.events == nil {
		SendError(send, cmd.Type, fmt.Errorf("event log not available"))
		return
	}
	path := h.events.Path()
	HandleActionAsync(cmd, send, func() (any, error) {
		filter, err := eventlog.ParseFilter(req.Filter)
		if err != nil {
			return nil, err
		}
		events, more, err := eventlog.ReadLast(path, cmp.Or(req.Limit, defaultEventLimit), req.Offset, filter)
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": events, "has_more": more}, nil
	})
}
