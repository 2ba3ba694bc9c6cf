package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/histogram"
	"github.com/oszuidwest/zwfm-meter/internal/notify"
	"github.com/oszuidwest/zwfm-meter/internal/types"
)

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Meter is the part of the capture monitor the commands drive.
type Meter interface {
	State() types.MonitorState
	Start() error
	Restart() error
	ResetHeld(source string) error
}

// Session is the state of one WebSocket connection. Each connection owns its
// builder, so resolution and policy changes never affect other clients.
type Session struct {
	Builder *histogram.Builder
}

// NewSession creates a session whose builder starts from the configured
// histogram settings.
func NewSession(cfg *config.Snapshot) (*Session, error) {
	b, err := histogram.NewBuilder(cfg.Histogram)
	if err != nil {
		return nil, err
	}
	if cfg.HistogramBinLimit > 0 {
		if err := b.RequestResolution(cfg.HistogramBinLimit); err != nil {
			return nil, err
		}
	}
	return &Session{Builder: b}, nil
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg             *config.Config
	meter           Meter
	notifier        *notify.Notifier
	events          *eventlog.Logger
	ffmpegAvailable bool
}

// NewCommandHandler creates a new command handler. notifier and events may be nil.
func NewCommandHandler(cfg *config.Config, m Meter, notifier *notify.Notifier, events *eventlog.Logger, ffmpegAvailable bool) *CommandHandler {
	return &CommandHandler{
		cfg:             cfg,
		meter:           m,
		notifier:        notifier,
		events:          events,
		ffmpegAvailable: ffmpegAvailable,
	}
}

// Handle processes a WebSocket command. Commands use slash-style names:
// namespace/action or namespace/channel/action.
func (h *CommandHandler) Handle(cmd WSCommand, sess *Session, send chan<- any, triggerStatusUpdate func()) {
	parts := strings.SplitN(cmd.Type, "/", 3)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	subaction := ""
	if len(parts) > 2 {
		subaction = parts[2]
	}

	switch namespace {
	case "meter":
		h.handleMeter(action, cmd, send)
	case "histogram":
		h.handleHistogram(action, cmd, sess, send)
	case "audio":
		h.handleAudio(action, cmd, send)
	case "silence":
		h.handleSilence(action, cmd, send)
	case "overload":
		h.handleOverload(action, cmd, send)
	case "notifications":
		h.handleNotifications(action, subaction, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	case "config":
		h.handleConfig(action, cmd, send)
	case "status":
		h.handleStatus(action)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
		SendError(send, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
		return
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

func (h *CommandHandler) handleMeter(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "reset-held":
		if err := h.meter.ResetHeld("ws"); err != nil {
			SendError(send, cmd.Type, err)
			return
		}
		SendSuccess(send, cmd.Type, nil)
	default:
		slog.Warn("unknown meter action", "action", action)
	}
}

func (h *CommandHandler) handleHistogram(action string, cmd WSCommand, sess *Session, send chan<- any) {
	switch action {
	case "resolution":
		h.handleResolution(cmd, sess, send)
	case "policy":
		h.handlePolicy(cmd, sess, send)
	case "get":
		SendSuccess(send, cmd.Type, histogramState(sess.Builder))
	default:
		slog.Warn("unknown histogram action", "action", action)
	}
}

func (h *CommandHandler) handleAudio(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleAudioUpdate(cmd, send)
	case "get":
		SendSuccess(send, cmd.Type, h.cfg.Snapshot().Audio)
	default:
		slog.Warn("unknown audio action", "action", action)
	}
}

func (h *CommandHandler) handleSilence(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleSilenceUpdate(cmd, send)
	case "get":
		snap := h.cfg.Snapshot()
		SendSuccess(send, cmd.Type, config.SilenceDetectionConfig{
			ThresholdDB: snap.SilenceThreshold,
			DurationMs:  snap.SilenceDurationMs,
			RecoveryMs:  snap.SilenceRecoveryMs,
		})
	default:
		slog.Warn("unknown silence action", "action", action)
	}
}

func (h *CommandHandler) handleOverload(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleOverloadUpdate(cmd, send)
	case "get":
		snap := h.cfg.Snapshot()
		SendSuccess(send, cmd.Type, config.OverloadConfig{
			ThresholdDB: snap.OverloadThreshold,
			RecoveryMs:  snap.OverloadRecoveryMs,
		})
	default:
		slog.Warn("unknown overload action", "action", action)
	}
}

// handleNotifications routes notifications/<channel>/<action> commands.
func (h *CommandHandler) handleNotifications(channel, action string, cmd WSCommand, send chan<- any) {
	switch channel {
	case "webhook", "log", "email":
	default:
		slog.Warn("unknown notifications channel", "channel", channel)
		return
	}

	switch action {
	case "update":
		h.handleNotificationUpdate(channel, cmd, send)
	case "test":
		h.handleTest(channel, send)
	case "get":
		h.handleNotificationGet(channel, cmd, send)
	case "view":
		if channel == "log" {
			h.handleViewAlertLog(cmd, send)
			return
		}
		fallthrough
	default:
		slog.Warn("unknown notifications action", "channel", channel, "action", action)
	}
}

func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "view":
		h.handleViewEvents(cmd, send)
	default:
		slog.Warn("unknown events action", "action", action)
	}
}

func (h *CommandHandler) handleConfig(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		doc, err := h.cfg.Public()
		if err != nil {
			SendError(send, cmd.Type, err)
			return
		}
		trySend(send, cmd.Type, types.WSConfigResponse{Type: "config", Config: doc})
	default:
		slog.Warn("unknown config action", "action", action)
	}
}

func (h *CommandHandler) handleStatus(action string) {
	switch action {
	case "get":
		// Status is pushed periodically; the update trigger sends it now.
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}
