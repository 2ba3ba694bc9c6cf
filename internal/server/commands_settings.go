package server

import (
	"cmp"
	"log/slog"

	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/histogram"
	"github.com/oszuidwest/zwfm-meter/internal/types"
)

// HistogramState describes a session's negotiated histogram.
type HistogramState struct {
	Bins         int              `json:"bins"`
	NativeBins   int              `json:"native_bins"`
	ResolutionDB float64          `json:"resolution_db"`
	Policy       histogram.Policy `json:"policy"`
}

func histogramState(b *histogram.Builder) HistogramState {
	cfg := b.Config()
	bins := b.Resolution()
	return HistogramState{
		Bins:         bins,
		NativeBins:   b.NativeBins(),
		ResolutionDB: (cfg.DBCeiling - cfg.DBFloor) / float64(bins),
		Policy:       b.Policy(),
	}
}

// --- Histogram handlers ---

// handleResolution processes histogram/resolution for this connection only.
func (h *CommandHandler) handleResolution(cmd WSCommand, sess *Session, send chan<- any) {
	HandleCommand(cmd, send, func(req *ResolutionRequest) (any, error) {
		if err := sess.Builder.RequestResolution(req.Bins); err != nil {
			return nil, err
		}
		state := histogramState(sess.Builder)
		if h.events != nil {
			if err := h.events.LogOperator(eventlog.ResolutionChange, &eventlog.OperatorDetails{
				Source:     "ws",
				Resolution: state.Bins,
			}); err != nil {
				slog.Warn("failed to log resolution change", "error", err)
			}
		}
		return state, nil
	})
}

// handlePolicy processes histogram/policy for this connection only.
func (h *CommandHandler) handlePolicy(cmd WSCommand, sess *Session, send chan<- any) {
	HandleCommand(cmd, send, func(req *PolicyRequest) (any, error) {
		if err := sess.Builder.SetPolicy(histogram.Policy(req.Policy)); err != nil {
			return nil, err
		}
		return histogramState(sess.Builder), nil
	})
}

// --- Audio handlers ---

// handleAudioUpdate processes an audio/update command and restarts capture
// so the new stream gets a fresh engine.
func (h *CommandHandler) handleAudioUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *AudioUpdateRequest) (any, error) {
		audio := h.cfg.Snapshot().Audio
		audio.Backend = cmp.Or(deref(req.Backend), audio.Backend)
		audio.SampleRate = cmp.Or(deref(req.SampleRate), audio.SampleRate)
		audio.Channels = cmp.Or(deref(req.Channels), audio.Channels)
		audio.ChannelMode = cmp.Or(deref(req.ChannelMode), audio.ChannelMode)
		if req.Input != nil {
			audio.Input = *req.Input
		}

		slog.Info("audio/update: changing capture settings",
			"backend", audio.Backend, "input", audio.Input, "sample_rate", audio.SampleRate)
		if err := h.cfg.SetAudio(audio); err != nil {
			return nil, err
		}

		go func() {
			var err error
			switch h.meter.State() {
			case types.StateRunning, types.StateStarting:
				err = h.meter.Restart()
			case types.StateStopped:
				err = h.meter.Start()
			}
			if err != nil {
				slog.Error("audio/update: monitor state change failed", "error", err)
			}
		}()

		return audio, nil
	})
}

// --- Detection handlers ---

// handleSilenceUpdate processes a silence/update command. The render loop
// reads thresholds every tick, so no restart is needed.
func (h *CommandHandler) handleSilenceUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *SilenceUpdateRequest) (any, error) {
		snap := h.cfg.Snapshot()
		return nil, h.cfg.SetSilence(
			derefOr(req.ThresholdDB, snap.SilenceThreshold),
			derefOr(req.DurationMs, snap.SilenceDurationMs),
			derefOr(req.RecoveryMs, snap.SilenceRecoveryMs),
		)
	})
}

// handleOverloadUpdate processes an overload/update command.
func (h *CommandHandler) handleOverloadUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *OverloadUpdateRequest) (any, error) {
		snap := h.cfg.Snapshot()
		return nil, h.cfg.SetOverload(
			derefOr(req.ThresholdDB, snap.OverloadThreshold),
			derefOr(req.RecoveryMs, snap.OverloadRecoveryMs),
		)
	})
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func derefOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
