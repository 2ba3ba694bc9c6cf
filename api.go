package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/audio"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/histogram"
	"github.com/oszuidwest/zwfm-meter/internal/monitor"
	"github.com/oszuidwest/zwfm-meter/internal/notify"
	"github.com/oszuidwest/zwfm-meter/internal/types"
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// queryInt parses an optional integer query parameter, returning fallback
// when absent. A malformed value is recorded in verr.
func queryInt(verr *types.ValidationError, r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(name, "must be an integer", raw)
		return fallback
	}
	return v
}

// MeterResponse is the body of GET /api/meter.
type MeterResponse struct {
	Reading   *monitor.Reading  `json:"reading"`
	Histogram histogram.Texture `json:"histogram"`
}

// handleAPIMeter returns the latest reading with a histogram built for the
// request. The bins and policy parameters apply to this response only.
// GET /api/meter?bins=N&policy=max-pool|average
func (s *Server) handleAPIMeter(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	b, err := histogram.NewBuilder(cfg.Histogram)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	verr := types.NewValidationError()
	if bins := queryInt(verr, r, "bins", cfg.HistogramBinLimit); bins != 0 {
		if err := b.RequestResolution(bins); err != nil {
			verr.Add("bins", err.Error(), bins)
		}
	}
	if policy := r.URL.Query().Get("policy"); policy != "" {
		if err := b.SetPolicy(histogram.Policy(policy)); err != nil {
			verr.Add("policy", err.Error(), policy)
		}
	}
	if !verr.Empty() {
		s.writeJSON(w, http.StatusBadRequest, verr)
		return
	}

	reading := s.monitor.Reading()
	s.writeJSON(w, http.StatusOK, MeterResponse{
		Reading:   reading,
		Histogram: b.Build(reading.HistogramInput()),
	})
}

// handleAPIResetHeld clears the held peaks.
// POST /api/meter/reset-held
func (s *Server) handleAPIResetHeld(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.ResetHeld("api"); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "held_reset"})
}

// handleAPIStatus returns monitor state and version information.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildWSStatus())
}

// handleAPIConfig returns the configuration with secrets masked.
// GET /api/config
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := s.config.Public()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// handleAPIDevices lists capture devices for a backend.
// GET /api/devices?backend=process|device
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	backend := cmp.Or(r.URL.Query().Get("backend"), s.config.Snapshot().Audio.Backend)
	if backend != audio.BackendProcess && backend != audio.BackendDevice {
		s.writeError(w, http.StatusBadRequest, "unknown backend: "+backend)
		return
	}
	s.writeJSON(w, http.StatusOK, toDeviceList(audio.Devices(backend)))
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?filter=&limit=&offset=
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event log not available")
		return
	}

	verr := types.NewValidationError()
	filter, err := eventlog.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		verr.Add("filter", err.Error(), r.URL.Query().Get("filter"))
	}
	limit := queryInt(verr, r, "limit", 50)
	if limit < 1 || limit > eventlog.MaxReadLimit {
		verr.Add("limit", fmt.Sprintf("must be between 1 and %d", eventlog.MaxReadLimit), limit)
	}
	offset := queryInt(verr, r, "offset", 0)
	if offset < 0 {
		verr.Add("offset", "must not be negative", offset)
	}
	if !verr.Empty() {
		s.writeJSON(w, http.StatusBadRequest, verr)
		return
	}

	events, more, err := eventlog.ReadLast(s.events.Path(), limit, offset, filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "has_more": more})
}

// handleAPITestNotification sends a test through one notification channel.
// POST /api/notifications/{channel}/test
func (s *Server) handleAPITestNotification(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	cfg := s.config.Snapshot()

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	var err error
	switch channel {
	case "webhook":
		if !cfg.HasWebhook() {
			s.writeError(w, http.StatusBadRequest, "no webhook URL configured")
			return
		}
		err = notify.SendTestWebhook(ctx, cfg.WebhookURL, cfg.StationName)
	case "log":
		err = notify.WriteTestLog(cfg.LogPath)
	case "email":
		err = notify.SendTestEmail(ctx, notify.BuildGraphConfig(&cfg), cfg.StationName)
	default:
		s.writeError(w, http.StatusNotFound, "unknown channel: "+channel)
		return
	}

	result := types.WSTestResult{Type: "test_result", TestType: channel, Success: err == nil}
	if err != nil {
		result.Error = err.Error()
		s.writeJSON(w, http.StatusBadGateway, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
