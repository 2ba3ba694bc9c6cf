package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/audio"
	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/histogram"
	"github.com/oszuidwest/zwfm-meter/internal/monitor"
	"github.com/oszuidwest/zwfm-meter/internal/notify"
	"github.com/oszuidwest/zwfm-meter/internal/server"
	"github.com/oszuidwest/zwfm-meter/internal/types"
)

// statusInterval is how often connected clients receive a status message.
const statusInterval = 3 * time.Second

// WSFrame is one rendered meter frame pushed to a WebSocket client.
type WSFrame struct {
	Type      string            `json:"type"` // "frame"
	Reading   *monitor.Reading  `json:"reading"`
	Histogram histogram.Texture `json:"histogram"`
}

// Server is the HTTP server that exposes the meter over WebSocket and REST.
type Server struct {
	config          *config.Config
	monitor         *monitor.Monitor
	events          *eventlog.Logger
	commands        *server.CommandHandler
	releases        *ReleaseWatcher
	sessions        *server.SessionManager
	ffmpegAvailable bool
}

// NewServer returns a new Server for the given monitor.
func NewServer(cfg *config.Config, mon *monitor.Monitor, notifier *notify.Notifier, events *eventlog.Logger, ffmpegAvailable bool) *Server {
	return &Server{
		config:   cfg,
		monitor:  mon,
		events:   events,
		commands: server.NewCommandHandler(cfg, mon, notifier, events, ffmpegAvailable),
		releases: NewReleaseWatcher(events),
		sessions: server.NewSessionManager(func() (string, string, string) {
			snap := cfg.Snapshot()
			return snap.WebUser, snap.WebPassword, snap.APIKey
		}),
		ffmpegAvailable: ffmpegAvailable,
	}
}

// handleWebSocket streams frames and status to one client and accepts commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	snap := s.config.Snapshot()
	sess, err := server.NewSession(&snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go s.runWebSocketWriter(conn, send)
	go s.runWebSocketReader(conn, sess, send, done, statusUpdate)

	s.runWebSocketEventLoop(sess, snap.RenderInterval, send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the
// connection and keeps it alive with pings. On a write error it drains send
// so the event loop never blocks on a dead client.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	ping := time.NewTicker(server.PingPeriod)
	defer ping.Stop()
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
		for range send {
		}
	}()
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, sess *server.Session, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, sess, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop pushes frames at the render rate and periodic status.
// The monitor publishes a new Reading per render tick, so an unchanged
// pointer means there is nothing new to draw.
func (s *Server) runWebSocketEventLoop(sess *server.Session, interval time.Duration, send chan any, done, statusUpdate <-chan struct{}) {
	frameTicker := time.NewTicker(interval)
	statusTicker := time.NewTicker(statusInterval)
	defer frameTicker.Stop()
	defer statusTicker.Stop()
	defer close(send)

	// push returns false once the reader has gone away.
	push := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !push(s.buildWSStatus()) {
		return
	}

	var last *monitor.Reading
	for {
		select {
		case <-done:
			return
		case <-statusUpdate:
			if !push(s.buildWSStatus()) {
				return
			}
		case <-frameTicker.C:
			reading := s.monitor.Reading()
			if reading == last {
				continue
			}
			last = reading
			frame := WSFrame{
				Type:      "frame",
				Reading:   reading,
				Histogram: sess.Builder.Build(reading.HistogramInput()),
			}
			if !push(frame) {
				return
			}
		case <-statusTicker.C:
			if !push(s.buildWSStatus()) {
				return
			}
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	cfg := s.config.Snapshot()
	return types.WSStatusResponse{
		Type:            "status",
		FFmpegAvailable: s.ffmpegAvailable,
		Monitor:         s.monitor.Status(),
		Devices:         toDeviceList(audio.Devices(cfg.Audio.Backend)),
		Platform:        runtime.GOOS,
		Version:         s.releases.Info(),
	}
}

func toDeviceList(devices []audio.Device) []types.AudioDevice {
	out := make([]types.AudioDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, types.AudioDevice{ID: d.ID, Name: d.Name})
	}
	return out
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.sessions.AuthMiddleware

	mux.HandleFunc("POST /api/login", s.sessions.HandleLogin)
	mux.HandleFunc("POST /api/logout", s.sessions.HandleLogout)

	mux.HandleFunc("GET /api/meter", auth(s.handleAPIMeter))
	mux.HandleFunc("POST /api/meter/reset-held", auth(s.handleAPIResetHeld))
	mux.HandleFunc("GET /api/status", auth(s.handleAPIStatus))
	mux.HandleFunc("GET /api/config", auth(s.handleAPIConfig))
	mux.HandleFunc("GET /api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("GET /api/events", auth(s.handleAPIEvents))
	mux.HandleFunc("POST /api/notifications/{channel}/test", auth(s.handleAPITestNotification))
	mux.HandleFunc("/ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
