package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// frameWriteWait bounds a frame write. A display that cannot take a
	// frame in this time is too far behind to show live levels.
	frameWriteWait = 2 * time.Second
	pongWait       = 30 * time.Second
	// PingPeriod is how often the writer should call Ping.
	PingPeriod = pongWait * 9 / 10
	// maxCommandSize caps an inbound command; clients only send small JSON.
	maxCommandSize = 16 << 10
)

// WebSocketConn is the subset of a WebSocket connection the server uses.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
	Ping() error
}

// Conn is a meter feed connection. Writes carry a deadline so a stalled
// display is dropped instead of queueing stale frames, and reads expire
// unless the client answers pings.
type Conn struct {
	ws *websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 << 10,
	WriteBufferSize: 16 << 10, // one histogram frame at native resolution
	CheckOrigin:     checkOrigin,
}

// UpgradeConnection upgrades an HTTP connection to a meter feed.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxCommandSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &Conn{ws: ws}, nil
}

// WriteJSON writes one message. Only one goroutine may write at a time.
func (c *Conn) WriteJSON(v any) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(frameWriteWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// ReadJSON reads one command.
func (c *Conn) ReadJSON(v any) error {
	return c.ws.ReadJSON(v)
}

// Ping sends a keepalive. It is safe to call alongside WriteJSON.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(frameWriteWait))
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// checkOrigin admits browsers served from the meter itself, localhost or a
// private network address, which covers studio LAN displays.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		slog.Warn("rejected WebSocket connection: invalid origin", "origin", origin)
		return false
	}
	host := u.Hostname()

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == "localhost" || host == requestHost {
		return true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsPrivate() {
			return true
		}
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}
