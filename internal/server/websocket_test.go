package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "meter.example:8080", true},
		{"http://meter.example", "meter.example:8080", true},
		{"http://localhost:3000", "meter.example", true},
		{"http://127.0.0.1", "meter.example", true},
		{"http://[::1]:8080", "meter.example", true},
		{"http://192.168.1.20", "meter.example", true},
		{"http://10.0.0.5:8080", "meter.example", true},
		{"http://[::ffff:10.0.0.5]", "meter.example", true},
		{"https://evil.example", "meter.example", false},
		{"http://8.8.8.8", "meter.example", false},
		{"null", "meter.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Host = tt.host
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q on %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
		}
	}
}

func TestConn_EchoAndReadLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := UpgradeConnection(w, r)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			var cmd WSCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if err := conn.Ping(); err != nil {
				return
			}
			if err := conn.WriteJSON(map[string]string{"type": cmd.Type}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	if err := client.WriteJSON(map[string]string{"type": "meter/reset-held"}); err != nil {
		t.Fatal(err)
	}
	var reply map[string]string
	if err := client.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["type"] != "meter/reset-held" {
		t.Errorf("reply = %v", reply)
	}

	// An oversized command closes the connection.
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"`+strings.Repeat("x", maxCommandSize)+`"}`)); err != nil {
		t.Fatal(err)
	}
	if err := client.ReadJSON(&reply); err == nil {
		t.Error("connection survived an oversized command")
	}
}
