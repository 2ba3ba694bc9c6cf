package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/monitor"
	"github.com/oszuidwest/zwfm-meter/internal/server"
	"github.com/oszuidwest/zwfm-meter/internal/types"
)

const testAPIKey = "test-key-0123456789"

// authed marks req with the test server's API key.
func authed(req *http.Request) *http.Request {
	req.Header.Set(server.APIKeyHeader, testAPIKey)
	return req
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetAPIKey(testAPIKey); err != nil {
		t.Fatal(err)
	}
	events, err := eventlog.NewLogger(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = events.Close() })

	srv := NewServer(cfg, monitor.New(cfg, monitor.Options{Events: events}), nil, events, false)
	t.Cleanup(srv.releases.Stop)
	return srv
}

func TestAPIMeter(t *testing.T) {
	srv := newTestServer(t)
	h := srv.SetupRoutes()

	tests := []struct {
		name     string
		query    string
		status   int
		wantBins int
	}{
		{"native", "", http.StatusOK, 96},
		{"reduced", "?bins=32", http.StatusOK, 32},
		{"above native", "?bins=500", http.StatusOK, 96},
		{"average policy", "?bins=12&policy=average", http.StatusOK, 12},
		{"zero bins", "?bins=-1", http.StatusBadRequest, 0},
		{"malformed bins", "?bins=many", http.StatusBadRequest, 0},
		{"unknown policy", "?policy=median", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/meter"+tt.query, nil)))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			if tt.status != http.StatusOK {
				return
			}
			var resp MeterResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if got := len(resp.Histogram.Bins); got != tt.wantBins {
				t.Errorf("bins = %d, want %d", got, tt.wantBins)
			}
			for i, b := range resp.Histogram.Bins {
				if b.Level != 0 {
					t.Errorf("idle bin %d has level %v", i, b.Level)
				}
			}
		})
	}
}

func TestAPIResetHeldRequiresRunningMonitor(t *testing.T) {
	h := newTestServer(t).SetupRoutes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/meter/reset-held", nil)))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	h := newTestServer(t).SetupRoutes()
	routes := []struct{ method, path string }{
		{http.MethodGet, "/ws"},
		{http.MethodGet, "/api/meter"},
		{http.MethodGet, "/api/status"},
		{http.MethodGet, "/api/config"},
		{http.MethodGet, "/api/devices"},
		{http.MethodGet, "/api/events"},
		{http.MethodPost, "/api/meter/reset-held"},
		{http.MethodPost, "/api/notifications/webhook/test"},
	}
	for _, rt := range routes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(rt.method, rt.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", rt.method, rt.path, rec.Code)
		}
	}
}

func TestLoginGrantsSession(t *testing.T) {
	h := newTestServer(t).SetupRoutes()

	body := `{"username":"` + config.DefaultWebUsername + `","password":"` + config.DefaultWebPassword + `"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with session = %d, want 200", rec.Code)
	}
}

func TestAPIEventsValidation(t *testing.T) {
	h := newTestServer(t).SetupRoutes()
	tests := []struct {
		query  string
		status int
	}{
		{"", http.StatusOK},
		{"?filter=capture&limit=10", http.StatusOK},
		{"?filter=bogus", http.StatusBadRequest},
		{"?limit=0", http.StatusBadRequest},
		{"?limit=501", http.StatusBadRequest},
		{"?offset=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/events"+tt.query, nil)))
		if rec.Code != tt.status {
			t.Errorf("%q: status = %d, want %d", tt.query, rec.Code, tt.status)
		}
	}
}

func TestAPIEventsReportsEveryBadField(t *testing.T) {
	h := newTestServer(t).SetupRoutes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/events?filter=bogus&limit=0&offset=x", nil)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var verr types.ValidationError
	if err := json.NewDecoder(rec.Body).Decode(&verr); err != nil {
		t.Fatal(err)
	}
	var fields []string
	for _, e := range verr.Errors {
		fields = append(fields, e.Field)
	}
	if want := []string{"filter", "limit", "offset"}; !slices.Equal(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
}

func TestReleaseWatcher(t *testing.T) {
	var hits atomic.Int32
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v2"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write([]byte(`{"tag_name":"v2.1.0"}`))
	}))
	defer gh.Close()

	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	events, err := eventlog.NewLogger(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = events.Close() }()

	oldVersion := Version
	Version = "v2.0.0"
	t.Cleanup(func() { Version = oldVersion })

	w := newReleaseWatcher(gh.URL, gh.Client(), events)
	for range 2 {
		if err := w.check(context.Background()); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	w.record("2.1.0", "") // already announced
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}

	info := w.Info()
	if info.Latest != "2.1.0" || info.Current != "2.0.0" || !info.UpdateAvail {
		t.Errorf("Info = %+v", info)
	}

	logged, _, err := eventlog.ReadLast(logPath, 10, 0, eventlog.FilterOperator)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 1 || logged[0].Type != eventlog.UpdateAvailable {
		t.Errorf("operator events = %+v, want one update_available", logged)
	}
}

func TestReleaseWatcher_DevBuildNeverAnnounces(t *testing.T) {
	w := newReleaseWatcher("", http.DefaultClient, nil)
	w.record("9.9.9", "")
	if info := w.Info(); info.UpdateAvail || info.Latest != "9.9.9" {
		t.Errorf("Info = %+v", info)
	}
	if w.announced != "" {
		t.Errorf("dev build announced %q", w.announced)
	}
}

func TestReleaseWatcher_RetryableStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer gh.Close()

	w := newReleaseWatcher(gh.URL, gh.Client(), nil)
	if err := w.check(context.Background()); !errors.Is(err, errTransient) {
		t.Errorf("429: err = %v, want transient", err)
	}
	status.Store(http.StatusUnauthorized)
	if err := w.check(context.Background()); err == nil || errors.Is(err, errTransient) {
		t.Errorf("401: err = %v, want permanent", err)
	}
}

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.2.0", "1.2.0", false},
		{"1.2.0", "1.10.0", false},
		{"2.0.0", "2.0.0-rc1", true},
	}
	for _, tt := range tests {
		if got := isNewerVersion(tt.latest, tt.current); got != tt.want {
			t.Errorf("isNewerVersion(%q, %q) = %v, want %v", tt.latest, tt.current, got, tt.want)
		}
	}
}
