package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/types"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)

const (
	githubAPI          = "https://api.github.com"
	githubRepo         = "oszuidwest/zwfm-meter"
	releasePollEvery   = 24 * time.Hour
	releaseFirstPoll   = 30 * time.Second // after startup, so capture comes up first
	releaseTimeout     = 30 * time.Second
	releaseAttempts    = 3
	buildTimeLayout    = "2 Jan 2006 15:04 MST"
	releaseAcceptTypes = "application/vnd.github+json"
)

// errTransient marks a release lookup worth retrying.
var errTransient = errors.New("transient release lookup failure")

// ReleaseWatcher polls for newer meter releases. A release newer than the
// running build is reported in the status and recorded once in the event
// log. It is safe for concurrent use.
type ReleaseWatcher struct {
	baseURL string
	client  *http.Client
	events  *eventlog.Logger
	retry   util.Retry

	mu        sync.RWMutex
	latest    string
	etag      string
	announced string // last release written to the event log

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReleaseWatcher starts polling in the background. events may be nil.
func NewReleaseWatcher(events *eventlog.Logger) *ReleaseWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := newReleaseWatcher(githubAPI, http.DefaultClient, events)
	w.cancel = cancel
	go w.run(ctx)
	return w
}

func newReleaseWatcher(baseURL string, client *http.Client, events *eventlog.Logger) *ReleaseWatcher {
	return &ReleaseWatcher{
		baseURL: baseURL,
		client:  client,
		events:  events,
		retry:   util.Retry{Initial: time.Minute, Max: 4 * time.Minute},
		cancel:  func() {},
		done:    make(chan struct{}),
	}
}

// Stop ends polling and waits for an in-flight lookup to give up.
func (w *ReleaseWatcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *ReleaseWatcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in release watcher", "panic", r)
		}
	}()

	wait := releaseFirstPoll
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		w.poll(ctx)
		wait = releasePollEvery
	}
}

// poll looks up the latest release, retrying transient failures.
func (w *ReleaseWatcher) poll(ctx context.Context) {
	for attempt := range releaseAttempts {
		if attempt > 0 && !w.retry.Wait(ctx.Done(), attempt) {
			return
		}
		err := w.check(ctx)
		if err == nil {
			return
		}
		slog.Debug("release lookup failed", "attempt", attempt+1, "error", err)
		if !errors.Is(err, errTransient) {
			return
		}
	}
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// check fetches the latest release once and records it.
func (w *ReleaseWatcher) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()

	url := w.baseURL + "/repos/" + githubRepo + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", releaseAcceptTypes)
	req.Header.Set("User-Agent", "zwfm-meter/"+Version)
	w.mu.RLock()
	if w.etag != "" {
		req.Header.Set("If-None-Match", w.etag)
	}
	w.mu.RUnlock()

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", errTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("release lookup: status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return util.WrapError("decode release", err)
	}
	if release.Draft || release.Prerelease || release.TagName == "" {
		return nil
	}
	w.record(normalizeVersion(release.TagName), resp.Header.Get("ETag"))
	return nil
}

// record stores the latest release and announces it once if it is newer
// than the running build.
func (w *ReleaseWatcher) record(latest, etag string) {
	w.mu.Lock()
	w.latest = latest
	if etag != "" {
		w.etag = etag
	}
	announce := updateAvailable(latest) && w.announced != latest
	if announce {
		w.announced = latest
	}
	w.mu.Unlock()

	if !announce {
		return
	}
	slog.Info("newer meter release available", "current", Version, "latest", latest)
	if w.events == nil {
		return
	}
	if err := w.events.LogOperator(eventlog.UpdateAvailable, &eventlog.OperatorDetails{
		Source:  "release",
		Version: latest,
	}); err != nil {
		slog.Warn("failed to log release event", "error", err)
	}
}

// Info returns the running and latest versions for the status message.
func (w *ReleaseWatcher) Info() types.VersionInfo {
	w.mu.RLock()
	latest := w.latest
	w.mu.RUnlock()

	return types.VersionInfo{
		Current:     normalizeVersion(Version),
		Latest:      latest,
		UpdateAvail: updateAvailable(latest),
		Commit:      Commit,
		BuildTime:   formatBuildTime(BuildTime),
	}
}

// updateAvailable reports whether latest is newer than a released build.
// Development builds never report updates.
func updateAvailable(latest string) bool {
	current := normalizeVersion(Version)
	if latest == "" || current == "dev" || current == "unknown" {
		return false
	}
	return isNewerVersion(latest, current)
}

func formatBuildTime(rfc3339 string) string {
	if rfc3339 == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Local().Format(buildTimeLayout)
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// isNewerVersion reports whether latest is a higher semver than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare("v"+normalizeVersion(latest), "v"+normalizeVersion(current)) > 0
}
