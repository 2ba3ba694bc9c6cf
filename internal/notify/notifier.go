// Package notify delivers silence and overload alerts through webhooks, a
// JSON lines log file and Microsoft Graph email.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-meter/internal/audio"
	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// channelState records which channels announced the current condition, so
// a recovery goes out only where the start did.
type channelState struct {
	webhook bool
	email   bool
	log     bool
}

// Notifier turns detector transitions into alerts. It is safe for concurrent use.
type Notifier struct {
	cfg *config.Config

	mu    sync.Mutex
	sent  map[Kind]*channelState
	graph *GraphClient

	wg sync.WaitGroup
}

// NewNotifier returns a Notifier reading channel settings from cfg.
func NewNotifier(cfg *config.Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		sent: map[Kind]*channelState{
			KindSilence:  {},
			KindOverload: {},
		},
	}
}

// InvalidateGraphClient clears the cached Graph client.
// Call this when Graph configuration changes.
func (n *Notifier) InvalidateGraphClient() {
	n.mu.Lock()
	n.graph = nil
	n.mu.Unlock()
}

func (n *Notifier) graphClient(cfg *GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graph != nil {
		return n.graph, nil
	}
	client, err := NewGraphClient(cfg)
	if err != nil {
		return nil, err
	}
	n.graph = client
	return client, nil
}

// HandleSilence processes one silence detector result.
func (n *Notifier) HandleSilence(ev audio.SilenceEvent) {
	if !ev.JustEntered && !ev.JustRecovered {
		return
	}
	cfg := n.cfg.Snapshot()
	a := &Alert{
		Kind:        KindSilence,
		Phase:       PhaseStart,
		Station:     cfg.StationName,
		LevelDB:     ev.CurrentLevel,
		ThresholdDB: cfg.SilenceThreshold,
	}
	if ev.JustRecovered {
		a.Phase = PhaseEnd
		a.DurationMs = ev.TotalDurationMs
	}
	n.dispatch(&cfg, a)
}

// HandleOverload processes one overload detector result.
func (n *Notifier) HandleOverload(ev audio.OverloadEvent) {
	if !ev.JustEntered && !ev.JustRecovered {
		return
	}
	cfg := n.cfg.Snapshot()
	a := &Alert{
		Kind:        KindOverload,
		Phase:       PhaseStart,
		Station:     cfg.StationName,
		LevelDB:     ev.PeakDB,
		ThresholdDB: cfg.OverloadThreshold,
		Count:       ev.Count,
	}
	if ev.JustRecovered {
		a.Phase = PhaseEnd
		a.DurationMs = ev.DurationMs
	}
	n.dispatch(&cfg, a)
}

// dispatch sends a to every channel that should carry it. Starts go to
// configured channels that have not fired yet; ends go to channels that
// carried the start.
func (n *Notifier) dispatch(cfg *config.Snapshot, a *Alert) {
	n.mu.Lock()
	st := n.sent[a.Kind]
	var webhook, email, logFile bool
	if a.Phase == PhaseStart {
		webhook = !st.webhook && cfg.HasWebhook()
		email = !st.email && cfg.HasGraph()
		logFile = !st.log && cfg.HasLogPath()
		st.webhook = st.webhook || webhook
		st.email = st.email || email
		st.log = st.log || logFile
	} else {
		webhook, email, logFile = st.webhook, st.email, st.log
		*st = channelState{}
	}
	n.mu.Unlock()

	name := a.EventName()
	if webhook {
		url := cfg.WebhookURL
		n.wg.Go(func() {
			logDelivery(name, "webhook", SendAlertWebhook(context.Background(), url, a))
		})
	}
	if email {
		graphCfg := BuildGraphConfig(cfg)
		n.wg.Go(func() {
			client, err := n.graphClient(graphCfg)
			if err != nil {
				err = util.WrapError("create Graph client", err)
			} else {
				err = sendAlertEmail(context.Background(), client, graphCfg.Recipients, a)
			}
			logDelivery(name, "email", err)
		})
	}
	if logFile {
		path := cfg.LogPath
		n.wg.Go(func() {
			logDelivery(name, "log", LogAlert(path, a))
		})
	}
}

// Reset forgets which channels fired, so the next start is announced again.
func (n *Notifier) Reset() {
	n.mu.Lock()
	for _, st := range n.sent {
		*st = channelState{}
	}
	n.mu.Unlock()
}

// Wait blocks until every in-flight delivery has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// BuildGraphConfig creates a GraphConfig from the config snapshot.
func BuildGraphConfig(cfg *config.Snapshot) *GraphConfig {
	return &GraphConfig{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		FromAddress:  cfg.GraphFromAddress,
		Recipients:   cfg.GraphRecipients,
	}
}

// logDelivery records the outcome of one alert delivery.
func logDelivery(event, channel string, err error) {
	if err != nil {
		slog.Error("alert delivery failed", "event", event, "channel", channel, "error", err)
		return
	}
	slog.Info("alert delivered", "event", event, "channel", channel)
}
