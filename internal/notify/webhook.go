package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10 * time.Second

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event       string  `json:"event"`
	Station     string  `json:"station,omitempty"`
	LevelDB     float64 `json:"level_db,omitempty"`
	ThresholdDB float64 `json:"threshold_db,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	Count       int     `json:"count,omitempty"`
	Message     string  `json:"message,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// SendAlertWebhook posts an alert to the webhook.
func SendAlertWebhook(ctx context.Context, webhookURL string, a *Alert) error {
	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:       a.EventName(),
		Station:     a.Station,
		LevelDB:     a.LevelDB,
		ThresholdDB: a.ThresholdDB,
		DurationMs:  a.DurationMs,
		Count:       a.Count,
		Timestamp:   timestampUTC(),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(ctx context.Context, webhookURL, stationName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(ctx, webhookURL, &WebhookPayload{
		Event:     "test",
		Station:   stationName,
		Message:   "This is a test notification from " + AppName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
