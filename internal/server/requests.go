package server

// Request types for WebSocket commands. Pointer fields are optional; an
// absent field keeps the current value.

// ResolutionRequest is the request body for histogram/resolution.
type ResolutionRequest struct {
	Bins int `json:"bins" validate:"required,gte=1"`
}

// PolicyRequest is the request body for histogram/policy.
type PolicyRequest struct {
	Policy string `json:"policy" validate:"required,oneof=max-pool average"`
}

// AudioUpdateRequest is the request body for audio/update.
type AudioUpdateRequest struct {
	Backend     *string `json:"backend" validate:"omitempty,oneof=process device"`
	Input       *string `json:"input" validate:"omitempty,max=512"`
	SampleRate  *int    `json:"sample_rate" validate:"omitempty,gte=8000,lte=384000"`
	Channels    *int    `json:"channels" validate:"omitempty,gte=1,lte=8"`
	ChannelMode *string `json:"channel_mode" validate:"omitempty,oneof=mix left right"`
}

// SilenceUpdateRequest is the request body for silence/update.
type SilenceUpdateRequest struct {
	ThresholdDB *float64 `json:"threshold_db" validate:"omitempty,gte=-96,lte=0"`
	DurationMs  *int64   `json:"duration_ms" validate:"omitempty,gte=500,lte=300000"`
	RecoveryMs  *int64   `json:"recovery_ms" validate:"omitempty,gte=500,lte=60000"`
}

// OverloadUpdateRequest is the request body for overload/update.
type OverloadUpdateRequest struct {
	ThresholdDB *float64 `json:"threshold_dbtp" validate:"omitempty,gte=-20,lte=6"`
	RecoveryMs  *int64   `json:"recovery_ms" validate:"omitempty,gte=0,lte=60000"`
}

// WebhookUpdateRequest is the request body for notifications/webhook/update.
type WebhookUpdateRequest struct {
	URL string `json:"url" validate:"omitempty,max=2048,url"`
}

// LogUpdateRequest is the request body for notifications/log/update.
type LogUpdateRequest struct {
	Path string `json:"path" validate:"omitempty,max=4096"`
}

// EmailUpdateRequest is the request body for notifications/email/update.
type EmailUpdateRequest struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,max=100"`
	ClientID     string `json:"client_id" validate:"omitempty,max=100"`
	ClientSecret string `json:"client_secret" validate:"omitempty,max=500"`
	FromAddress  string `json:"from_address" validate:"omitempty,max=254"`
	Recipients   string `json:"recipients" validate:"omitempty,max=1000"`
}

// EventsRequest is the request body for events/view.
type EventsRequest struct {
	Filter string `json:"filter" validate:"omitempty,oneof=capture level operator"`
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"omitempty,gte=0"`
}
