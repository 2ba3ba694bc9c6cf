// Package types provides shared type definitions used across the meter.
package types

import (
	"time"
)

// MonitorState represents the current state of the capture monitor.
type MonitorState string

const (
	// StateStopped indicates capture is not running.
	StateStopped MonitorState = "stopped"
	// StateStarting indicates capture is initializing or waiting to retry.
	StateStarting MonitorState = "starting"
	// StateRunning indicates audio is being metered.
	StateRunning MonitorState = "running"
	// StateStopping indicates capture is shutting down.
	StateStopping MonitorState = "stopping"
)

const (
	// InitialRetryDelay is the starting delay between retry attempts.
	InitialRetryDelay = 3000 * time.Millisecond
	// MaxRetryDelay is the maximum delay between retry attempts.
	MaxRetryDelay = 60000 * time.Millisecond
	// MaxRetries is the maximum number of retry attempts for the audio source.
	MaxRetries = 10
	// SuccessThreshold is the duration after which retry count resets.
	SuccessThreshold = 30000 * time.Millisecond
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
)

// MonitorStatus summarizes the capture monitor.
type MonitorStatus struct {
	State      MonitorState `json:"state"`                // Current monitor state
	Uptime     string       `json:"uptime,omitzero"`      // Time since capture started
	LastError  string       `json:"last_error,omitzero"`  // Most recent error
	Backend    string       `json:"backend"`              // Capture backend name
	Alive      bool         `json:"alive"`                // Capture callback healthy
	SampleRate int          `json:"sample_rate,omitzero"` // Current stream sample rate
	Position   uint64       `json:"position"`             // Samples ingested by the current engine
	RetryCount int          `json:"retry_count,omitzero"` // Source retry attempts
	MaxRetries int          `json:"max_retries"`          // Max source retries
	Dropouts   uint64       `json:"dropouts"`             // Late or torn capture deliveries since start
}

// GraphConfig contains Microsoft Graph API settings for email notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty"`     // Azure AD tenant ID
	ClientID     string `json:"client_id,omitempty"`     // App registration client ID
	ClientSecret string `json:"client_secret,omitempty"` // App registration client secret
	FromAddress  string `json:"from_address,omitempty"`  // Shared mailbox address (sender)
	Recipients   string `json:"recipients,omitempty"`    // Comma-separated recipients
}

// AudioDevice represents an available audio input device.
type AudioDevice struct {
	ID   string `json:"id"`   // Device identifier
	Name string `json:"name"` // Device display name
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}

// WSStatusResponse is sent to clients with monitor status and settings.
type WSStatusResponse struct {
	Type            string        `json:"type"`             // "status"
	FFmpegAvailable bool          `json:"ffmpeg_available"` // FFmpeg binary is available
	Monitor         MonitorStatus `json:"monitor"`          // Capture monitor status
	Devices         []AudioDevice `json:"devices"`          // Available audio devices
	Platform        string        `json:"platform"`         // Operating system platform
	Version         VersionInfo   `json:"version"`          // Version information
}

// WSTestResult is sent to clients after a test operation completes.
type WSTestResult struct {
	Type     string `json:"type"`            // Message type identifier
	TestType string `json:"test_type"`       // Type of test performed
	Success  bool   `json:"success"`         // Test succeeded
	Error    string `json:"error,omitempty"` // Error message if failed
}
