// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/oszuidwest/zwfm-meter/internal/histogram"
	"github.com/oszuidwest/zwfm-meter/internal/meter"
	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort              = 8080
	DefaultBackend              = "process"
	DefaultSampleRate           = 48000
	DefaultChannels             = 2
	DefaultChannelMode          = "mix"
	DefaultRenderFPS            = 60
	DefaultBarSource            = "lufs"
	DefaultHistorySegments      = 40
	DefaultHistoryHalfLifeMs    = 1500
	DefaultSilenceThreshold     = -40.0
	DefaultSilenceDurationMs    = 15000 // 15 seconds in milliseconds
	DefaultSilenceRecoveryMs    = 5000  // 5 seconds in milliseconds
	DefaultOverloadThresholdDB  = -1.0
	DefaultOverloadRecoveryMs   = 3000
	DefaultLoudnessIntervalMs   = 1000
	DefaultLoudnessRetentionDay = 30
	DefaultStationName          = "ZuidWest FM"
	DefaultWebUsername          = "admin"
	DefaultWebPassword          = "meter"
)

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	FFmpegPath  string `json:"ffmpeg_path"`                                 // Path to FFmpeg binary (empty = use PATH)
	Port        int    `json:"port" validate:"min=1,max=65535"`             // HTTP server port
	StationName string `json:"station_name" validate:"max=30"`              // Station name used in notifications
	Username    string `json:"username" validate:"required,max=64"`         // Login username
	Password    string `json:"password" validate:"required,max=128"`        // Login password
	APIKey      string `json:"api_key" validate:"omitempty,min=16,max=128"` // X-API-Key for scripted clients (empty = disabled)
}

// AudioConfig holds capture settings. Changing them restarts capture.
type AudioConfig struct {
	Backend     string `json:"backend" validate:"oneof=process device"`      // Capture backend
	Input       string `json:"input"`                                        // Device identifier
	SampleRate  int    `json:"sample_rate" validate:"min=8000,max=384000"`   // Capture rate in Hz
	Channels    int    `json:"channels" validate:"min=1,max=8"`              // Captured channel count
	ChannelMode string `json:"channel_mode" validate:"oneof=mix left right"` // How channels fold into the meter
}

// MeterConfig holds engine and reduction settings.
type MeterConfig struct {
	WindowMs          int    `json:"window_ms" validate:"min=10,max=10000"` // Reduction window
	TailMs            int    `json:"tail_ms" validate:"min=1,max=5000"`     // Filter pre-roll; 0 selects the 100 ms default
	Oversampling      int    `json:"oversampling" validate:"min=1,max=16"`  // True-peak oversampling factor
	RenderFPS         int    `json:"render_fps" validate:"min=1,max=240"`   // Render ticks per second
	BarSource         string `json:"bar_source" validate:"oneof=lufs vu"`   // Reduction driving the bar
	HistorySegments   int    `json:"history_segments" validate:"min=1,max=1000"`
	HistoryHalfLifeMs int    `json:"history_half_life_ms" validate:"min=1"`
}

// HistogramConfig holds the bar graph grid.
type HistogramConfig struct {
	histogram.Config
	Resolution int `json:"resolution" validate:"min=0"` // Initial output bins (0 = native)
}

// SilenceDetectionConfig holds silence detection thresholds and timing parameters.
type SilenceDetectionConfig struct {
	ThresholdDB float64 `json:"threshold_db" validate:"lte=0"` // Silence threshold in dB
	DurationMs  int64   `json:"duration_ms" validate:"min=0"`  // Duration below threshold before silence alert
	RecoveryMs  int64   `json:"recovery_ms" validate:"min=0"`  // Duration above threshold before recovery
}

// OverloadConfig holds true-peak overload detection settings.
type OverloadConfig struct {
	ThresholdDB float64 `json:"threshold_dbtp" validate:"lte=6"` // True-peak limit in dBTP
	RecoveryMs  int64   `json:"recovery_ms" validate:"min=0"`    // Duration below limit before recovery
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" validate:"omitempty,url"` // Webhook URL for alerts
}

// LogConfig holds log file notification settings.
type LogConfig struct {
	Path string `json:"path"` // Log file path for alerts
}

// EmailConfig holds Microsoft Graph email notification settings.
type EmailConfig struct {
	TenantID     string `json:"tenant_id"`     // Azure AD tenant ID
	ClientID     string `json:"client_id"`     // App registration client ID
	ClientSecret string `json:"client_secret"` // App registration client secret
	FromAddress  string `json:"from_address"`  // Shared mailbox sender address
	Recipients   string `json:"recipients"`    // Comma-separated recipient addresses
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"` // Webhook settings
	Log     LogConfig     `json:"log"`     // Log file settings
	Email   EmailConfig   `json:"email"`   // Email settings
}

// LoudnessLogConfig holds the periodic loudness log and its archive target.
type LoudnessLogConfig struct {
	Enabled           bool   `json:"enabled"`
	LocalPath         string `json:"local_path" validate:"required_if=Enabled true"`
	IntervalMs        int    `json:"interval_ms" validate:"min=100"`
	RetentionDays     int    `json:"retention_days" validate:"min=0"`
	S3Endpoint        string `json:"s3_endpoint" validate:"omitempty,url"`
	S3Bucket          string `json:"s3_bucket"`
	S3AccessKeyID     string `json:"s3_access_key_id"`
	S3SecretAccessKey string `json:"s3_secret_access_key"`
	S3Prefix          string `json:"s3_prefix"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System           SystemConfig           `json:"system"`
	Audio            AudioConfig            `json:"audio"`
	Meter            MeterConfig            `json:"meter"`
	Histogram        HistogramConfig        `json:"histogram"`
	SilenceDetection SilenceDetectionConfig `json:"silence_detection"`
	Overload         OverloadConfig         `json:"overload"`
	Notifications    NotificationsConfig    `json:"notifications"`
	LoudnessLog      LoudnessLogConfig      `json:"loudness_log"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s %v: failed %q", fieldPath(fe.Namespace()), fe.Value(), fe.Tag())
		}
		return util.WrapError("validate config", err)
	}
	if err := c.Histogram.Validate(); err != nil {
		return fmt.Errorf("invalid histogram: %w", err)
	}
	return nil
}

// fieldPath strips the root type from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.System.Port = cmp.Or(c.System.Port, DefaultWebPort)
	c.System.StationName = cmp.Or(c.System.StationName, DefaultStationName)
	c.System.Username = cmp.Or(c.System.Username, DefaultWebUsername)
	c.System.Password = cmp.Or(c.System.Password, DefaultWebPassword)

	c.Audio.Backend = cmp.Or(c.Audio.Backend, DefaultBackend)
	c.Audio.SampleRate = cmp.Or(c.Audio.SampleRate, DefaultSampleRate)
	c.Audio.Channels = cmp.Or(c.Audio.Channels, DefaultChannels)
	c.Audio.ChannelMode = cmp.Or(c.Audio.ChannelMode, DefaultChannelMode)

	c.Meter.WindowMs = cmp.Or(c.Meter.WindowMs, int(meter.DefaultWindow/time.Millisecond))
	c.Meter.TailMs = cmp.Or(c.Meter.TailMs, int(meter.DefaultTail/time.Millisecond))
	c.Meter.Oversampling = cmp.Or(c.Meter.Oversampling, meter.DefaultOversampling)
	c.Meter.RenderFPS = cmp.Or(c.Meter.RenderFPS, DefaultRenderFPS)
	c.Meter.BarSource = cmp.Or(c.Meter.BarSource, DefaultBarSource)
	c.Meter.HistorySegments = cmp.Or(c.Meter.HistorySegments, DefaultHistorySegments)
	c.Meter.HistoryHalfLifeMs = cmp.Or(c.Meter.HistoryHalfLifeMs, DefaultHistoryHalfLifeMs)

	if c.Histogram.DBFloor == 0 && c.Histogram.DBCeiling == 0 {
		c.Histogram.DBFloor = histogram.DefaultDBFloor
		c.Histogram.DBCeiling = histogram.DefaultDBCeiling
	}
	c.Histogram.BinResolutionDB = cmp.Or(c.Histogram.BinResolutionDB, histogram.DefaultBinResolutionDB)
	c.Histogram.Policy = cmp.Or(c.Histogram.Policy, histogram.PolicyMaxPool)
	if c.Histogram.References == nil {
		c.Histogram.References = []float64{}
	}

	c.SilenceDetection.ThresholdDB = cmp.Or(c.SilenceDetection.ThresholdDB, DefaultSilenceThreshold)
	c.SilenceDetection.DurationMs = cmp.Or(c.SilenceDetection.DurationMs, DefaultSilenceDurationMs)
	c.SilenceDetection.RecoveryMs = cmp.Or(c.SilenceDetection.RecoveryMs, DefaultSilenceRecoveryMs)

	c.Overload.ThresholdDB = cmp.Or(c.Overload.ThresholdDB, DefaultOverloadThresholdDB)
	c.Overload.RecoveryMs = cmp.Or(c.Overload.RecoveryMs, DefaultOverloadRecoveryMs)

	c.LoudnessLog.IntervalMs = cmp.Or(c.LoudnessLog.IntervalMs, DefaultLoudnessIntervalMs)
	c.LoudnessLog.RetentionDays = cmp.Or(c.LoudnessLog.RetentionDays, DefaultLoudnessRetentionDay)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// update applies fn under the write lock, validates the result and saves.
// On validation failure the previous values are restored.
func (c *Config) update(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cloneLocked()
	fn()
	if err := c.validate(); err != nil {
		c.restoreLocked(prev)
		return err
	}
	return c.saveLocked()
}

type sections struct {
	system        SystemConfig
	audio         AudioConfig
	meter         MeterConfig
	histogram     HistogramConfig
	silence       SilenceDetectionConfig
	overload      OverloadConfig
	notifications NotificationsConfig
	loudnessLog   LoudnessLogConfig
}

func (c *Config) cloneLocked() sections {
	h := c.Histogram
	h.References = slices.Clone(h.References)
	return sections{c.System, c.Audio, c.Meter, h, c.SilenceDetection, c.Overload, c.Notifications, c.LoudnessLog}
}

func (c *Config) restoreLocked(s sections) {
	c.System, c.Audio, c.Meter, c.Histogram = s.system, s.audio, s.meter, s.histogram
	c.SilenceDetection, c.Overload, c.Notifications, c.LoudnessLog = s.silence, s.overload, s.notifications, s.loudnessLog
}

// --- Setters for individual settings ---

// SetAudio replaces the capture settings and saves the configuration.
func (c *Config) SetAudio(a AudioConfig) error {
	return c.update(func() { c.Audio = a })
}

// SetSilence updates silence detection and saves the configuration.
func (c *Config) SetSilence(thresholdDB float64, durationMs, recoveryMs int64) error {
	return c.update(func() {
		c.SilenceDetection = SilenceDetectionConfig{ThresholdDB: thresholdDB, DurationMs: durationMs, RecoveryMs: recoveryMs}
	})
}

// SetOverload updates overload detection and saves the configuration.
func (c *Config) SetOverload(thresholdDB float64, recoveryMs int64) error {
	return c.update(func() {
		c.Overload = OverloadConfig{ThresholdDB: thresholdDB, RecoveryMs: recoveryMs}
	})
}

// SetHistogramPolicy updates the default downsampling policy and saves.
func (c *Config) SetHistogramPolicy(p histogram.Policy) error {
	return c.update(func() { c.Histogram.Policy = p })
}

// SetHistogramResolution updates the default output bin count and saves.
func (c *Config) SetHistogramResolution(n int) error {
	return c.update(func() { c.Histogram.Resolution = n })
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	return c.update(func() { c.Notifications.Webhook.URL = url })
}

// SetLogPath updates the log file path and saves the configuration.
func (c *Config) SetLogPath(path string) error {
	return c.update(func() { c.Notifications.Log.Path = path })
}

// SetGraphConfig updates all Microsoft Graph/Email configuration fields and saves.
func (c *Config) SetGraphConfig(tenantID, clientID, clientSecret, fromAddress, recipients string) error {
	return c.update(func() {
		c.Notifications.Email = EmailConfig{
			TenantID:     tenantID,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			FromAddress:  fromAddress,
			Recipients:   recipients,
		}
	})
}

// SetCredentials updates the login username and password and saves.
func (c *Config) SetCredentials(username, password string) error {
	return c.update(func() {
		c.System.Username = username
		c.System.Password = password
	})
}

// SetAPIKey updates the API key and saves. An empty key disables key access.
func (c *Config) SetAPIKey(key string) error {
	return c.update(func() { c.System.APIKey = key })
}

// GenerateAPIKey returns a random API key.
func GenerateAPIKey() string {
	return rand.Text()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort     int
	FFmpegPath  string
	StationName string
	WebUser     string
	WebPassword string
	APIKey      string

	// Audio
	Audio AudioConfig

	// Meter
	Window            time.Duration
	Tail              time.Duration
	Oversampling      int
	RenderInterval    time.Duration
	BarSource         string
	HistorySegments   int
	HistoryHalfLife   time.Duration
	Histogram         histogram.Config
	HistogramBinLimit int

	// Silence Detection
	SilenceThreshold  float64
	SilenceDurationMs int64
	SilenceRecoveryMs int64

	// Overload
	OverloadThreshold  float64
	OverloadRecoveryMs int64

	// Notifications
	WebhookURL        string
	LogPath           string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string

	// Loudness log
	LoudnessLog LoudnessLogConfig
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hist := c.Histogram.Config
	hist.References = slices.Clone(hist.References)

	return Snapshot{
		WebPort:     c.System.Port,
		FFmpegPath:  c.System.FFmpegPath,
		StationName: c.System.StationName,
		WebUser:     c.System.Username,
		WebPassword: c.System.Password,
		APIKey:      c.System.APIKey,

		Audio: c.Audio,

		Window:            time.Duration(c.Meter.WindowMs) * time.Millisecond,
		Tail:              time.Duration(c.Meter.TailMs) * time.Millisecond,
		Oversampling:      c.Meter.Oversampling,
		RenderInterval:    time.Second / time.Duration(max(c.Meter.RenderFPS, 1)),
		BarSource:         c.Meter.BarSource,
		HistorySegments:   c.Meter.HistorySegments,
		HistoryHalfLife:   time.Duration(c.Meter.HistoryHalfLifeMs) * time.Millisecond,
		Histogram:         hist,
		HistogramBinLimit: c.Histogram.Resolution,

		SilenceThreshold:  c.SilenceDetection.ThresholdDB,
		SilenceDurationMs: c.SilenceDetection.DurationMs,
		SilenceRecoveryMs: c.SilenceDetection.RecoveryMs,

		OverloadThreshold:  c.Overload.ThresholdDB,
		OverloadRecoveryMs: c.Overload.RecoveryMs,

		WebhookURL:        c.Notifications.Webhook.URL,
		LogPath:           c.Notifications.Log.Path,
		GraphTenantID:     c.Notifications.Email.TenantID,
		GraphClientID:     c.Notifications.Email.ClientID,
		GraphClientSecret: c.Notifications.Email.ClientSecret,
		GraphFromAddress:  c.Notifications.Email.FromAddress,
		GraphRecipients:   c.Notifications.Email.Recipients,

		LoudnessLog: c.LoudnessLog,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return util.IsConfigured(s.GraphTenantID, s.GraphClientID, s.GraphClientSecret, s.GraphFromAddress, s.GraphRecipients)
}

// HasLogPath reports whether a log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}

// HasS3 reports whether loudness log archiving to S3 is configured.
func (s *Snapshot) HasS3() bool {
	l := s.LoudnessLog
	return util.IsConfigured(l.S3Bucket, l.S3AccessKeyID, l.S3SecretAccessKey)
}

// secretMask replaces configured secrets in Public output.
const secretMask = "********"

// Public returns the configuration document as JSON with secrets masked.
func (c *Config) Public() (json.RawMessage, error) {
	c.mu.RLock()
	doc := struct {
		System           SystemConfig           `json:"system"`
		Audio            AudioConfig            `json:"audio"`
		Meter            MeterConfig            `json:"meter"`
		Histogram        HistogramConfig        `json:"histogram"`
		SilenceDetection SilenceDetectionConfig `json:"silence_detection"`
		Overload         OverloadConfig         `json:"overload"`
		Notifications    NotificationsConfig    `json:"notifications"`
		LoudnessLog      LoudnessLogConfig      `json:"loudness_log"`
	}{c.System, c.Audio, c.Meter, c.Histogram, c.SilenceDetection, c.Overload, c.Notifications, c.LoudnessLog}
	c.mu.RUnlock()

	if doc.System.Password != "" {
		doc.System.Password = secretMask
	}
	if doc.System.APIKey != "" {
		doc.System.APIKey = secretMask
	}
	if doc.Notifications.Email.ClientSecret != "" {
		doc.Notifications.Email.ClientSecret = secretMask
	}
	if doc.LoudnessLog.S3SecretAccessKey != "" {
		doc.LoudnessLog.S3SecretAccessKey = secretMask
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, util.WrapError("marshal config", err)
	}
	return data, nil
}
