package notify

import (
	"fmt"
	"time"
)

// Kind names the condition an alert reports.
type Kind string

// Alert kinds.
const (
	KindSilence  Kind = "silence"
	KindOverload Kind = "overload"
)

// Phase marks whether a condition began or ended.
type Phase string

// Alert phases.
const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
)

// Alert is one condition transition delivered to every configured channel.
type Alert struct {
	Kind        Kind
	Phase       Phase
	Station     string
	LevelDB     float64 // bar loudness for silence, true peak for overload
	ThresholdDB float64
	DurationMs  int64 // condition length, set on PhaseEnd
	Count       int   // render ticks over the limit in the overload episode
}

// EventName returns the machine-readable name used in webhooks and logs.
func (a *Alert) EventName() string {
	switch {
	case a.Kind == KindSilence && a.Phase == PhaseStart:
		return "silence_detected"
	case a.Kind == KindSilence:
		return "silence_recovered"
	case a.Phase == PhaseStart:
		return "overload_detected"
	default:
		return "overload_recovered"
	}
}

// Subject returns the email subject line.
func (a *Alert) Subject() string {
	switch {
	case a.Kind == KindSilence && a.Phase == PhaseStart:
		return "[ALERT] Silence Detected - " + a.Station
	case a.Kind == KindSilence:
		return "[OK] Audio Recovered - " + a.Station
	case a.Phase == PhaseStart:
		return "[ALERT] True Peak Overload - " + a.Station
	default:
		return "[OK] Overload Cleared - " + a.Station
	}
}

// Body returns the plain text email body.
func (a *Alert) Body() string {
	unit := "LUFS"
	if a.Kind == KindOverload {
		unit = "dBTP"
	}
	if a.Phase == PhaseStart {
		return fmt.Sprintf(
			"%s detected on the meter.\n\n"+
				"Level:     %.1f %s\n"+
				"Threshold: %.1f %s\n"+
				"Time:      %s\n\n"+
				"The condition is ongoing. Please check the audio chain.",
			kindTitle(a.Kind), a.LevelDB, unit, a.ThresholdDB, unit, humanTime(time.Now()),
		)
	}
	return fmt.Sprintf(
		"%s cleared on the meter.\n\n"+
			"Level:     %.1f %s\n"+
			"Lasted:    %s\n"+
			"Threshold: %.1f %s\n"+
			"Time:      %s",
		kindTitle(a.Kind), a.LevelDB, unit, formatDuration(a.DurationMs), a.ThresholdDB, unit, humanTime(time.Now()),
	)
}

func kindTitle(k Kind) string {
	if k == KindOverload {
		return "True peak overload"
	}
	return "Silence"
}

// AppName names the meter in notifications.
const AppName = "ZuidWest FM Meter"

// timestampUTC returns the current time for webhook and log payloads.
func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// humanTimeLayout is used for timestamps in email bodies.
const humanTimeLayout = "2 Jan 2006 15:04 MST"

func humanTime(t time.Time) string {
	return t.Local().Format(humanTimeLayout)
}

// formatDuration renders a condition length as "45s", "2m 34s" or "1h 23m".
func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
