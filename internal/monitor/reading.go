package monitor

import (
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/histogram"
	"github.com/oszuidwest/zwfm-meter/internal/reduce"
)

// Bar sources select which reduction drives the bar fill.
const (
	BarSourceLUFS = "lufs"
	BarSourceVU   = "vu"
)

// Reading is the reduced meter state of one render tick. It is immutable
// once published; every consumer shares the same value.
type Reading struct {
	Time       time.Time `json:"time"`
	SampleRate int       `json:"sample_rate"`
	Position   uint64    `json:"position"` // samples ingested by the stream

	LUFS        float64 `json:"lufs"`
	VU          float64 `json:"vu"` // linear mean magnitude in [0, 1]
	VUDB        float64 `json:"vu_db"`
	BallisticDB float64 `json:"ballistic_db"`
	BarDB       float64 `json:"bar_db"` // level drawn as the bar fill

	PeakDB         float64 `json:"peak_db"`
	HeldPeakDB     float64 `json:"held_peak_db"`
	TruePeakDB     float64 `json:"true_peak_db"`
	HeldTruePeakDB float64 `json:"held_true_peak_db"`
	Clips          uint64  `json:"clips,omitzero"`

	History []reduce.HistoryPoint `json:"history,omitempty"`

	Silence           bool  `json:"silence"`
	SilenceDurationMs int64 `json:"silence_duration_ms,omitzero"`
	Overload          bool  `json:"overload"`
}

// idleReading is published while no stream is running.
func idleReading(now time.Time) *Reading {
	return &Reading{
		Time:           now,
		LUFS:           reduce.MinDB,
		VUDB:           reduce.MinDB,
		BallisticDB:    reduce.MinDB,
		BarDB:          reduce.MinDB,
		PeakDB:         reduce.MinDB,
		HeldPeakDB:     reduce.MinDB,
		TruePeakDB:     reduce.MinDB,
		HeldTruePeakDB: reduce.MinDB,
	}
}

// HistogramInput returns the levels a histogram builder needs. Peak markers
// follow the true peak.
func (r *Reading) HistogramInput() histogram.Input {
	return histogram.Input{
		Level:   r.BarDB,
		Peak:    r.TruePeakDB,
		Held:    r.HeldTruePeakDB,
		History: r.History,
	}
}
