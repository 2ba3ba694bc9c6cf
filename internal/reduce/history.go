package reduce

import (
	"math"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/meter"
)

// Decay maps the age of a peak to an intensity in [0, 1]. Implementations
// must not increase with age.
type Decay func(age time.Duration) float64

// ExponentialDecay halves the intensity every halfLife.
func ExponentialDecay(halfLife time.Duration) Decay {
	return func(age time.Duration) float64 {
		if halfLife <= 0 {
			return 0
		}
		if age <= 0 {
			return 1
		}
		return math.Exp2(-float64(age) / float64(halfLife))
	}
}

// LinearDecay fades from full intensity to zero over span.
func LinearDecay(span time.Duration) Decay {
	return func(age time.Duration) float64 {
		if span <= 0 {
			return 0
		}
		return clamp01(1 - float64(age)/float64(span))
	}
}

// HistoryPoint is the peak of one slice of the window.
type HistoryPoint struct {
	Age       time.Duration `json:"age"`       // age of the slice's newest sample
	Peak      float64       `json:"peak"`      // linear peak magnitude
	Intensity float64       `json:"intensity"` // decay applied to Age
}

// History splits the window into segments equal slices and returns their
// peaks, newest first. Trailing samples that do not fill a whole slice are
// folded into the oldest one.
func History(v meter.WindowView, sampleRate, segments int, decay Decay) []HistoryPoint {
	n := v.Len()
	if segments <= 0 || n == 0 || sampleRate <= 0 {
		return nil
	}
	segments = min(segments, n)
	size := n / segments

	points := make([]HistoryPoint, segments)
	for k := range segments {
		hi := n - k*size
		lo := hi - size
		if k == segments-1 {
			lo = 0
		}
		var peak float64
		for i := lo; i < hi; i++ {
			peak = max(peak, math.Abs(v.At(i)))
		}
		age := time.Duration(k*size) * time.Second / time.Duration(sampleRate)
		points[k] = HistoryPoint{
			Age:       age,
			Peak:      peak,
			Intensity: clamp01(decay(age)),
		}
	}
	return points
}
