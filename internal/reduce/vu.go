package reduce

import (
	"math"

	"github.com/oszuidwest/zwfm-meter/internal/meter"
)

// VU returns the mean magnitude of the window, in [0, 1].
// The running form m += (|x| - m) / (k + 1) is exact for constant input.
func VU(v meter.WindowView) float64 {
	var m float64
	for k := range v.Len() {
		m += (math.Abs(v.At(k)) - m) / float64(k+1)
	}
	return clamp01(m)
}
