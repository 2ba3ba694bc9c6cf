// Package reduce turns a meter snapshot into the scalar levels and peak
// history shown on the bar graph. Everything here runs on the render side
// and never touches producer state other than through a window view.
package reduce

import "math"

// MinDB is the level reported for silence.
const MinDB = -120.0

// ToDB converts a linear amplitude to dBFS, floored at MinDB.
func ToDB(amplitude float64) float64 {
	if !(amplitude > 0) {
		return MinDB
	}
	return max(20*math.Log10(amplitude), MinDB)
}

// FromDB converts dBFS to a linear amplitude.
func FromDB(db float64) float64 {
	return math.Pow(10, db/20)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
