package reduce

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/oszuidwest/zwfm-meter/internal/meter"
)

// K-weighting stages per ITU-R BS.1770.
const (
	kShelfFreq   = 1500.0
	kShelfGainDB = 4.0
	kHighPass    = 38.0
	lufsOffset   = -0.691
)

var kQ = 1 / math.Sqrt2

// LoudnessResult is one windowed loudness measurement.
type LoudnessResult struct {
	LUFS   float64 // K-weighted loudness, floored at MinDB
	Linear float64 // LUFS as an amplitude in [0, 1]
}

// Loudness computes K-weighted windowed loudness. Scratch buffers are sized
// once; the filter state is cleared before every measurement so results
// depend only on the view. Not safe for concurrent use.
type Loudness struct {
	shelf    *biquad.Section
	hpf      *biquad.Section
	filtered []float64
	squared  []float64
}

// NewLoudness prepares a loudness reducer for windows of windowSamples.
func NewLoudness(sampleRate, windowSamples int) *Loudness {
	rate := float64(sampleRate)
	return &Loudness{
		shelf:    biquad.NewSection(design.HighShelf(kShelfFreq, kShelfGainDB, kQ, rate)),
		hpf:      biquad.NewSection(design.Highpass(kHighPass, kQ, rate)),
		filtered: make([]float64, windowSamples),
		squared:  make([]float64, windowSamples),
	}
}

// Reduce measures the window. Tail samples in the view prime the filters.
func (l *Loudness) Reduce(v meter.WindowView) LoudnessResult {
	l.shelf.Reset()
	l.hpf.Reset()

	for i := range v.TailLen() {
		l.hpf.ProcessSample(l.shelf.ProcessSample(v.TailAt(i)))
	}

	n := v.CopyTo(l.filtered)
	if n == 0 {
		return LoudnessResult{LUFS: MinDB}
	}
	filtered := l.filtered[:n]
	l.shelf.ProcessBlock(filtered)
	l.hpf.ProcessBlock(filtered)

	squared := l.squared[:n]
	vecmath.MulBlock(squared, filtered, filtered)
	var sum float64
	for _, s := range squared {
		sum += s
	}

	lufs := toLUFS(sum / float64(n))
	return LoudnessResult{
		LUFS:   lufs,
		Linear: clamp01(FromDB(lufs)),
	}
}

func toLUFS(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return MinDB
	}
	return max(lufsOffset+10*math.Log10(meanSquare), MinDB)
}
