package meter

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// Oversampling parameters for the true-peak stage.
const (
	DefaultOversampling = 4
	TapsPerPhase        = 12
	kaiserBeta          = 5.0
)

// TruePeakFilter estimates inter-sample peaks with a polyphase
// oversampling low-pass filter. It is not safe for concurrent use; the
// engine gives it to the producer only.
type TruePeakFilter struct {
	factor  int
	coeffs  [][TapsPerPhase]float64
	history [TapsPerPhase]float64
}

// NewTruePeakFilter builds the coefficient table for the given oversampling
// factor. A factor of 1 disables interpolation and only tracks sample peaks.
func NewTruePeakFilter(factor int) (*TruePeakFilter, error) {
	f := &TruePeakFilter{
		factor: factor,
		coeffs: make([][TapsPerPhase]float64, factor),
	}
	if factor <= 1 {
		return f, nil
	}

	// The resampler is only used for its prototype low-pass; Process here
	// runs on the audio thread and must not allocate.
	rs, err := resample.NewRational(factor, 1,
		resample.WithTapsPerPhase(TapsPerPhase),
		resample.WithKaiserBeta(kaiserBeta),
		resample.WithCutoffScale(1),
	)
	if err != nil {
		return nil, fmt.Errorf("design true-peak filter: %w", err)
	}
	splitPhases(f.coeffs, rs.Prototype(), factor)
	return f, nil
}

// splitPhases distributes the prototype taps over the phases and normalizes
// every phase to unity DC gain.
func splitPhases(coeffs [][TapsPerPhase]float64, taps []float64, factor int) {
	for phase := range factor {
		var sum float64
		for tap := range TapsPerPhase {
			if i := tap*factor + phase; i < len(taps) {
				coeffs[phase][tap] = taps[i]
				sum += taps[i]
			}
		}
		if sum == 0 {
			continue
		}
		for tap := range TapsPerPhase {
			coeffs[phase][tap] /= sum
		}
	}
}

// Factor returns the oversampling factor.
func (f *TruePeakFilter) Factor() int {
	return f.factor
}

// Process pushes one sample through the filter and returns the largest
// magnitude among the sample itself and its interpolated neighbors.
func (f *TruePeakFilter) Process(x float64) float64 {
	peak := math.Abs(x)
	if f.factor <= 1 {
		return peak
	}
	copy(f.history[:], f.history[1:])
	f.history[TapsPerPhase-1] = x
	for phase := range f.coeffs {
		var y float64
		for tap, c := range f.coeffs[phase] {
			y += f.history[tap] * c
		}
		peak = max(peak, math.Abs(y))
	}
	return peak
}

// Reset clears the delay line.
func (f *TruePeakFilter) Reset() {
	f.history = [TapsPerPhase]float64{}
}
