package meter

import (
	"math"
	"sync/atomic"
)

// Ballistic VU constants: the integrator reaches 99% of a steady sine's
// amplitude after 300 ms. The mean magnitude of a sine is 2/pi of its
// amplitude, hence the correction factor.
const (
	vuRiseTime            = 0.3
	vuRisePrecision       = 0.01
	vuAmplitudeCorrection = math.Pi / 2
)

// Ballistics is a first-order VU integrator. The producer owns the running
// state and publishes it after every block; Level may be called from any
// goroutine.
type Ballistics struct {
	weight    float64
	state     float64
	published atomic.Uint64 // float64 bits
}

// NewBallistics returns an integrator for the given sample rate.
func NewBallistics(sampleRate int) *Ballistics {
	tau := -vuRiseTime / math.Log(vuRisePrecision)
	dt := 1 / float64(sampleRate)
	return &Ballistics{weight: math.Exp(-dt / tau)}
}

// Integrate advances the integrator by one sample. Producer only.
func (b *Ballistics) Integrate(x float64) {
	s := math.Abs(x) * vuAmplitudeCorrection
	b.state = s + (b.state-s)*b.weight
}

// Publish makes the current state visible to Level. Producer only.
func (b *Ballistics) Publish() {
	b.published.Store(math.Float64bits(b.state))
}

// Level returns the last published integrator value. For a steady sine it
// converges to the sine's amplitude.
func (b *Ballistics) Level() float64 {
	return math.Float64frombits(b.published.Load())
}
