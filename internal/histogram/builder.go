package histogram

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-meter/internal/reduce"
)

// Bin is one cell of the bar graph texture.
type Bin struct {
	Level float64 `json:"l"`          // bar fill in [0, 1]
	Peak  bool    `json:"p,omitzero"` // current peak lies in this bin
	Held  bool    `json:"h,omitzero"` // held peak lies in this bin
	Trail float64 `json:"t,omitzero"` // decayed recent-peak intensity
}

// Texture is a rebuilt-every-tick bar graph. It shares no memory with the
// builder that produced it.
type Texture struct {
	Floor        float64   `json:"floor"`
	Ceiling      float64   `json:"ceiling"`
	ResolutionDB float64   `json:"resolution_db"` // dB covered by one output bin
	NativeBins   int       `json:"native_bins"`
	Policy       Policy    `json:"policy"`
	References   []float64 `json:"references,omitempty"`
	Bins         []Bin     `json:"bins"`
}

// Input is what one render tick hands to Build. Levels are in dB.
type Input struct {
	Level   float64
	Peak    float64
	Held    float64
	History []reduce.HistoryPoint
}

// Builder turns reduced levels into textures. Build, RequestResolution and
// SetPolicy may be called from different goroutines.
type Builder struct {
	cfg    Config
	native int

	resolution atomic.Int64 // 0 means native
	policy     atomic.Value // Policy
}

// NewBuilder validates cfg and returns a builder at native resolution.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyMaxPool
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.References = slices.Clone(cfg.References)

	b := &Builder{cfg: cfg, native: cfg.BinCount()}
	b.policy.Store(cfg.Policy)
	return b, nil
}

// Config returns the builder's configuration.
func (b *Builder) Config() Config {
	cfg := b.cfg
	cfg.References = slices.Clone(b.cfg.References)
	cfg.Policy = b.Policy()
	return cfg
}

// NativeBins returns the bin count implied by the configured range.
func (b *Builder) NativeBins() int {
	return b.native
}

// RequestResolution asks for at most n output bins from the next Build on.
// Requests at or above the native bin count yield native resolution.
// A non-positive request is rejected and the current resolution kept.
func (b *Builder) RequestResolution(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidResolution, n)
	}
	b.resolution.Store(int64(n))
	return nil
}

// Resolution returns the number of bins the next Build will produce.
func (b *Builder) Resolution() int {
	r := int(b.resolution.Load())
	if r <= 0 || r >= b.native {
		return b.native
	}
	return r
}

// SetPolicy switches the downsampling policy.
func (b *Builder) SetPolicy(p Policy) error {
	p, err := ParsePolicy(string(p))
	if err != nil {
		return err
	}
	b.policy.Store(p)
	return nil
}

// Policy returns the current downsampling policy.
func (b *Builder) Policy() Policy {
	return b.policy.Load().(Policy)
}

// Build maps in onto the native bins and downsamples to the negotiated
// resolution. The result depends only on in and the builder settings.
func (b *Builder) Build(in Input) Texture {
	bins := b.buildNative(in)
	policy := b.Policy()
	n := b.Resolution()
	if n < len(bins) {
		bins = Downsample(bins, n, policy)
	}

	return Texture{
		Floor:        b.cfg.DBFloor,
		Ceiling:      b.cfg.DBCeiling,
		ResolutionDB: (b.cfg.DBCeiling - b.cfg.DBFloor) / float64(len(bins)),
		NativeBins:   b.native,
		Policy:       policy,
		References:   slices.Clone(b.cfg.References),
		Bins:         bins,
	}
}

func (b *Builder) buildNative(in Input) []Bin {
	bins := make([]Bin, b.native)
	res := b.cfg.BinResolutionDB
	for i := range bins {
		lower := b.cfg.DBFloor + float64(i)*res
		bins[i].Level = clamp01((in.Level - lower) / res)
	}

	bins[b.cfg.DBToBin(in.Peak)].Peak = true
	bins[b.cfg.DBToBin(in.Held)].Held = true

	for _, p := range in.History {
		i := b.cfg.DBToBin(reduce.ToDB(p.Peak))
		bins[i].Trail = max(bins[i].Trail, clamp01(p.Intensity))
	}
	return bins
}

// Downsample groups src into n proportional runs of adjacent bins and
// reduces each run with policy. Peak and held flags survive under either
// policy. If n is not smaller than len(src), a copy of src is returned.
func Downsample(src []Bin, n int, policy Policy) []Bin {
	if n <= 0 || n >= len(src) {
		return slices.Clone(src)
	}
	dst := make([]Bin, n)
	total := len(src)
	for j := range dst {
		lo, hi := j*total/n, (j+1)*total/n
		group := src[lo:hi]

		var out Bin
		for _, s := range group {
			out.Peak = out.Peak || s.Peak
			out.Held = out.Held || s.Held
		}
		switch policy {
		case PolicyAverage:
			for _, s := range group {
				out.Level += s.Level
				out.Trail += s.Trail
			}
			out.Level /= float64(len(group))
			out.Trail /= float64(len(group))
		default:
			for _, s := range group {
				out.Level = max(out.Level, s.Level)
				out.Trail = max(out.Trail, s.Trail)
			}
		}
		dst[j] = out
	}
	return dst
}

func clamp01(v float64) float64 {
	switch {
	case !(v > 0):
		return 0
	case v > 1:
		return 1
	}
	return v
}
