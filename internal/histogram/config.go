// Package histogram maps reduced meter levels onto the bins of a 1D bar
// graph texture and negotiates the bin count with the render target.
package histogram

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Policy selects how native bins are combined when the render target has
// fewer bins than the histogram.
type Policy string

// Supported downsampling policies.
const (
	PolicyMaxPool Policy = "max-pool" // keep the strongest bin of each group
	PolicyAverage Policy = "average"  // mean of each group
)

// Defaults for a zero Config.
const (
	DefaultDBFloor         = -96.0
	DefaultDBCeiling       = 0.0
	DefaultBinResolutionDB = 1.0
	MinBinResolutionDB     = 0.1
	MaxBins                = 4096
)

// Configuration errors.
var (
	ErrInvalidConfig     = errors.New("invalid histogram configuration")
	ErrInvalidResolution = errors.New("resolution must be positive")
	ErrInvalidPolicy     = errors.New("unknown downsample policy")
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

// Config describes the dB range and bin grid of a histogram.
type Config struct {
	DBFloor         float64   `json:"db_floor" validate:"ltfield=DBCeiling"`
	DBCeiling       float64   `json:"db_ceiling"`
	BinResolutionDB float64   `json:"bin_resolution_db" validate:"gte=0.1"`
	Policy          Policy    `json:"downsample_policy" validate:"oneof=max-pool average"`
	References      []float64 `json:"reference_marks"` // passed through to the renderer untouched
}

// DefaultConfig returns the standard -96..0 dB range at 1 dB per bin.
func DefaultConfig() Config {
	return Config{
		DBFloor:         DefaultDBFloor,
		DBCeiling:       DefaultDBCeiling,
		BinResolutionDB: DefaultBinResolutionDB,
		Policy:          PolicyMaxPool,
	}
}

// Validate checks the field constraints and the resulting bin count.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s (value %v)", ErrInvalidConfig, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if n := c.rawBinCount(); n < 1 || n > MaxBins {
		return fmt.Errorf("%w: range yields %d bins, want 1 to %d", ErrInvalidConfig, n, MaxBins)
	}
	return nil
}

func (c Config) rawBinCount() int {
	return int(math.Round((c.DBCeiling - c.DBFloor) / c.BinResolutionDB))
}

// BinCount returns the native number of bins. Config must be valid.
func (c Config) BinCount() int {
	return max(c.rawBinCount(), 1)
}

// DBToBin returns the native bin holding db. Values below the floor, NaN and
// -Inf land in bin 0; values at or above the ceiling land in the last bin.
func (c Config) DBToBin(db float64) int {
	if math.IsNaN(db) || db <= c.DBFloor {
		return 0
	}
	n := c.BinCount()
	idx := math.Floor((db - c.DBFloor) / c.BinResolutionDB)
	if idx >= float64(n-1) {
		return n - 1
	}
	return int(idx)
}

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyMaxPool, PolicyAverage:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}
