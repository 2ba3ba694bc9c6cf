package audio

import (
	"context"
	"errors"
	"fmt"
)

// Backend names accepted in configuration.
const (
	BackendProcess = "process" // arecord or FFmpeg subprocess
	BackendDevice  = "device"  // in-process miniaudio capture
)

// ErrUnknownBackend is returned for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown audio backend")

// Sink consumes decoded mono samples on the capture goroutine. Ingest must
// not block and must not retain the slice.
type Sink interface {
	Ingest(samples []float64)
}

// Source captures one audio stream at a fixed sample rate.
type Source interface {
	// SampleRate is the rate of every sample delivered to the sink.
	SampleRate() int
	// Run delivers audio to sink until ctx is canceled or capture fails.
	// A canceled context is not an error.
	Run(ctx context.Context, sink Sink) error
	// Alive reports whether the capture callback is healthy.
	Alive() bool
	// Dropouts counts late or short deliveries since the source was made.
	Dropouts() uint64
}

// SourceConfig selects and configures a capture backend.
type SourceConfig struct {
	Backend     string
	Input       string
	FFmpegPath  string
	SampleRate  int
	Channels    int
	ChannelMode ChannelMode
}

// NewSource returns the backend named in cfg.
func NewSource(cfg SourceConfig) (Source, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid capture format: %d Hz, %d channels", cfg.SampleRate, cfg.Channels)
	}
	switch cfg.Backend {
	case "", BackendProcess:
		return NewProcessSource(cfg), nil
	case BackendDevice:
		return NewDeviceSource(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

// framesPerBlock returns a 10 ms block, the granularity at which backends
// hand samples to the sink.
func framesPerBlock(sampleRate int) int {
	return max(sampleRate/100, 1)
}
