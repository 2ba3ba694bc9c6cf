package audio

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gen2brain/malgo"

	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// ErrDeviceStopped is reported when the audio device stops on its own.
var ErrDeviceStopped = errors.New("audio device stopped")

// DeviceSource captures audio in-process through miniaudio. Samples are
// decoded and ingested directly on the device callback thread.
type DeviceSource struct {
	cfg      SourceConfig
	guard    *Guard
	dropouts *DropoutCounter
}

// NewDeviceSource returns a miniaudio capture backend.
func NewDeviceSource(cfg SourceConfig) *DeviceSource {
	return &DeviceSource{cfg: cfg, guard: NewGuard(), dropouts: NewDropoutCounter(cfg.SampleRate)}
}

// SampleRate returns the requested capture rate.
func (s *DeviceSource) SampleRate() int {
	return s.cfg.SampleRate
}

// Alive reports whether the device callback is healthy.
func (s *DeviceSource) Alive() bool {
	return s.guard.Alive()
}

// Dropouts returns the number of late or partial device callbacks.
func (s *DeviceSource) Dropouts() uint64 {
	return s.dropouts.Count()
}

// Run opens the capture device and blocks until ctx is canceled or the
// device fails.
func (s *DeviceSource) Run(ctx context.Context, sink Sink) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return util.WrapError("initialize audio context", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(s.cfg.Channels)                     //nolint:gosec // channel count validated by config
	deviceConfig.SampleRate = uint32(s.cfg.SampleRate)                         //nolint:gosec // sample rate validated by config
	deviceConfig.PeriodSizeInFrames = uint32(framesPerBlock(s.cfg.SampleRate)) //nolint:gosec // bounded by sample rate
	deviceConfig.Alsa.NoMMap = 1

	if s.cfg.Input != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			return util.WrapError("list capture devices", err)
		}
		found := false
		for i := range infos {
			if infos[i].Name() == s.cfg.Input || infos[i].ID.String() == s.cfg.Input {
				deviceConfig.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			slog.Warn("capture device not found, using default", "input", s.cfg.Input)
		}
	}

	// Sized for several periods; longer callbacks are split.
	samples := make([]float64, 8*framesPerBlock(s.cfg.SampleRate))

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			s.guard.Run(func() {
				s.ingest(sink, samples, input, int(frameCount))
			})
		},
		Stop: func() {
			if ctx.Err() == nil {
				s.guard.Kill(ErrDeviceStopped)
			}
		},
	})
	if err != nil {
		return util.WrapError("initialize audio device", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return util.WrapError("start audio device", err)
	}
	slog.Info("starting audio capture", "backend", BackendDevice, "input", s.cfg.Input,
		"sample_rate", s.cfg.SampleRate, "channels", s.cfg.Channels)

	select {
	case <-ctx.Done():
		_ = device.Stop()
		return nil
	case <-s.guard.Dead():
		return s.guard.Err()
	}
}

// ingest decodes one device callback into sink. A callback whose buffer
// disagrees with its frame count, or that arrives late, counts as a dropout.
func (s *DeviceSource) ingest(sink Sink, samples []float64, input []byte, frameCount int) {
	frameSize := s.cfg.Channels * 2
	s.dropouts.Observe(frameCount)
	if len(input) != frameCount*frameSize {
		s.dropouts.Short()
	}
	for len(input) >= frameSize {
		n := DecodeS16LE(samples, input, s.cfg.Channels, s.cfg.ChannelMode)
		sink.Ingest(samples[:n])
		input = input[n*frameSize:]
	}
}

// CaptureDevices lists capture devices known to miniaudio.
func CaptureDevices() ([]Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, util.WrapError("initialize audio context", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, util.WrapError("list capture devices", err)
	}
	devices := make([]Device, 0, len(infos))
	for i := range infos {
		devices = append(devices, Device{ID: infos[i].Name(), Name: infos[i].Name()})
	}
	return devices, nil
}
