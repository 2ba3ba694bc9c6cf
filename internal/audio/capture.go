package audio

import (
	"errors"
	"strconv"
)

// ErrNoAudioDevice is returned when no audio input device is available.
var ErrNoAudioDevice = errors.New("no audio input device found")

// CaptureFormat is the PCM layout requested from a capture backend.
type CaptureFormat struct {
	SampleRate int
	Channels   int
}

func (f CaptureFormat) rate() string     { return strconv.Itoa(f.SampleRate) }
func (f CaptureFormat) channels() string { return strconv.Itoa(f.Channels) }

// CaptureConfig defines platform-specific audio capture configuration.
type CaptureConfig struct {
	// Command is the executable name (e.g., "arecord", "ffmpeg").
	Command string

	// DefaultDevice is used when no device is configured.
	DefaultDevice string

	// UsesFFmpeg indicates if this platform uses FFmpeg for capture.
	UsesFFmpeg bool

	// BuildArgs returns the command arguments for raw S16LE capture.
	BuildArgs func(device string, format CaptureFormat) []string
}

// BuildCaptureCommand returns the command and arguments for audio capture.
// If device is empty, it attempts to use the default or auto-detect.
// The ffmpegPath parameter is used on platforms that use FFmpeg for capture.
func BuildCaptureCommand(device, ffmpegPath string, format CaptureFormat) (cmd string, args []string, err error) {
	cfg := getPlatformConfig()

	if device == "" {
		device = cfg.DefaultDevice
	}

	// Auto-detect if still empty (Windows has no safe default).
	if device == "" {
		devices := cfg.Devices()
		if len(devices) == 0 {
			return "", nil, ErrNoAudioDevice
		}
		device = devices[0].ID
	}

	command := cfg.Command
	if cfg.UsesFFmpeg && ffmpegPath != "" {
		command = ffmpegPath
	}

	return command, cfg.BuildArgs(device, format), nil
}
