// Package audio provides the capture backends that feed the meter engine,
// PCM decoding, and the silence and overload detectors.
package audio

import (
	"encoding/binary"
	"fmt"
)

// MaxSampleValue is the full-scale magnitude of 16-bit signed audio.
const MaxSampleValue = 32768.0

// ChannelMode selects how interleaved channels are folded into the single
// stream the meter measures.
type ChannelMode string

// Supported channel modes.
const (
	ChannelMix   ChannelMode = "mix"   // mean of all channels
	ChannelLeft  ChannelMode = "left"  // first channel only
	ChannelRight ChannelMode = "right" // second channel only
)

// ParseChannelMode validates a channel mode name. Empty means mix.
func ParseChannelMode(s string) (ChannelMode, error) {
	switch m := ChannelMode(s); m {
	case "":
		return ChannelMix, nil
	case ChannelMix, ChannelLeft, ChannelRight:
		return m, nil
	}
	return "", fmt.Errorf("unknown channel mode %q", s)
}

// DecodeS16LE converts interleaved S16LE frames in buf into dst and returns
// the number of frames written. Trailing partial frames are ignored.
func DecodeS16LE(dst []float64, buf []byte, channels int, mode ChannelMode) int {
	if channels < 1 {
		return 0
	}
	frameSize := channels * 2
	frames := min(len(buf)/frameSize, len(dst))

	pick := -1
	switch {
	case mode == ChannelLeft:
		pick = 0
	case mode == ChannelRight && channels > 1:
		pick = 1
	case mode == ChannelRight:
		pick = 0
	}

	for f := range frames {
		frame := buf[f*frameSize : (f+1)*frameSize]
		if pick >= 0 {
			dst[f] = float64(int16(binary.LittleEndian.Uint16(frame[pick*2:]))) / MaxSampleValue //nolint:gosec // two's complement conversion for signed PCM samples
			continue
		}
		var sum float64
		for ch := range channels {
			sum += float64(int16(binary.LittleEndian.Uint16(frame[ch*2:]))) //nolint:gosec // two's complement conversion for signed PCM samples
		}
		dst[f] = sum / float64(channels) / MaxSampleValue
	}
	return frames
}
