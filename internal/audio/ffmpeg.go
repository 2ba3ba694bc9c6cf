//go:build !linux

package audio

// buildFFmpegCaptureArgs constructs FFmpeg arguments for raw PCM capture.
func buildFFmpegCaptureArgs(inputFormat, device string, format CaptureFormat) []string {
	return []string{
		"-f", inputFormat,
		"-i", device,
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-vn",
		"-f", "s16le",
		"-ac", format.channels(),
		"-ar", format.rate(),
		"pipe:1",
	}
}
