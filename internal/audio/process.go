package audio

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// processWaitDelay bounds how long a capture process may take to exit after
// the graceful signal.
const processWaitDelay = 3 * time.Second

// ProcessSource captures raw S16LE audio from an arecord or FFmpeg process.
type ProcessSource struct {
	cfg      SourceConfig
	guard    *Guard
	dropouts *DropoutCounter
}

// NewProcessSource returns a subprocess capture backend.
func NewProcessSource(cfg SourceConfig) *ProcessSource {
	return &ProcessSource{cfg: cfg, guard: NewGuard(), dropouts: NewDropoutCounter(cfg.SampleRate)}
}

// SampleRate returns the requested capture rate.
func (s *ProcessSource) SampleRate() int {
	return s.cfg.SampleRate
}

// Alive reports whether the read loop is healthy.
func (s *ProcessSource) Alive() bool {
	return s.guard.Alive()
}

// Dropouts returns the number of late or torn reads from the capture pipe.
func (s *ProcessSource) Dropouts() uint64 {
	return s.dropouts.Count()
}

// Run starts the capture process and streams its output into sink.
func (s *ProcessSource) Run(ctx context.Context, sink Sink) error {
	format := CaptureFormat{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}
	cmdName, args, err := BuildCaptureCommand(s.cfg.Input, s.cfg.FFmpegPath, format)
	if err != nil {
		return err
	}

	slog.Info("starting audio capture", "backend", BackendProcess, "command", cmdName, "input", s.cfg.Input,
		"sample_rate", s.cfg.SampleRate, "channels", s.cfg.Channels)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cmdName, args...)
	cmd.Cancel = func() error {
		return interruptProcess(cmd.Process)
	}
	cmd.WaitDelay = processWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return util.WrapError("open capture pipe", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return util.WrapError("start capture process", err)
	}

	readErr := s.pump(stdout, sink)
	cancel()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if err := s.guard.Err(); err != nil {
		return err
	}
	if msg := lastStderrLine(stderrBuf.String()); msg != "" {
		return fmt.Errorf("capture process: %s", msg)
	}
	if waitErr != nil {
		return util.WrapError("run capture process", waitErr)
	}
	if readErr != nil {
		return readErr
	}
	return errors.New("capture process exited")
}

// pump reads whole frames from r and hands them to sink until EOF. A read
// that arrives late or ends mid-frame counts as a dropout.
func (s *ProcessSource) pump(r io.Reader, sink Sink) error {
	frameSize := s.cfg.Channels * 2
	frames := framesPerBlock(s.cfg.SampleRate)
	buf := make([]byte, frames*frameSize)
	samples := make([]float64, frames)

	for s.guard.Alive() {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			s.dropouts.Observe(n / frameSize)
			if n%frameSize != 0 {
				s.dropouts.Short()
			}
			decoded := DecodeS16LE(samples, buf[:n], s.cfg.Channels, s.cfg.ChannelMode)
			s.guard.Run(func() {
				sink.Ingest(samples[:decoded])
			})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return util.WrapError("read capture output", err)
		}
	}
	return s.guard.Err()
}

// interruptProcess asks the capture process to stop. Where interrupts are
// unsupported, as on Windows, the process is killed.
func interruptProcess(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}

// maxStderrLine bounds the capture error reported to operators.
const maxStderrLine = 200

// lastStderrLine returns the last non-empty line the capture tool wrote to
// stderr, which for arecord and FFmpeg names the failure.
func lastStderrLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for _, line := range slices.Backward(lines) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxStderrLine {
			return line[:maxStderrLine] + "..."
		}
		return line
	}
	return ""
}

// ResolveFFmpeg returns the FFmpeg binary to use, or "" when none is found.
// A configured path must exist; otherwise FFmpeg is looked up in PATH.
func ResolveFFmpeg(configured string) string {
	name := cmp.Or(configured, "ffmpeg")
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	if configured != "" {
		return configured
	}
	return path
}
