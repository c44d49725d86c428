package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

const (
	pcmSampleRate = 48000
	pcmChannels   = 1
	pcmFrameSize  = 4096
)

// PipeWireSource captures audio by running pw-record with raw s16 output on
// stdout. Target optionally names a specific capture node; empty means the
// default input device.
type PipeWireSource struct {
	Command string // capture binary, defaults to "pw-record"
	Target  string
}

func (p *PipeWireSource) command() string {
	if p.Command == "" {
		return "pw-record"
	}
	return p.Command
}

// Open starts the capture process. A missing binary or an immediate process
// failure is reported as ErrDeviceUnavailable.
func (p *PipeWireSource) Open(ctx context.Context) (Stream, error) {
	args := []string{
		"--format", "s16",
		"--rate", fmt.Sprintf("%d", pcmSampleRate),
		"--channels", fmt.Sprintf("%d", pcmChannels),
	}
	if p.Target != "" {
		args = append(args, "--target", p.Target)
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, p.command(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: opening capture pipe: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrDeviceUnavailable, p.command(), err)
	}

	st := &pipeStream{
		cmd:    cmd,
		stdout: stdout,
		frames: make(chan []byte, 16),
	}
	go st.pump()
	return st, nil
}

type pipeStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	frames chan []byte

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *pipeStream) pump() {
	defer close(s.frames)
	for {
		buf := make([]byte, pcmFrameSize)
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			s.frames <- buf[:n]
		}
		if err != nil {
			s.mu.Lock()
			if !s.closed && err != io.EOF && err != io.ErrUnexpectedEOF {
				s.err = fmt.Errorf("reading capture stream: %w", err)
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *pipeStream) Frames() <-chan []byte { return s.frames }

func (s *pipeStream) ContentType() string {
	return fmt.Sprintf("audio/l16;rate=%d;channels=%d", pcmSampleRate, pcmChannels)
}

func (s *pipeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pipeStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// SIGTERM lets pw-record flush; the process exit closes stdout and ends
	// the pump goroutine.
	if s.cmd.Process != nil {
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Debug("signalling capture process", "error", err)
		}
	}
	s.stdout.Close()
	if err := s.cmd.Wait(); err != nil {
		// Expected: the process dies from our signal.
		slog.Debug("capture process exited", "error", err)
	}
	return nil
}
