package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlog/voxlog/internal/storage"
)

// ErrNotRecording is returned by Stop when the recorder is idle.
var ErrNotRecording = errors.New("recorder is not recording")

// ErrAlreadyRecording is returned by Start while a session is active.
var ErrAlreadyRecording = errors.New("recorder is already recording")

// State is the recorder lifecycle stage.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
)

// SegmentSink receives each finalized segment. The sink persists the segment
// and hands it to the uploader; it must not block for long, capture frames
// buffer only briefly while it runs.
type SegmentSink interface {
	SegmentReady(seg storage.Segment)
}

// SinkFunc adapts a function to SegmentSink.
type SinkFunc func(seg storage.Segment)

func (f SinkFunc) SegmentReady(seg storage.Segment) { f(seg) }

// Recorder turns a live input stream into a gapless sequence of
// fixed-duration segments. The stream is acquired once per session; rotation
// only cuts the frame buffer between two frames, so no audio is dropped and
// no frame lands in two segments.
type Recorder struct {
	source Source
	sink   SegmentSink
	logger *slog.Logger

	// tap receives a copy of every frame for the level meter. Optional.
	tap func([]byte)

	mu       sync.Mutex
	state    State
	starting bool
	duration time.Duration
	sequence int
	clientID string
	stream   Stream
	cancel   context.CancelFunc
	done     chan struct{}
	capErr   error
}

// NewRecorder creates an idle recorder. duration is the nominal segment
// length; lastSequence is the highest sequence number already in the store,
// so the first finalized segment carries lastSequence+1.
func NewRecorder(source Source, sink SegmentSink, duration time.Duration, lastSequence int, clientID string) *Recorder {
	if duration <= 0 {
		duration = 30 * time.Second
	}
	return &Recorder{
		source:   source,
		sink:     sink,
		logger:   slog.Default(),
		state:    StateIdle,
		duration: duration,
		sequence: lastSequence,
		clientID: clientID,
	}
}

// SetTap registers a frame tap for the level meter. Must be called before
// Start. The tap only observes; it has no effect on segment boundaries.
func (r *Recorder) SetTap(tap func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tap = tap
}

// State returns the current lifecycle stage.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the capture error that ended the last session early, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capErr
}

// Duration returns the nominal segment length used for the next rotation.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration
}

// SetDuration updates the nominal segment length. The open segment is not
// truncated; the new length takes effect at the next rotation. (The
// alternative, cutting the open segment immediately, surprises users who
// expect a mid-segment settings change to be non-destructive.)
func (r *Recorder) SetDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("segment duration must be positive, got %s", d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duration = d
	return nil
}

// Start acquires the input device and begins the first segment. A device
// acquisition failure is returned as ErrDeviceUnavailable and is never
// retried automatically.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateCapturing || r.starting {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	// Claim the session before releasing the lock so a concurrent Start
	// cannot open a second stream while the device is being acquired.
	r.starting = true
	r.mu.Unlock()

	stream, err := r.source.Open(ctx)
	if err != nil {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.starting = false
	r.state = StateCapturing
	r.stream = stream
	r.cancel = cancel
	r.done = done
	r.capErr = nil
	r.mu.Unlock()

	go r.run(runCtx, stream, done)
	r.logger.Info("recording started", "segment_duration", r.Duration())
	return nil
}

// Stop finalizes the in-flight segment, releases the input device and
// returns the recorder to idle. If the session ended early because of a
// capture error, that error is returned.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != StateCapturing {
		r.mu.Unlock()
		return ErrNotRecording
	}
	cancel := r.cancel
	done := r.done
	stream := r.stream
	r.mu.Unlock()

	cancel()
	<-done
	stream.Close()

	r.mu.Lock()
	r.state = StateIdle
	r.stream = nil
	r.cancel = nil
	r.done = nil
	err := r.capErr
	r.mu.Unlock()

	r.logger.Info("recording stopped")
	return err
}

func (r *Recorder) run(ctx context.Context, stream Stream, done chan struct{}) {
	defer close(done)

	var buf bytes.Buffer
	segStart := time.Now()
	rotate := time.NewTimer(r.Duration())
	defer rotate.Stop()

	finalize := func() {
		if buf.Len() == 0 {
			// Nothing to emit, but the window still closes here so a later
			// segment does not absorb the stalled interval in its duration.
			segStart = time.Now()
			return
		}
		r.mu.Lock()
		r.sequence++
		seq := r.sequence
		clientID := r.clientID
		r.mu.Unlock()

		payload := make([]byte, buf.Len())
		copy(payload, buf.Bytes())
		buf.Reset()

		now := time.Now()
		seg := storage.Segment{
			SequenceNumber:  seq,
			Payload:         payload,
			ContentType:     stream.ContentType(),
			CapturedAt:      now,
			DurationSeconds: now.Sub(segStart).Seconds(),
			ClientID:        clientID,
		}
		segStart = now
		r.sink.SegmentReady(seg)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever the stream already produced, then finalize.
			stream.Close()
			for frame := range stream.Frames() {
				buf.Write(frame)
			}
			finalize()
			return

		case frame, ok := <-stream.Frames():
			if !ok {
				// Mid-session capture failure: finalize what we have, stop
				// the session and surface the error instead of silently
				// continuing.
				finalize()
				stream.Close()
				r.mu.Lock()
				if err := stream.Err(); err != nil {
					r.capErr = fmt.Errorf("capture stream ended: %w", err)
				} else {
					r.capErr = errors.New("capture stream ended unexpectedly")
				}
				r.state = StateIdle
				r.stream = nil
				r.cancel = nil
				r.done = nil
				capErr := r.capErr
				r.mu.Unlock()
				r.logger.Error("capture stream ended mid-session", "error", capErr)
				return
			}
			buf.Write(frame)
			if r.tap != nil {
				r.tap(frame)
			}

		case <-rotate.C:
			finalize()
			rotate.Reset(r.Duration())
		}
	}
}
