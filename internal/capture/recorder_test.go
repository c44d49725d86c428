package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxlog/voxlog/internal/storage"
)

// fakeStream feeds deterministic frames at a fixed interval and records
// every byte it managed to deliver, so tests can verify the gapless
// property by comparing delivered bytes against finalized payloads.
type fakeStream struct {
	frames   chan []byte
	interval time.Duration

	quitOnce sync.Once
	quit     chan struct{}

	mu   sync.Mutex
	sent []byte
	next byte
	err  error
}

func newFakeStream(interval time.Duration) *fakeStream {
	s := &fakeStream{
		frames:   make(chan []byte, 16),
		interval: interval,
		quit:     make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *fakeStream) pump() {
	defer close(s.frames)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			frame := s.nextFrame()
			select {
			case s.frames <- frame:
				s.mu.Lock()
				s.sent = append(s.sent, frame...)
				s.mu.Unlock()
			case <-s.quit:
				return
			}
		}
	}
}

func (s *fakeStream) nextFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]byte, 4)
	for i := range frame {
		frame[i] = s.next
		s.next++
	}
	return frame
}

func (s *fakeStream) delivered() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeStream) Frames() <-chan []byte { return s.frames }
func (s *fakeStream) ContentType() string   { return "audio/l16" }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })
	return nil
}

type fakeSource struct {
	stream  *fakeStream
	openErr error
}

func (s *fakeSource) Open(ctx context.Context) (Stream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.stream, nil
}

// slowSource simulates a device that takes a while to acquire and counts
// how many streams it handed out.
type slowSource struct {
	delay time.Duration

	mu    sync.Mutex
	opens int
}

func (s *slowSource) Open(ctx context.Context) (Stream, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return newFakeStream(2 * time.Millisecond), nil
}

func (s *slowSource) opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// manualStream delivers only the frames the test pushes by hand.
type manualStream struct {
	frames    chan []byte
	closeOnce sync.Once
}

func newManualStream() *manualStream {
	return &manualStream{frames: make(chan []byte, 16)}
}

func (s *manualStream) push(frame []byte)     { s.frames <- frame }
func (s *manualStream) Frames() <-chan []byte { return s.frames }
func (s *manualStream) ContentType() string   { return "audio/l16" }
func (s *manualStream) Err() error            { return nil }

func (s *manualStream) Close() error {
	s.closeOnce.Do(func() { close(s.frames) })
	return nil
}

type streamSource struct {
	stream Stream
}

func (s *streamSource) Open(ctx context.Context) (Stream, error) {
	return s.stream, nil
}

// collectSink gathers finalized segments.
type collectSink struct {
	mu       sync.Mutex
	segments []storage.Segment
}

func (c *collectSink) SegmentReady(seg storage.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = append(c.segments, seg)
}

func (c *collectSink) all() []storage.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

// TestRotationProducesSegments runs roughly 2.2 segment lengths of capture
// and expects three segments: two full rotations plus the partial one cut
// by Stop.
func TestRotationProducesSegments(t *testing.T) {
	stream := newFakeStream(5 * time.Millisecond)
	sink := &collectSink{}
	rec := NewRecorder(&fakeSource{stream: stream}, sink, 100*time.Millisecond, 0, "client-1")

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := rec.State(); got != StateCapturing {
		t.Fatalf("state after Start = %q, want capturing", got)
	}

	time.Sleep(220 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := rec.State(); got != StateIdle {
		t.Fatalf("state after Stop = %q, want idle", got)
	}

	segs := sink.all()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	for i, seg := range segs {
		if seg.SequenceNumber != i+1 {
			t.Errorf("segment %d has sequence %d, want %d", i, seg.SequenceNumber, i+1)
		}
		if len(seg.Payload) == 0 {
			t.Errorf("segment %d has empty payload", i)
		}
		if seg.ContentType != "audio/l16" {
			t.Errorf("segment %d content type = %q", i, seg.ContentType)
		}
		if seg.ClientID != "client-1" {
			t.Errorf("segment %d client id = %q", i, seg.ClientID)
		}
	}
}

// TestRotationIsGapless verifies that no byte is dropped and no byte lands
// in two segments: the concatenation of all payloads must equal exactly the
// bytes the stream delivered.
func TestRotationIsGapless(t *testing.T) {
	stream := newFakeStream(2 * time.Millisecond)
	sink := &collectSink{}
	rec := NewRecorder(&fakeSource{stream: stream}, sink, 40*time.Millisecond, 0, "c")

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var got []byte
	for _, seg := range sink.all() {
		got = append(got, seg.Payload...)
	}
	want := stream.delivered()
	if len(got) != len(want) {
		t.Fatalf("finalized %d bytes, stream delivered %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("byte %d differs: got %d, want %d", i, got[i], want[i])
		}
	}
}

// TestStopFinalizesShortSegment stops well before the first rotation and
// expects the partial segment to be delivered anyway.
func TestStopFinalizesShortSegment(t *testing.T) {
	stream := newFakeStream(2 * time.Millisecond)
	sink := &collectSink{}
	rec := NewRecorder(&fakeSource{stream: stream}, sink, time.Hour, 0, "c")

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	segs := sink.all()
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].DurationSeconds <= 0 || segs[0].DurationSeconds > 1 {
		t.Errorf("duration = %v seconds, want a small positive value", segs[0].DurationSeconds)
	}
}

// TestSequenceSeedContinuesFromStore verifies the first segment after a
// restart continues numbering from the store's highest sequence.
func TestSequenceSeedContinuesFromStore(t *testing.T) {
	stream := newFakeStream(2 * time.Millisecond)
	sink := &collectSink{}
	rec := NewRecorder(&fakeSource{stream: stream}, sink, time.Hour, 41, "c")

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	segs := sink.all()
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].SequenceNumber != 42 {
		t.Errorf("sequence = %d, want 42", segs[0].SequenceNumber)
	}
}

func TestStartWhileCapturing(t *testing.T) {
	stream := newFakeStream(2 * time.Millisecond)
	rec := NewRecorder(&fakeSource{stream: stream}, &collectSink{}, time.Hour, 0, "c")

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Stop()

	if err := rec.Start(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start = %v, want ErrAlreadyRecording", err)
	}
}

// TestConcurrentStartOpensOneStream races two Start calls against a device
// that is slow to acquire. Exactly one call may win and exactly one stream
// may be opened, otherwise two sessions would feed the sink at once.
func TestConcurrentStartOpensOneStream(t *testing.T) {
	src := &slowSource{delay: 50 * time.Millisecond}
	rec := NewRecorder(src, &collectSink{}, time.Hour, 0, "c")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rec.Start(context.Background())
		}(i)
	}
	wg.Wait()
	defer rec.Stop()

	var started, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRecording):
			rejected++
		default:
			t.Fatalf("unexpected Start error: %v", err)
		}
	}
	if started != 1 || rejected != 1 {
		t.Fatalf("got %d successful and %d rejected Starts, want 1 and 1", started, rejected)
	}
	if got := src.opened(); got != 1 {
		t.Errorf("source opened %d streams, want 1", got)
	}
}

// TestEmptyRotationDoesNotInflateNextDuration lets two rotations pass with
// no audio, then delivers a frame and stops. The finalized segment must be
// timed from the last rotation boundary, not from Start.
func TestEmptyRotationDoesNotInflateNextDuration(t *testing.T) {
	stream := newManualStream()
	sink := &collectSink{}
	rec := NewRecorder(&streamSource{stream: stream}, sink, 50*time.Millisecond, 0, "c")

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	stream.push([]byte{1, 2, 3, 4})
	time.Sleep(20 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	segs := sink.all()
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].DurationSeconds >= 0.1 {
		t.Errorf("duration = %v seconds, want less than one rotation plus slack", segs[0].DurationSeconds)
	}
}

func TestStopWhileIdle(t *testing.T) {
	rec := NewRecorder(&fakeSource{}, &collectSink{}, time.Hour, 0, "c")
	if err := rec.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop while idle = %v, want ErrNotRecording", err)
	}
}

// TestDeviceUnavailable verifies an acquisition failure is surfaced as is
// and leaves the recorder idle, never capturing.
func TestDeviceUnavailable(t *testing.T) {
	src := &fakeSource{openErr: ErrDeviceUnavailable}
	rec := NewRecorder(src, &collectSink{}, time.Hour, 0, "c")

	err := rec.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if got := rec.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

// TestMidSessionStreamFailure ends the stream underneath an active session
// and expects the recorder to finalize the partial segment, return to idle
// and expose the stream error.
func TestMidSessionStreamFailure(t *testing.T) {
	stream := newFakeStream(2 * time.Millisecond)
	sink := &collectSink{}
	rec := NewRecorder(&fakeSource{stream: stream}, sink, time.Hour, 0, "c")

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	stream.mu.Lock()
	stream.err = errors.New("device vanished")
	stream.mu.Unlock()
	stream.Close()

	deadline := time.Now().Add(time.Second)
	for rec.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("recorder never returned to idle after stream failure")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := rec.Err(); err == nil {
		t.Error("Err() = nil after mid-session failure")
	}
	if len(sink.all()) != 1 {
		t.Errorf("got %d segments, want the partial one", len(sink.all()))
	}
}

func TestSetDuration(t *testing.T) {
	rec := NewRecorder(&fakeSource{}, &collectSink{}, 30*time.Second, 0, "c")

	if err := rec.SetDuration(0); err == nil {
		t.Error("SetDuration(0) accepted, want error")
	}
	if err := rec.SetDuration(-time.Second); err == nil {
		t.Error("SetDuration(-1s) accepted, want error")
	}
	if err := rec.SetDuration(45 * time.Second); err != nil {
		t.Fatalf("SetDuration(45s): %v", err)
	}
	if got := rec.Duration(); got != 45*time.Second {
		t.Errorf("Duration = %v, want 45s", got)
	}
}

// TestTapObservesFrames verifies the level meter tap sees capture bytes
// without affecting segmentation.
func TestTapObservesFrames(t *testing.T) {
	stream := newFakeStream(2 * time.Millisecond)
	sink := &collectSink{}
	rec := NewRecorder(&fakeSource{stream: stream}, sink, time.Hour, 0, "c")

	var mu sync.Mutex
	var tapped int
	rec.SetTap(func(frame []byte) {
		mu.Lock()
		tapped += len(frame)
		mu.Unlock()
	})

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if tapped == 0 {
		t.Error("tap saw no frames")
	}
}
