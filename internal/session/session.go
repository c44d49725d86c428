// Package session wires the recorder, segment store, upload coordinator and
// level meter into the single surface the CLI and HTTP layers talk to. The
// pieces are constructed once and passed in; nothing reaches for globals.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlog/voxlog/internal/capture"
	"github.com/voxlog/voxlog/internal/levelmeter"
	"github.com/voxlog/voxlog/internal/storage"
	"github.com/voxlog/voxlog/internal/uploader"
)

// Status is a point-in-time snapshot for status displays.
type Status struct {
	State           capture.State `json:"state"`
	SegmentDuration float64       `json:"segmentDurationSeconds"`
	LevelDB         float64       `json:"levelDb"`
	HasFailed       bool          `json:"hasFailedUploads"`
	SegmentCount    int           `json:"segmentCount"`
	StorageDegraded bool          `json:"storageDegraded"`
}

// Session owns one recording pipeline: capture → persist → upload.
type Session struct {
	store       *storage.Store
	recorder    *capture.Recorder
	coordinator *uploader.Coordinator
	meter       *levelmeter.Meter
	logger      *slog.Logger

	// ctx bounds the background uploads started from segment handoff.
	ctx context.Context

	mu         sync.Mutex
	storageErr error
}

// New builds a session. Every collaborator is required, the meter included:
// Status and Levels read from it unconditionally. The recorder's sequence
// counter is derived from the store's highest stored sequence number, which
// keeps the store the only source of truth for sequencing across restarts.
func New(ctx context.Context, store *storage.Store, source capture.Source, coordinator *uploader.Coordinator, meter *levelmeter.Meter, segmentDuration time.Duration, clientID string) (*Session, error) {
	maxSeq, err := store.MaxSequence()
	if err != nil {
		return nil, fmt.Errorf("reading sequence counter: %w", err)
	}

	s := &Session{
		store:       store,
		coordinator: coordinator,
		meter:       meter,
		logger:      slog.Default(),
		ctx:         ctx,
	}
	s.recorder = capture.NewRecorder(source, capture.SinkFunc(s.segmentReady), segmentDuration, maxSeq, clientID)
	s.recorder.SetTap(meter.Sample)
	return s, nil
}

// segmentReady persists a finalized segment and hands it to the uploader.
// A persistence failure is surfaced through Status and logged; the segment
// is lost to the local list but recording keeps going.
func (s *Session) segmentReady(seg storage.Segment) {
	id, err := s.store.SaveSegment(seg)
	if err != nil {
		s.mu.Lock()
		s.storageErr = err
		s.mu.Unlock()
		s.logger.Error("persisting segment failed", "sequence", seg.SequenceNumber, "error", err)
		return
	}
	s.logger.Info("segment persisted", "segment_id", id, "sequence", seg.SequenceNumber,
		"duration_seconds", seg.DurationSeconds, "bytes", len(seg.Payload))
	s.coordinator.Enqueue(s.ctx, id)
}

// StartRecording acquires the device and begins segmenting.
func (s *Session) StartRecording(ctx context.Context) error {
	return s.recorder.Start(ctx)
}

// StopRecording finalizes the open segment and releases the device.
func (s *Session) StopRecording() error {
	return s.recorder.Stop()
}

// SetSegmentDuration changes the nominal segment length for future
// rotations; the open segment is unaffected.
func (s *Session) SetSegmentDuration(seconds float64) error {
	if seconds <= 0 {
		return fmt.Errorf("segment duration must be positive, got %v", seconds)
	}
	return s.recorder.SetDuration(time.Duration(seconds * float64(time.Second)))
}

// ListSegments returns all stored segments, newest first.
func (s *Session) ListSegments() ([]storage.Segment, error) {
	return s.store.ListSegments()
}

// GetSegment returns one segment including its payload.
func (s *Session) GetSegment(id int64) (storage.Segment, error) {
	return s.store.GetSegment(id)
}

// RetrySegment re-uploads one segment, bypassing the queue.
func (s *Session) RetrySegment(ctx context.Context, id int64) error {
	return s.coordinator.RetryOne(ctx, id)
}

// RetryAllFailed re-uploads every failed or pending segment sequentially and
// returns how many remain unsynced.
func (s *Session) RetryAllFailed(ctx context.Context) (int, error) {
	return s.coordinator.RetryAllFailed(ctx)
}

// DeleteSegment removes one segment from the local store. Remote objects
// are left alone.
func (s *Session) DeleteSegment(id int64) error {
	return s.store.DeleteSegment(id)
}

// WipeAll removes every stored segment. Explicit user action only.
func (s *Session) WipeAll() error {
	return s.store.Clear()
}

// Events exposes the coordinator's sync-status change stream.
func (s *Session) Events() (<-chan uploader.Event, func()) {
	return s.coordinator.Subscribe()
}

// Levels exposes the meter's loudness stream.
func (s *Session) Levels() (<-chan levelmeter.Reading, func()) {
	return s.meter.Subscribe()
}

// Status reports the current pipeline state.
func (s *Session) Status() (Status, error) {
	failed, err := s.coordinator.HasFailedUploads()
	if err != nil {
		return Status{}, err
	}
	segs, err := s.store.ListSegments()
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	degraded := s.storageErr != nil
	s.mu.Unlock()

	return Status{
		State:           s.recorder.State(),
		SegmentDuration: s.recorder.Duration().Seconds(),
		LevelDB:         s.meter.Last().DB,
		HasFailed:       failed,
		SegmentCount:    len(segs),
		StorageDegraded: degraded,
	}, nil
}
