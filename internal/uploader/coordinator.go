package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxlog/voxlog/internal/storage"
)

// ErrUploadInFlight is returned when a second upload is requested for a
// segment that already has one running.
var ErrUploadInFlight = errors.New("upload already in flight for segment")

// SegmentStore is the slice of the segment store the coordinator needs.
type SegmentStore interface {
	GetSegment(id int64) (storage.Segment, error)
	ListByStatus(statuses ...storage.SyncStatus) ([]storage.Segment, error)
	UpdateSyncStatus(id int64, status storage.SyncStatus) error
	SetRemoteKey(id int64, remoteKey, taskID string) error
}

// CredentialIssuer returns a write credential for a fresh object key.
type CredentialIssuer interface {
	UploadCredential(ctx context.Context) (Credential, error)
}

// Transferrer moves a payload to its presigned destination.
type Transferrer interface {
	Put(ctx context.Context, url string, payload []byte, contentType string) error
}

// TaskNotifier is told the task id of each successful upload so an
// asynchronous transcription can later be matched back. Optional.
type TaskNotifier interface {
	TaskStarted(taskID string, segmentID int64)
}

// Event is one observed sync-status change, published for reactive UIs.
type Event struct {
	SegmentID int64
	Status    storage.SyncStatus
	Err       error
}

// Coordinator moves segments from pending/failed to synced. Uploads run one
// at a time: the drain loop is single-flight, which bounds outbound
// bandwidth and guarantees at most one upload per segment id. Failed
// segments are not re-queued automatically; they wait for RetryOne or
// RetryAllFailed.
type Coordinator struct {
	store    SegmentStore
	creds    CredentialIssuer
	transfer Transferrer
	tasks    TaskNotifier
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []int64
	queued   map[int64]struct{}
	inflight map[int64]struct{}
	draining bool

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New creates a coordinator. tasks may be nil when no transcription channel
// is configured.
func New(store SegmentStore, creds CredentialIssuer, transfer Transferrer, tasks TaskNotifier) *Coordinator {
	return &Coordinator{
		store:    store,
		creds:    creds,
		transfer: transfer,
		tasks:    tasks,
		logger:   slog.Default(),
		queued:   make(map[int64]struct{}),
		inflight: make(map[int64]struct{}),
		subs:     make(map[chan Event]struct{}),
	}
}

// Rebuild re-queues every pending or failed segment from the store. Called
// once at startup; the in-memory queue itself is never persisted.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	segs, err := c.store.ListByStatus(storage.StatusPending, storage.StatusFailed)
	if err != nil {
		return fmt.Errorf("rebuilding upload queue: %w", err)
	}
	for _, seg := range segs {
		c.Enqueue(ctx, seg.ID)
	}
	return nil
}

// Enqueue adds a segment id to the upload queue and starts the drain loop
// if it is not already running.
func (c *Coordinator) Enqueue(ctx context.Context, id int64) {
	c.mu.Lock()
	if _, ok := c.queued[id]; ok {
		c.mu.Unlock()
		return
	}
	c.queued[id] = struct{}{}
	c.queue = append(c.queue, id)
	start := !c.draining
	if start {
		c.draining = true
	}
	c.mu.Unlock()

	if start {
		go c.drain(ctx)
	}
}

// drain processes the queue to empty in FIFO order, then exits. One failed
// item does not stall the loop; the next queued item proceeds.
func (c *Coordinator) drain(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || ctx.Err() != nil {
			c.draining = false
			c.mu.Unlock()
			return
		}
		id := c.queue[0]
		c.queue = c.queue[1:]
		delete(c.queued, id)
		c.mu.Unlock()

		if err := c.UploadOne(ctx, id); err != nil {
			c.logger.Warn("segment upload failed", "segment_id", id, "error", err)
		}
	}
}

// UploadOne performs the full upload protocol for one segment: mark
// syncing, obtain a credential, transfer the payload, mark synced (or
// failed). The returned error category distinguishes auth expiry from other
// credential failures and from transfer failures.
func (c *Coordinator) UploadOne(ctx context.Context, id int64) error {
	c.mu.Lock()
	if _, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUploadInFlight, id)
	}
	c.inflight[id] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}()

	if err := c.setStatus(id, storage.StatusSyncing, nil); err != nil {
		return err
	}

	seg, err := c.store.GetSegment(id)
	if err != nil {
		// Roll the syncing mark back so the segment stays visible to
		// Rebuild and RetryAllFailed, which only scan pending and failed.
		c.setStatus(id, storage.StatusFailed, err)
		return fmt.Errorf("loading segment %d: %w", id, err)
	}

	cred, err := c.creds.UploadCredential(ctx)
	if err != nil {
		c.setStatus(id, storage.StatusFailed, err)
		return err
	}

	key := cred.Key
	if key == "" {
		key = seg.RemoteObjectKey()
	}

	if err := c.transfer.Put(ctx, cred.URL, seg.Payload, seg.ContentType); err != nil {
		c.setStatus(id, storage.StatusFailed, err)
		return err
	}

	if err := c.store.SetRemoteKey(id, key, cred.TaskID); err != nil {
		c.setStatus(id, storage.StatusFailed, err)
		return fmt.Errorf("recording remote key for segment %d: %w", id, err)
	}
	if err := c.setStatus(id, storage.StatusSynced, nil); err != nil {
		return err
	}

	if c.tasks != nil && cred.TaskID != "" {
		c.tasks.TaskStarted(cred.TaskID, id)
	}
	c.logger.Info("segment uploaded", "segment_id", id, "remote_key", key)
	return nil
}

// RetryOne re-runs the upload protocol for one segment, bypassing the
// queue. Used for manual retry from the UI.
func (c *Coordinator) RetryOne(ctx context.Context, id int64) error {
	return c.UploadOne(ctx, id)
}

// RetryAllFailed snapshots every failed or pending segment and uploads each
// sequentially. It returns how many remain unsynced after the pass.
func (c *Coordinator) RetryAllFailed(ctx context.Context) (remaining int, err error) {
	segs, err := c.store.ListByStatus(storage.StatusFailed, storage.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("listing failed segments: %w", err)
	}
	for i, seg := range segs {
		if ctx.Err() != nil {
			// Everything not yet attempted, this entry included, is still
			// unsynced.
			return remaining + len(segs) - i, ctx.Err()
		}
		if uploadErr := c.UploadOne(ctx, seg.ID); uploadErr != nil {
			remaining++
		}
	}
	return remaining, nil
}

// HasFailedUploads reports whether any segment still needs uploading.
func (c *Coordinator) HasFailedUploads() (bool, error) {
	segs, err := c.store.ListByStatus(storage.StatusFailed, storage.StatusPending)
	if err != nil {
		return false, err
	}
	return len(segs) > 0, nil
}

// Subscribe returns a stream of sync-status change events and a cancel
// function. Events are dropped, not queued, for slow subscribers.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		delete(c.subs, ch)
		c.subMu.Unlock()
	}
	return ch, cancel
}

// setStatus writes the status to the store (the single source of truth) and
// then publishes the change. A failed write is returned, never swallowed: a
// lost status update would strand the segment.
func (c *Coordinator) setStatus(id int64, status storage.SyncStatus, cause error) error {
	if err := c.store.UpdateSyncStatus(id, status); err != nil {
		return fmt.Errorf("marking segment %d %s: %w", id, status, err)
	}
	ev := Event{SegmentID: id, Status: status, Err: cause}
	c.subMu.Lock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	c.subMu.Unlock()
	return nil
}
