// Package transcription associates server-side asynchronous transcription
// results with the segments that produced them. The whole feature is
// best-effort: when the notification channel is missing or down the app
// simply shows no transcriptions, and the upload path is never blocked.
package transcription

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/voxlog/voxlog/internal/storage"
)

// Store is the slice of the segment store the bridge writes into.
type Store interface {
	SetTranscription(taskID, transcription string) (int64, error)
}

// Result is one delivered transcription, resolved to its segment.
type Result struct {
	TaskID        string
	SegmentID     int64
	Transcription string
}

// Bridge tracks task ids of in-flight transcriptions and writes each
// delivered result back to the segment store exactly once. Repeat
// deliveries for the same task are ignored.
type Bridge struct {
	store  Store
	logger *slog.Logger

	mu        sync.Mutex
	delivered map[string]struct{}

	subMu sync.Mutex
	subs  map[chan Result]struct{}
}

func NewBridge(store Store) *Bridge {
	return &Bridge{
		store:     store,
		logger:    slog.Default(),
		delivered: make(map[string]struct{}),
		subs:      make(map[chan Result]struct{}),
	}
}

// TaskStarted records that an upload produced the given task id. Satisfies
// the uploader's TaskNotifier.
func (b *Bridge) TaskStarted(taskID string, segmentID int64) {
	b.logger.Debug("transcription task registered", "task_id", taskID, "segment_id", segmentID)
}

// Deliver handles one notification from the channel. At most one delivery
// per task id takes effect; later ones are dropped. A result for an unknown
// or deleted segment is logged and discarded.
func (b *Bridge) Deliver(taskID, transcription string) {
	if taskID == "" {
		return
	}

	b.mu.Lock()
	if _, done := b.delivered[taskID]; done {
		b.mu.Unlock()
		return
	}
	b.delivered[taskID] = struct{}{}
	b.mu.Unlock()

	segID, err := b.store.SetTranscription(taskID, transcription)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.logger.Debug("transcription for unknown task", "task_id", taskID)
		} else {
			b.logger.Warn("writing transcription", "task_id", taskID, "error", err)
		}
		return
	}

	res := Result{TaskID: taskID, SegmentID: segID, Transcription: transcription}
	b.subMu.Lock()
	for ch := range b.subs {
		select {
		case ch <- res:
		default:
		}
	}
	b.subMu.Unlock()
}

// Subscribe returns a stream of resolved transcription results and a cancel
// function, for reactive UI updates.
func (b *Bridge) Subscribe() (<-chan Result, func()) {
	ch := make(chan Result, 8)
	b.subMu.Lock()
	b.subs[ch] = struct{}{}
	b.subMu.Unlock()

	cancel := func() {
		b.subMu.Lock()
		delete(b.subs, ch)
		b.subMu.Unlock()
	}
	return ch, cancel
}
