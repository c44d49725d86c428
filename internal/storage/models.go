package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the storage engine cannot be opened or a
// read/write fails at the engine level. Callers must surface it; a lost
// sync-status update means a segment could be retried forever or never.
var ErrUnavailable = errors.New("storage unavailable")

// ErrConflict is returned for transitions the segment lifecycle forbids,
// such as moving a synced segment back to pending or deleting a segment
// while an upload is in flight.
var ErrConflict = errors.New("conflicting segment state")

// SyncStatus is the upload lifecycle stage of a segment, independent of its
// recording lifecycle.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is one of the closed set of statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s. Only
// synced is terminal; failed segments can be retried back to syncing.
func (s SyncStatus) Terminal() bool {
	return s == StatusSynced
}

// Segment is one fixed-duration (or user-stopped) block of recorded audio.
// ID is assigned by the store at persistence time, never at capture time.
type Segment struct {
	ID              int64
	SequenceNumber  int
	Payload         []byte
	ContentType     string
	CapturedAt      time.Time
	DurationSeconds float64
	SyncStatus      SyncStatus
	RemoteKey       string
	TaskID          string
	ClientID        string
	Transcription   string
}

// RemoteObjectKey derives a collision-free object key from the capture
// timestamp and sequence number, used when the credential endpoint does not
// assign one.
func (s Segment) RemoteObjectKey() string {
	return fmt.Sprintf("audio-%s-%04d.webm", s.CapturedAt.UTC().Format("20060102-150405"), s.SequenceNumber)
}
