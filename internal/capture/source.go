package capture

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when the capture device cannot be
// acquired (missing hardware, denied permission, capture tool not
// installed). It is fatal to Start and never retried automatically; the
// caller decides when to ask again.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Source acquires a live audio input. Implementations wrap a platform
// capture primitive.
type Source interface {
	// Open acquires the device and starts the stream. The stream stays open
	// for the whole session; segment rotation never re-acquires it.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open audio input delivering raw PCM frames.
type Stream interface {
	// Frames returns the channel of captured frames. It is closed when the
	// stream ends, either via Close or a capture error; after it closes,
	// Err reports what happened.
	Frames() <-chan []byte

	// ContentType is the MIME tag for payloads assembled from this stream.
	ContentType() string

	// Err returns the capture error that ended the stream, or nil after a
	// clean Close.
	Err() error

	// Close releases the device. Safe to call more than once.
	Close() error
}
