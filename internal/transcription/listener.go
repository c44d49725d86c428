package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/net/websocket"
)

// notification is the wire format of one transcription update.
type notification struct {
	TaskID        string `json:"taskId"`
	Transcription string `json:"transcription"`
}

// Listener maintains a WebSocket subscription to the notification channel
// and feeds each message to the bridge. Connection failures degrade the
// feature rather than propagating anywhere near the upload path.
type Listener struct {
	URL       string
	Origin    string
	Bridge    *Bridge
	Reconnect time.Duration
	logger    *slog.Logger
}

func NewListener(url, origin string, bridge *Bridge) *Listener {
	return &Listener{
		URL:       url,
		Origin:    origin,
		Bridge:    bridge,
		Reconnect: 30 * time.Second,
		logger:    slog.Default(),
	}
}

// Run connects and reads notifications until ctx is cancelled, reconnecting
// after a pause when the connection drops. It never returns an error: an
// unreachable channel just means no transcriptions are shown.
func (l *Listener) Run(ctx context.Context) {
	if l.URL == "" {
		return
	}
	for {
		if err := l.listenOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("notification channel unavailable", "url", l.URL, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.Reconnect):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	origin := l.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	conn, err := websocket.Dial(l.URL, "", origin)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read loop on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var n notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			l.logger.Debug("discarding malformed notification", "error", err)
			continue
		}
		l.Bridge.Deliver(n.TaskID, n.Transcription)
	}
}
