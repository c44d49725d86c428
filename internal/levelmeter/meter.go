// Package levelmeter turns raw capture frames into a perceptual loudness
// figure for passive UI display. It only observes the stream; it never
// affects segment boundaries or uploads.
package levelmeter

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// FloorDB is the minimum level reported. Silence (RMS 0) would otherwise
// produce -Inf, which is unusable for display.
const FloorDB = -60.0

// Reading is one loudness sample.
type Reading struct {
	DB float64
	At time.Time
}

// Meter computes an RMS level in decibels from little-endian signed 16-bit
// PCM frames and fans readings out to subscribers.
type Meter struct {
	mu      sync.Mutex
	last    Reading
	subs    map[chan Reading]struct{}
	started bool
}

// New creates a meter reporting the floor until the first frame arrives.
func New() *Meter {
	return &Meter{
		last: Reading{DB: FloorDB, At: time.Now()},
		subs: make(map[chan Reading]struct{}),
	}
}

// Sample processes one frame of s16le samples and publishes the resulting
// level. It is the frame-tap callback the recorder invokes, so it must stay
// cheap. Non-finite results (silence) clamp to FloorDB.
func (m *Meter) Sample(frame []byte) {
	db := LevelDB(frame)
	r := Reading{DB: db, At: time.Now()}

	m.mu.Lock()
	m.last = r
	for ch := range m.subs {
		select {
		case ch <- r:
		default: // slow subscriber, drop rather than stall capture
		}
	}
	m.mu.Unlock()
}

// Last returns the most recent reading.
func (m *Meter) Last() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe returns a channel of readings and a cancel function. Readings
// are dropped, not queued, when the subscriber falls behind.
func (m *Meter) Subscribe() (<-chan Reading, func()) {
	ch := make(chan Reading, 8)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
	return ch, cancel
}

// LevelDB computes 20*log10(rms) over one frame of s16le samples,
// normalized to [0,1], clamped to FloorDB.
func LevelDB(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return FloorDB
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))

	db := 20 * math.Log10(rms)
	if math.IsNaN(db) || math.IsInf(db, -1) || db < FloorDB {
		return FloorDB
	}
	if db > 0 {
		return 0
	}
	return db
}
