// Package logsink persists operational log records and broadcasts them to
// live subscribers.
package logsink

import (
	"sync"
	"sync/atomic"

	"github.com/kalambet/mediarelay/internal/storage"
)

const defaultBuffer = 100

// Hub fans log entries out to live subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the entry.
type Hub struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[chan storage.LogEntry]struct{}
	dropped atomic.Int64
}

// NewHub creates a Hub whose subscriber channels hold buffer entries.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[chan storage.LogEntry]struct{})}
}

// Subscribe registers a subscriber. Callers must Unsubscribe when done.
func (h *Hub) Subscribe() <-chan storage.LogEntry {
	ch := make(chan storage.LogEntry, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (h *Hub) Unsubscribe(ch <-chan storage.LogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub == ch {
			delete(h.subs, sub)
			close(sub)
			return
		}
	}
}

// Publish sends e to every subscriber without blocking.
func (h *Hub) Publish(e storage.LogEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many entries were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
