// Package oplog keeps a bounded in-memory ring of operator-visible events.
// The query facade exposes it so a coach can scroll recent controller
// activity without shelling into the host.
package oplog

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when no explicit capacity is given.
const DefaultCapacity = 1000

// Entry is one operator log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
}

// Ring is a fixed-capacity, concurrency-safe ring buffer of entries.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// New returns a ring with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Append records an entry, evicting the oldest once the ring is full.
func (r *Ring) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Info appends an info-level entry.
func (r *Ring) Info(source, nodeID, message string) {
	r.Append(Entry{Level: "info", Source: source, NodeID: nodeID, Message: message})
}

// Warn appends a warn-level entry.
func (r *Ring) Warn(source, nodeID, message string) {
	r.Append(Entry{Level: "warn", Source: source, NodeID: nodeID, Message: message})
}

// Error appends an error-level entry.
func (r *Ring) Error(source, nodeID, message string) {
	r.Append(Entry{Level: "error", Source: source, NodeID: nodeID, Message: message})
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// Len reports how many entries the ring currently holds.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}
