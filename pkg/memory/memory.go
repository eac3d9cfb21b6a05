// Package memory keeps the most recent chat turns in a bounded ring.
package memory

import (
	"sync"

	"github.com/emirpasic/gods/v2/queues/circularbuffer"
)

// DefaultCapacity is the number of turns kept before the oldest is evicted.
const DefaultCapacity = 1000

// Entry is one remembered turn.
type Entry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Ring is a fixed-capacity history safe for concurrent use.
type Ring struct {
	mu  sync.Mutex
	buf *circularbuffer.Queue[Entry]
}

// New returns an empty ring holding at most capacity entries.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: circularbuffer.New[Entry](capacity)}
}

// Append stores e, evicting the oldest entry when the ring is full.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Enqueue(e)
}

// Recent returns up to n entries, oldest first.
func (r *Ring) Recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := r.buf.Values()
	if n >= 0 && len(values) > n {
		values = values[len(values)-n:]
	}
	out := make([]Entry, len(values))
	copy(out, values)
	return out
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Size()
}
