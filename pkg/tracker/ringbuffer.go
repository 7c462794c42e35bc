package tracker

import (
	"sync"

	"github.com/cuemby/warren/pkg/types"
)

// ringBuffer is a fixed-capacity, drop-oldest queue of ChangeEvents held
// while the store is unreachable.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []*types.ChangeEvent
	cap  int
	head int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

// push appends event, dropping the oldest buffered event if full. Returns
// true if an event was dropped.
func (r *ringBuffer) push(event *types.ChangeEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) < r.cap {
		r.buf = append(r.buf, event)
		return false
	}

	r.buf[r.head] = event
	r.head = (r.head + 1) % r.cap
	return true
}

// drain returns buffered events in insertion order and empties the buffer.
func (r *ringBuffer) drain() []*types.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) == 0 {
		return nil
	}

	out := make([]*types.ChangeEvent, 0, len(r.buf))
	if len(r.buf) < r.cap {
		out = append(out, r.buf...)
	} else {
		out = append(out, r.buf[r.head:]...)
		out = append(out, r.buf[:r.head]...)
	}

	r.buf = nil
	r.head = 0
	return out
}
