package wirebus

import "sync"

// inbox buffers received objects until the embedder retrieves them. A
// blocking retrieval waits for at least one item (or for the inbox to
// close); a non-blocking one returns whatever is there, possibly nothing.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
}

func newInbox() *inbox {
	b := &inbox{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *inbox) push(v any) {
	b.mu.Lock()
	b.items = append(b.items, v)
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *inbox) waitLocked(blocking bool) {
	if !blocking {
		return
	}
	for len(b.items) == 0 && !b.closed {
		b.cond.Wait()
	}
}

// pop removes and returns the oldest min(max, buffered) items.
func (b *inbox) pop(max int, blocking bool) ([]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitLocked(blocking)
	n := min(max, len(b.items))
	out := append([]any(nil), b.items[:n]...)
	b.items = b.items[n:]
	return out, b.closed
}

// last clears the buffer and returns its newest min(max, buffered) items.
func (b *inbox) last(max int, blocking bool) ([]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitLocked(blocking)
	n := min(max, len(b.items))
	out := append([]any(nil), b.items[len(b.items)-n:]...)
	b.items = nil
	return out, b.closed
}

// all clears the buffer and returns everything, in arrival order.
func (b *inbox) all(blocking bool) ([]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitLocked(blocking)
	out := b.items
	b.items = nil
	return out, b.closed
}
