package wire

import (
	"sync"
	"time"
)

// Ledger tracks sent frames until their acknowledgement arrives. Entries are
// kept in stamp order so that replay after a reconnect preserves the original
// send order. Stamps start at 1; 0 is never issued.
type Ledger struct {
	mu      sync.Mutex
	next    uint64
	order   []uint64
	entries map[uint64]ledgerEntry
}

type ledgerEntry struct {
	sentAt time.Time
	raw    []byte
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[uint64]ledgerEntry)}
}

// NextStamp issues a fresh monotonic stamp.
func (l *Ledger) NextStamp() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	return l.next
}

// Track records a sent frame awaiting acknowledgement.
func (l *Ledger) Track(stamp uint64, raw []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.entries[stamp]; dup {
		return
	}
	l.entries[stamp] = ledgerEntry{sentAt: time.Now(), raw: raw}
	l.order = append(l.order, stamp)
}

// Ack removes the entry for stamp. It reports whether the stamp was pending
// and, if so, how long the acknowledgement took.
func (l *Ledger) Ack(stamp uint64) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[stamp]
	if !ok {
		return 0, false
	}
	delete(l.entries, stamp)
	for i, s := range l.order {
		if s == stamp {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return time.Since(e.sentAt), true
}

// Pending returns the number of unacknowledged frames.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Replay returns the raw frames still awaiting acknowledgement, oldest stamp
// first. The caller writes them verbatim on a fresh connection.
func (l *Ledger) Replay() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, 0, len(l.order))
	for _, s := range l.order {
		out = append(out, l.entries[s].raw)
	}
	return out
}
