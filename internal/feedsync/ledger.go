package feedsync

import "sync"

const DefaultLedgerCapacity = 1000

// Ledger is a bounded, insertion-ordered set of notification ids that have
// been admitted into the local view. It only bounds bookkeeping; the feed
// itself is never evicted.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	order    []int64
	seen     map[int64]struct{}
}

func NewLedger(capacity int) *Ledger {
	if capacity < 2 {
		capacity = DefaultLedgerCapacity
	}
	return &Ledger{
		capacity: capacity,
		order:    make([]int64, 0, capacity),
		seen:     make(map[int64]struct{}, capacity),
	}
}

func (l *Ledger) Has(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

func (l *Ledger) Add(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(id)
}

// Admit adds id and reports whether it was not already present.
func (l *Ledger) Admit(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addLocked(id)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) Capacity() int {
	return l.capacity
}

// IDs returns the tracked ids, oldest insertion first.
func (l *Ledger) IDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, len(l.order))
	copy(out, l.order)
	return out
}

func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = make([]int64, 0, l.capacity)
	l.seen = make(map[int64]struct{}, l.capacity)
}

func (l *Ledger) addLocked(id int64) bool {
	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)
	if len(l.order) > l.capacity {
		l.compactLocked()
	}
	return true
}

// compactLocked drops the oldest entries in one batch so that only the
// newest capacity/2 ids remain.
func (l *Ledger) compactLocked() {
	drop := len(l.order) - l.capacity/2
	if drop <= 0 {
		return
	}
	for _, id := range l.order[:drop] {
		delete(l.seen, id)
	}
	kept := make([]int64, len(l.order)-drop, l.capacity)
	copy(kept, l.order[drop:])
	l.order = kept
}
