package feedsync

import "sync"

// PageTicket is captured when a page request is issued and presented again
// when its result is applied.
type PageTicket struct {
	epoch    uint64
	seq      uint64
	pushMark uint64
}

func (t PageTicket) Epoch() uint64 {
	return t.epoch
}

// Reconciler owns the ordered feed and the unread counter. Push items go to
// the head, older pages go to the tail and a first page replaces the
// baseline; items are never re-sorted by CreatedAt.
type Reconciler struct {
	recorder Recorder
	notify   func()

	mu          sync.Mutex
	feed        []Item
	members     map[int64]struct{}
	unread      int
	initialized bool
	epoch       uint64
	seq         uint64
	pushSeq     uint64
	pushUnread  uint64
	readAllSeq  uint64
}

func NewReconciler(recorder Recorder, notify func()) *Reconciler {
	if notify == nil {
		notify = func() {}
	}
	return &Reconciler{
		recorder: recorderOrNoop(recorder),
		notify:   notify,
		feed:     []Item{},
		members:  map[int64]struct{}{},
	}
}

func (r *Reconciler) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

func (r *Reconciler) BeginPage() PageTicket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return PageTicket{epoch: r.epoch, seq: r.seq, pushMark: r.pushSeq}
}

// ApplyPage merges a pull page. A first page replaces the feed except for
// items pushed after the ticket was issued, which keep their place at the
// head. It returns the number of page items that entered the feed.
func (r *Reconciler) ApplyPage(ticket PageTicket, items []Item, first bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticket.epoch != r.epoch {
		r.recorder.StaleDiscarded("page")
		return 0, ErrStaleResponse
	}
	forceRead := r.readAllSeq > ticket.seq

	if first {
		keep := int(r.pushSeq - ticket.pushMark)
		if keep > len(r.feed) {
			keep = len(r.feed)
		}
		next := make([]Item, 0, keep+len(items))
		next = append(next, r.feed[:keep]...)
		r.feed = next
		r.members = make(map[int64]struct{}, keep+len(items))
		for _, item := range r.feed {
			r.members[item.ID] = struct{}{}
		}
	}

	added := 0
	for _, item := range items {
		if item.ID == 0 {
			continue
		}
		if _, dup := r.members[item.ID]; dup {
			continue
		}
		if forceRead {
			item.Read = true
		}
		r.members[item.ID] = struct{}{}
		r.feed = append(r.feed, item)
		added++
	}

	if first {
		if unreadInFeed := r.countUnreadLocked(); unreadInFeed > r.unread {
			r.unread = unreadInFeed
		}
		r.initialized = true
	}
	r.notify()
	return added, nil
}

// ApplyPush prepends a pushed item. It reports false when the id is already
// in the feed.
func (r *Reconciler) ApplyPush(epoch uint64, item Item) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		r.recorder.StaleDiscarded("push")
		return false, ErrStaleResponse
	}
	if _, dup := r.members[item.ID]; dup {
		return false, nil
	}
	r.members[item.ID] = struct{}{}
	r.feed = append(r.feed, Item{})
	copy(r.feed[1:], r.feed)
	r.feed[0] = item
	r.pushSeq++
	if !item.Read {
		r.unread++
		r.pushUnread++
	}
	r.notify()
	return true, nil
}

// ResyncCounter overwrites the unread counter with the server's value.
func (r *Reconciler) ResyncCounter(epoch uint64, serverUnread int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		r.recorder.StaleDiscarded("counter")
		return ErrStaleResponse
	}
	if serverUnread < 0 {
		serverUnread = 0
	}
	r.unread = serverUnread
	r.notify()
	return nil
}

// MarkDegraded records a failed first load: the feed counts as initialized
// and optionally shows a placeholder so the consumer is never stuck loading.
func (r *Reconciler) MarkDegraded(epoch uint64, placeholder *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		r.recorder.StaleDiscarded("page")
		return ErrStaleResponse
	}
	if placeholder != nil && len(r.feed) == 0 {
		r.feed = append(r.feed, *placeholder)
		r.members[placeholder.ID] = struct{}{}
	}
	r.initialized = true
	r.notify()
	return nil
}

func (r *Reconciler) Items() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneItems(r.feed)
}

func (r *Reconciler) Unread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

func (r *Reconciler) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

func (r *Reconciler) view() ([]Item, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneItems(r.feed), r.unread, r.initialized
}

// advance invalidates every outstanding async result without touching the
// feed.
func (r *Reconciler) advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
}

func (r *Reconciler) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.feed = []Item{}
	r.members = map[int64]struct{}{}
	r.unread = 0
	r.initialized = false
	r.readAllSeq = 0
	r.notify()
}

func (r *Reconciler) restore(items []Item, unread int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feed = make([]Item, 0, len(items))
	r.members = make(map[int64]struct{}, len(items))
	for _, item := range items {
		if _, dup := r.members[item.ID]; dup {
			continue
		}
		r.members[item.ID] = struct{}{}
		r.feed = append(r.feed, item)
	}
	if unread < 0 {
		unread = 0
	}
	r.unread = unread
	r.initialized = true
	r.notify()
}

type mutationSnapshot struct {
	epoch      uint64
	unread     int
	pushUnread uint64
	readAllSeq uint64
	read       map[int64]bool
}

func (r *Reconciler) snapshotLocked() mutationSnapshot {
	snap := mutationSnapshot{
		epoch:      r.epoch,
		unread:     r.unread,
		pushUnread: r.pushUnread,
		readAllSeq: r.readAllSeq,
		read:       make(map[int64]bool, len(r.feed)),
	}
	for _, item := range r.feed {
		snap.read[item.ID] = item.Read
	}
	return snap
}

func (r *Reconciler) beginMarkOne(id int64) (mutationSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshotLocked()
	for i := range r.feed {
		if r.feed[i].ID != id {
			continue
		}
		if !r.feed[i].Read {
			r.feed[i].Read = true
			if r.unread > 0 {
				r.unread--
			}
		}
		r.notify()
		return snap, true
	}
	return snap, false
}

func (r *Reconciler) beginMarkAll() mutationSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshotLocked()
	for i := range r.feed {
		r.feed[i].Read = true
	}
	r.unread = 0
	r.seq++
	r.readAllSeq = r.seq
	r.notify()
	return snap
}

// rollback restores the read flags and counter captured in snap. Items that
// entered the feed after the snapshot are kept, and unread pushes received
// since then still count.
func (r *Reconciler) rollback(snap mutationSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.epoch != r.epoch {
		r.recorder.StaleDiscarded("rollback")
		return ErrStaleResponse
	}
	for i := range r.feed {
		if was, ok := snap.read[r.feed[i].ID]; ok {
			r.feed[i].Read = was
		}
	}
	r.unread = snap.unread + int(r.pushUnread-snap.pushUnread)
	if r.unread < 0 {
		r.unread = 0
	}
	r.readAllSeq = snap.readAllSeq
	r.notify()
	return nil
}

func (r *Reconciler) countUnreadLocked() int {
	n := 0
	for _, item := range r.feed {
		if !item.Read {
			n++
		}
	}
	return n
}
