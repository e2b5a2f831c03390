package feedsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUnavailable = errors.New("service unavailable")

type fakeAPI struct {
	mu            sync.Mutex
	pages         map[string]Page
	listErr       error
	listGate      chan struct{}
	listCalls     []string
	unread        int
	unreadErr     error
	markErr       error
	markUnread    int
	markAllUnread int
	marked        [][]int64
	markAllCalls  int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: map[string]Page{}}
}

func (f *fakeAPI) ListNotifications(ctx context.Context, size int, cursor string) (Page, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, cursor)
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return Page{}, f.listErr
	}
	page, ok := f.pages[cursor]
	if !ok {
		return Page{Items: []Item{}}, nil
	}
	return Page{Items: cloneItems(page.Items), NextCursor: page.NextCursor}, nil
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, f.unreadErr
}

func (f *fakeAPI) MarkRead(ctx context.Context, ids []int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, append([]int64(nil), ids...))
	if f.markErr != nil {
		return 0, f.markErr
	}
	return f.markUnread, nil
}

func (f *fakeAPI) MarkAllRead(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllCalls++
	if f.markErr != nil {
		return 0, f.markErr
	}
	return f.markAllUnread, nil
}

func (f *fakeAPI) setPage(cursor string, next string, items ...Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := Page{Items: items}
	if next != "" {
		page.NextCursor = &next
	}
	f.pages[cursor] = page
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls)
}

type fakeSubscriber struct {
	mu     sync.Mutex
	subs   []*fakeSubscription
	topics []string
	tokens []string
	err    error
	// failures makes that many Subscribe calls fail with errUnavailable.
	failures int
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, topic, token string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.failures > 0 {
		s.failures--
		return nil, errUnavailable
	}
	sub := &fakeSubscription{messages: make(chan []byte, 64), closed: make(chan struct{})}
	s.subs = append(s.subs, sub)
	s.topics = append(s.topics, topic)
	s.tokens = append(s.tokens, token)
	return sub, nil
}

func (s *fakeSubscriber) latest() *fakeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	return s.subs[len(s.subs)-1]
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type fakeSubscription struct {
	messages chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (s *fakeSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSubscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSubscription) send(raw string) {
	s.messages <- []byte(raw)
}

// end simulates the transport giving up on the subscription.
func (s *fakeSubscription) end() {
	close(s.messages)
}

type countingRecorder struct {
	noopRecorder
	mu        sync.Mutex
	delivered int
	dropped   map[string]int
	parse     int
	rollbacks int
	stale     int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{dropped: map[string]int{}}
}

func (r *countingRecorder) PushDelivered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered++
}

func (r *countingRecorder) PushDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *countingRecorder) ParseFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parse++
}

func (r *countingRecorder) MutationRolledBack(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks++
}

func (r *countingRecorder) StaleDiscarded(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale++
}

func (r *countingRecorder) droppedFor(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped[reason]
}

func staticToken(token string) TokenProvider {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

func unreadItem(id int64) Item {
	return Item{ID: id, Title: "notification", CreatedAt: time.Unix(1700000000+id, 0).UTC()}
}

func itemIDs(items []Item) []int64 {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func equalIDs(got []int64, want ...int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
