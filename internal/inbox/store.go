// Package inbox is the in-memory notification store behind the reference
// server: per-user feeds, read state and live fan-out to stream listeners.
package inbox

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidCursor = errors.New("invalid cursor")
)

const (
	DefaultPageSize  = 20
	MaxPageSize      = 100
	listenerBuffer   = 32
	cursorPrefix     = "before:"
	maxTitleLength   = 512
	maxBodyLength    = 8192
	defaultTitleText = "Notification"
)

type PublishRequest struct {
	UserID   string          `json:"userId"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	DeepLink string          `json:"deepLink,omitempty"`
	Actor    *feedsync.Actor `json:"actor,omitempty"`
}

type StoreOptions struct {
	Now func() time.Time
}

type Store struct {
	now func() time.Time

	mu        sync.RWMutex
	nextID    int64
	feeds     map[string][]feedsync.Item
	listeners map[string]map[*Listener]struct{}
}

// Listener receives every notification published to one user after it was
// registered. Slow listeners lose messages instead of blocking publishers.
type Listener struct {
	C       <-chan feedsync.Item
	ch      chan feedsync.Item
	store   *Store
	userID  string
	dropped int
}

func NewStore(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:       now,
		feeds:     map[string][]feedsync.Item{},
		listeners: map[string]map[*Listener]struct{}{},
	}
}

func (s *Store) Publish(req PublishRequest) (feedsync.Item, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return feedsync.Item{}, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitleText
	}
	if len(title) > maxTitleLength || len(req.Body) > maxBodyLength {
		return feedsync.Item{}, fmt.Errorf("%w: title or body too long", ErrInvalidInput)
	}

	s.mu.Lock()
	s.nextID++
	item := feedsync.Item{
		ID:        s.nextID,
		Title:     title,
		Body:      req.Body,
		CreatedAt: s.now().UTC().Truncate(time.Second),
		DeepLink:  strings.TrimSpace(req.DeepLink),
	}
	if req.Actor != nil {
		actor := *req.Actor
		item.Actor = &actor
	}
	feed := s.feeds[userID]
	feed = append(feed, feedsync.Item{})
	copy(feed[1:], feed)
	feed[0] = item
	s.feeds[userID] = feed
	for l := range s.listeners[userID] {
		select {
		case l.ch <- item:
		default:
			l.dropped++
		}
	}
	s.mu.Unlock()
	return item, nil
}

// List returns one page of userID's feed, newest first. The cursor is opaque
// to clients.
func (s *Store) List(userID string, size int, cursor string) (feedsync.Page, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	before, err := decodeCursor(cursor)
	if err != nil {
		return feedsync.Page{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	feed := s.feeds[userID]
	start := 0
	if before > 0 {
		start = len(feed)
		for i, item := range feed {
			if item.ID < before {
				start = i
				break
			}
		}
	}
	end := start + size
	if end > len(feed) {
		end = len(feed)
	}
	page := feedsync.Page{Items: make([]feedsync.Item, 0, end-start)}
	page.Items = append(page.Items, feed[start:end]...)
	if end < len(feed) && len(page.Items) > 0 {
		next := encodeCursor(page.Items[len(page.Items)-1].ID)
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Store) UnreadCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unreadLocked(s.feeds[userID])
}

// MarkRead marks ids read for userID, ignoring ids it does not own, and
// returns the remaining unread count.
func (s *Store) MarkRead(userID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: ids are required", ErrInvalidInput)
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return 0, fmt.Errorf("%w: invalid id %d", ErrInvalidInput, id)
		}
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	feed := s.feeds[userID]
	for i := range feed {
		if _, ok := want[feed[i].ID]; ok {
			feed[i].Read = true
		}
	}
	return unreadLocked(feed), nil
}

func (s *Store) MarkAllRead(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed := s.feeds[userID]
	for i := range feed {
		feed[i].Read = true
	}
	return 0
}

func (s *Store) Listen(userID string) *Listener {
	ch := make(chan feedsync.Item, listenerBuffer)
	l := &Listener{C: ch, ch: ch, store: s, userID: userID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[userID] == nil {
		s.listeners[userID] = map[*Listener]struct{}{}
	}
	s.listeners[userID][l] = struct{}{}
	return l
}

// Close unregisters the listener. It is safe to call more than once.
func (l *Listener) Close() {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.listeners[l.userID]
	if _, ok := set[l]; !ok {
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(s.listeners, l.userID)
	}
	close(l.ch)
}

func (l *Listener) Dropped() int {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()
	return l.dropped
}

func (s *Store) ListenerCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners[userID])
}

func unreadLocked(feed []feedsync.Item) int {
	n := 0
	for _, item := range feed {
		if !item.Read {
			n++
		}
	}
	return n
}

func encodeCursor(before int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(before, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	value, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	before, err := strconv.ParseInt(value, 10, 64)
	if err != nil || before <= 0 {
		return 0, ErrInvalidCursor
	}
	return before, nil
}
