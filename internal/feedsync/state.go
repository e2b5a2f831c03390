package feedsync

import (
	"strings"
	"time"
)

// SavedState is the warm-start snapshot of one user's feed.
type SavedState struct {
	UserID      string    `json:"userId"`
	Initialized bool      `json:"initialized"`
	Items       []Item    `json:"items"`
	Unread      int       `json:"unread"`
	Cursor      string    `json:"cursor,omitempty"`
	HasMore     bool      `json:"hasMore"`
	SeenIDs     []int64   `json:"seenIds,omitempty"`
	SavedAt     time.Time `json:"savedAt"`
}

type StateStore interface {
	Load(key string) (*SavedState, error)
	Save(key string, state *SavedState) error
}

func stateKey(userID string) string {
	return strings.TrimSpace(userID)
}
