package feedstate

import (
	"encoding/json"
	"sync"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

type MemoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string][]byte{}}
}

// Load returns a copy; callers may mutate it freely.
func (s *MemoryStore) Load(key string) (*feedsync.SavedState, error) {
	s.mu.Lock()
	data, ok := s.states[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var state feedsync.SavedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *MemoryStore) Save(key string, state *feedsync.SavedState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = data
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
