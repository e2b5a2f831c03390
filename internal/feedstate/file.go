package feedstate

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

// FileStore keeps every user's snapshot in one JSON document, rewritten
// atomically on each save.
type FileStore struct {
	Path string

	mu sync.Mutex
}

type fileDocument struct {
	States map[string]*feedsync.SavedState `json:"states"`
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path)}
}

func (s *FileStore) Load(key string) (*feedsync.SavedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.States[key], nil
}

func (s *FileStore) Save(key string, state *feedsync.SavedState) error {
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.States[key] = state
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Path, data)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readLocked() (*fileDocument, error) {
	doc := &fileDocument{States: map[string]*feedsync.SavedState{}}
	if s.Path == "" {
		return nil, ErrInvalidDSN
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if doc.States == nil {
		doc.States = map[string]*feedsync.SavedState{}
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
