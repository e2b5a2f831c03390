// Package feedstate persists feed snapshots between client runs so a
// restarted consumer can show its retained items immediately.
//
// Backends are selected by DSN scheme: memory://, file://path,
// postgres://..., sqlite://path. Additional schemes can be registered.
package feedstate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relayfeed/internal/feedsync"
)

var ErrInvalidDSN = errors.New("invalid state dsn")

// Store is a feedsync.StateStore that owns resources.
type Store interface {
	feedsync.StateStore
	Close() error
}

type Factory func(dsn string) (Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[normalizeScheme(scheme)]
	return factory, ok
}

// Open builds the backend named by dsn. An empty dsn yields a nil Store and
// no error: persistence is optional.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileStore(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidDSN
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", fmt.Errorf("%w: %s has no path", ErrInvalidDSN, raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
