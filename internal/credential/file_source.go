package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSource reads the token from a file and, once Watch is running, picks
// up rewrites of that file without a restart.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	token  string
	loaded bool
}

func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileSource{path: filepath.Clean(strings.TrimSpace(path)), logger: logger}
}

func (f *FileSource) Token(context.Context) (string, error) {
	f.mu.RLock()
	token, loaded := f.token, f.loaded
	f.mu.RUnlock()
	if loaded {
		return token, nil
	}
	return f.reload()
}

// Watch blocks until ctx is done, reloading the token whenever the file is
// written, created or replaced.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so atomic replace-by-rename is observed.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	if _, err := f.reload(); err != nil {
		f.logger.Warn("initial token read failed", slog.String("path", f.path), slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, err := f.reload(); err != nil {
				f.logger.Warn("token reload failed", slog.String("path", f.path), slog.String("error", err.Error()))
				continue
			}
			f.logger.Info("token file reloaded", slog.String("path", f.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("token watcher error", slog.String("error", err.Error()))
		}
	}
}

func (f *FileSource) reload() (string, error) {
	data, err := os.ReadFile(f.path)
	token := ""
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", fmt.Errorf("read token file: %w", err)
	default:
		token = strings.TrimSpace(string(data))
	}
	f.mu.Lock()
	f.token, f.loaded = token, true
	f.mu.Unlock()
	return token, nil
}
