// Package file implements the key-value medium as one JSON document per key
// under a root directory. Writes are atomic (temp file + rename) and change
// notification rides on filesystem events, which is what lets sibling
// processes observe each other's writes.
package file

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cartcore/pkg/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const valueSuffix = ".json"

// Store is a file-backed medium rooted at a single directory.
type Store struct {
	root     string
	origin   string
	maxBytes int64

	mu      sync.Mutex
	watched map[string]struct{} // keys with active watches, for test introspection
}

var (
	_ domain.KeyValueStore = (*Store)(nil)
	_ domain.Watchable     = (*Store)(nil)
	_ domain.Origin        = (*Store)(nil)
)

// New opens (and creates if needed) a file store at root. It probes the
// directory for writability so the factory can fall back to memory when the
// medium is unavailable. maxBytes <= 0 means unbounded.
func New(root string, maxBytes int64) (*Store, error) {
	if root == "" {
		root = "./cartdata"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	probe := filepath.Join(root, ".cartcore-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("storage root not writable: %w", err)
	}
	_ = os.Remove(probe)
	return &Store{
		root:     root,
		origin:   uuid.NewString(),
		maxBytes: maxBytes,
		watched:  make(map[string]struct{}),
	}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, url.PathEscape(key)+valueSuffix)
}

// Get reads the value stored under key.
func (s *Store) Get(key string) (string, bool, error) {
	raw, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(raw), true, nil
}

// Set writes a value atomically, enforcing the byte budget across all keys.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxBytes > 0 {
		used, err := s.usedBytesExcept(key)
		if err != nil {
			return err
		}
		attempted := used + int64(len(value))
		if attempted > s.maxBytes {
			return domain.QuotaError{Key: key, Attempted: attempted, Limit: s.maxBytes}
		}
	}
	tmp, err := os.CreateTemp(s.root, "."+url.PathEscape(key)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return classifyWriteErr(key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return classifyWriteErr(key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Remove deletes a key; removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys lists every stored key, decoded from its file name.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, valueSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, valueSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Persistent reports true: files survive a restart.
func (s *Store) Persistent() bool { return true }

// Driver identifies the backend.
func (s *Store) Driver() string { return "file" }

// Close releases the handle.
func (s *Store) Close() error { return nil }

// OriginID returns the handle identity. Filesystem events carry no origin,
// so events emitted by Watch leave Origin empty and subscribers fall back to
// raw-value comparison.
func (s *Store) OriginID() string { return s.origin }

// Watch emits a change event whenever the file backing key is written or
// removed, regardless of which process performed the mutation.
func (s *Store) Watch(ctx context.Context, key string, fn func(domain.ChangeEvent)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}
	if err := watcher.Add(s.root); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}
	target := s.path(key)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
		})
	}

	s.mu.Lock()
	s.watched[key] = struct{}{}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				stop()
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(target) {
					continue
				}
				switch {
				case ev.Op.Has(fsnotify.Remove):
					fn(domain.ChangeEvent{Key: key, Removed: true})
				case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename):
					value, exists, err := s.Get(key)
					if err != nil || !exists {
						continue
					}
					fn(domain.ChangeEvent{Key: key, Value: value})
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// Watcher errors are not fatal for the store; the next
				// explicit load re-reads authoritative state.
			}
		}
	}()
	return stop, nil
}

func (s *Store) usedBytesExcept(key string) (int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("measure usage: %w", err)
	}
	skip := url.PathEscape(key) + valueSuffix
	var total int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, valueSuffix) || name == skip {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// classifyWriteErr maps a full filesystem onto the capacity signal so the
// facade's eviction path also covers real ENOSPC, not just the byte budget.
func classifyWriteErr(key string, err error) error {
	if strings.Contains(err.Error(), "no space left") {
		return domain.QuotaError{Key: key}
	}
	return fmt.Errorf("write %s: %w", key, err)
}
