// Package memory implements the key-value medium as an in-process map.
// A single Medium can hand out several handles; each handle models one
// execution context (tab), and writes through one handle are broadcast to
// watchers registered on the others. Events reach each watcher in write
// order but on a dispatch goroutine of its own, never on the writer's call
// stack, so a watcher is free to take locks the writer holds. The same
// implementation backs the transparent fallback used when a persistent
// medium is unavailable.
package memory

import (
	"context"
	"sort"
	"sync"

	"cartcore/pkg/domain"

	"github.com/google/uuid"
)

// Medium is the shared map plus its subscriber registry.
type Medium struct {
	mu       sync.RWMutex
	values   map[string]string
	maxBytes int64
	subs     map[int]*subscription
	nextSub  int
}

// subscription owns a FIFO of undelivered events. Enqueueing is cheap and
// happens under the medium lock so events line up in write order; a drain
// goroutine empties the queue without holding any lock across the callback.
type subscription struct {
	key string
	fn  func(domain.ChangeEvent)

	mu       sync.Mutex
	queue    []domain.ChangeEvent
	draining bool
	stopped  bool
}

func (s *subscription) enqueue(ev domain.ChangeEvent) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	go s.drain()
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		if s.stopped || len(s.queue) == 0 {
			s.queue = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.fn(ev)
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
}

// NewMedium creates an empty medium. maxBytes <= 0 means unbounded.
func NewMedium(maxBytes int64) *Medium {
	return &Medium{
		values:   make(map[string]string),
		maxBytes: maxBytes,
		subs:     make(map[int]*subscription),
	}
}

// Open returns a new handle on the medium with its own origin identity.
func (m *Medium) Open() *Store {
	return &Store{medium: m, origin: uuid.NewString()}
}

func (m *Medium) set(key, value, origin string) error {
	m.mu.Lock()
	if m.maxBytes > 0 {
		attempted := int64(len(key) + len(value))
		for k, v := range m.values {
			if k == key {
				continue
			}
			attempted += int64(len(k) + len(v))
		}
		if attempted > m.maxBytes {
			m.mu.Unlock()
			return domain.QuotaError{Key: key, Attempted: attempted, Limit: m.maxBytes}
		}
	}
	m.values[key] = value
	m.publish(domain.ChangeEvent{Key: key, Value: value, Origin: origin})
	m.mu.Unlock()
	return nil
}

func (m *Medium) remove(key, origin string) {
	m.mu.Lock()
	_, existed := m.values[key]
	delete(m.values, key)
	if existed {
		m.publish(domain.ChangeEvent{Key: key, Removed: true, Origin: origin})
	}
	m.mu.Unlock()
}

// publish is called with the lock held; enqueueing under the lock fixes the
// per-watcher event order to the write order.
func (m *Medium) publish(ev domain.ChangeEvent) {
	for _, sub := range m.subs {
		if sub.key == ev.Key {
			sub.enqueue(ev)
		}
	}
}

func (m *Medium) subscribe(key string, fn func(domain.ChangeEvent)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &subscription{key: key, fn: fn}
	m.subs[id] = sub
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.stop()
	}
}

// Store is one handle on a Medium.
type Store struct {
	medium *Medium
	origin string
}

var (
	_ domain.KeyValueStore = (*Store)(nil)
	_ domain.Watchable     = (*Store)(nil)
	_ domain.Origin        = (*Store)(nil)
)

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool, error) {
	s.medium.mu.RLock()
	defer s.medium.mu.RUnlock()
	v, ok := s.medium.values[key]
	return v, ok, nil
}

// Set writes a value, enforcing the medium's byte budget.
func (s *Store) Set(key, value string) error {
	return s.medium.set(key, value, s.origin)
}

// Remove deletes a key; removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	s.medium.remove(key, s.origin)
	return nil
}

// Keys returns all stored keys, sorted.
func (s *Store) Keys() ([]string, error) {
	s.medium.mu.RLock()
	defer s.medium.mu.RUnlock()
	keys := make([]string, 0, len(s.medium.values))
	for k := range s.medium.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Persistent is always false: memory does not survive a reload.
func (s *Store) Persistent() bool { return false }

// Driver identifies the backend.
func (s *Store) Driver() string { return "memory" }

// Close releases the handle. The medium itself stays usable.
func (s *Store) Close() error { return nil }

// OriginID returns the handle identity stamped on this handle's writes.
func (s *Store) OriginID() string { return s.origin }

// Watch delivers change events for key, including this handle's own writes;
// subscribers filter on Origin. Events arrive in write order on a dispatch
// goroutine, never on the writing goroutine. After the stop function
// returns no further events are delivered, except a callback already
// dequeued when it was called.
func (s *Store) Watch(ctx context.Context, key string, fn func(domain.ChangeEvent)) (func(), error) {
	stop := s.medium.subscribe(key, fn)
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			stop()
		}()
	}
	return stop, nil
}
