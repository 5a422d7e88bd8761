// Package tabsync propagates cart writes between execution contexts sharing
// one storage medium. It listens on the canonical cart key only, drops
// self-originated and already-processed values, and fully validates a remote
// record before letting it replace local state — a corrupted sibling must
// never poison a healthy context.
package tabsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cartcore/internal/codec"
	"cartcore/internal/schema"
	"cartcore/pkg/domain"

	"github.com/google/uuid"
)

// Synchronizer bridges storage change events and in-process listeners.
type Synchronizer struct {
	backend  domain.KeyValueStore
	registry *schema.Registry
	id       string
	now      func() time.Time

	mu        sync.Mutex
	lastRaw   string
	listeners map[int]func(domain.CartRecord)
	nextID    int
	stopWatch func()
}

// New constructs a synchronizer over the backend. The backend does not have
// to be watchable; without watch support only the local broadcast path runs,
// which is exactly the single-context case.
func New(backend domain.KeyValueStore, registry *schema.Registry) *Synchronizer {
	id := uuid.NewString()
	if origin, ok := backend.(domain.Origin); ok {
		id = origin.OriginID()
	}
	return &Synchronizer{
		backend:   backend,
		registry:  registry,
		id:        id,
		now:       func() time.Time { return time.Now().UTC() },
		listeners: make(map[int]func(domain.CartRecord)),
	}
}

// WithClock overrides the expiry clock, for deterministic tests.
func (s *Synchronizer) WithClock(now func() time.Time) *Synchronizer {
	if now != nil {
		s.now = now
	}
	return s
}

// Start subscribes to storage change events for the cart key. apply is
// invoked with each accepted remote record before listeners are notified;
// the facade uses it to swap its in-memory state.
func (s *Synchronizer) Start(ctx context.Context, apply func(domain.CartRecord)) error {
	watchable, ok := s.backend.(domain.Watchable)
	if !ok {
		return nil
	}
	stop, err := watchable.Watch(ctx, domain.SchemaCart, func(ev domain.ChangeEvent) {
		s.handle(ev, apply)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stopWatch = stop
	s.mu.Unlock()
	return nil
}

// Stop cancels the storage subscription. Listeners stay registered.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Subscribe registers a cart-change listener and returns its remover.
// Listeners fire for accepted remote updates and for local broadcasts.
func (s *Synchronizer) Subscribe(fn func(domain.CartRecord)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// BroadcastLocal records a locally persisted raw value and notifies
// listeners immediately. The cross-tab event for this value, if the backend
// echoes one, is then recognized as already processed.
func (s *Synchronizer) BroadcastLocal(record domain.CartRecord, raw string) {
	s.mu.Lock()
	s.lastRaw = raw
	fns := s.snapshotListeners()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(record)
	}
}

// handle validates one storage event. Any failure leaves local state alone.
func (s *Synchronizer) handle(ev domain.ChangeEvent, apply func(domain.CartRecord)) {
	if ev.Removed {
		// A sibling deleted the key outright. The facade always persists an
		// empty record instead of removing, so this is either an external
		// actor or a cleared medium; keep the local record authoritative.
		return
	}
	if ev.Origin != "" && ev.Origin == s.id {
		return
	}
	s.mu.Lock()
	if ev.Value == s.lastRaw {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	record, ok := s.decode(ev.Value)
	if !ok {
		return
	}

	s.mu.Lock()
	s.lastRaw = ev.Value
	fns := s.snapshotListeners()
	s.mu.Unlock()

	if apply != nil {
		apply(record)
	}
	for _, fn := range fns {
		fn(record)
	}
}

func (s *Synchronizer) decode(raw string) (domain.CartRecord, bool) {
	env, err := codec.DecodeEnvelope(raw)
	if err != nil || env.SchemaName != domain.SchemaCart {
		return domain.CartRecord{}, false
	}
	canonical, err := codec.UnwrapAt(env, s.now())
	if err != nil {
		return domain.CartRecord{}, false
	}
	report, err := s.registry.Validate(domain.SchemaCart, canonical)
	if err != nil || !report.Valid {
		return domain.CartRecord{}, false
	}
	var record domain.CartRecord
	if err := json.Unmarshal(canonical, &record); err != nil {
		return domain.CartRecord{}, false
	}
	return record, true
}

// snapshotListeners is called with the lock held.
func (s *Synchronizer) snapshotListeners() []func(domain.CartRecord) {
	fns := make([]func(domain.CartRecord), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	return fns
}
