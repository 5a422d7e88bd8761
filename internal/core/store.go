// Package core composes the codec, schema registry, storage backend,
// migration engine, reconciler and cross-tab synchronizer into the cart
// store facade. The facade guarantees exactly one persisted cart record
// exists at any time: corruption, expiry and schema failures are absorbed
// by replacing the record with a fresh empty one, never surfaced as fatal
// errors, while business-rule rejections pass through to the caller
// verbatim.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cartcore/internal/archive"
	"cartcore/internal/codec"
	"cartcore/internal/migrate"
	"cartcore/internal/reconcile"
	"cartcore/internal/schema"
	"cartcore/internal/tabsync"
	"cartcore/pkg/domain"
)

// ErrNotLoaded is returned by mutations invoked before Load.
var ErrNotLoaded = errors.New("cart store not loaded")

// Config carries the facade's collaborators and tuning knobs. Backend and
// Catalog are required; everything else defaults.
type Config struct {
	// Registry validates every payload crossing the storage boundary.
	// Defaults to schema.Default().
	Registry *schema.Registry
	// Catalog supplies the point-in-time product view each operation
	// reconciles against.
	Catalog domain.CatalogProvider
	// Archive receives exported state snapshots. Export/Restore error
	// when unset.
	Archive archive.Store
	// Metrics defaults to a fresh ExpvarMetricsRecorder.
	Metrics MetricsRecorder
	// Reconcile tunes item ceilings (MaxUniqueItems, MaxPerItem).
	Reconcile reconcile.Config
	// Cleanup configures the load-time cleanup pass.
	Cleanup reconcile.CleanupOptions
	// Now overrides the clock, for deterministic tests.
	Now func() time.Time
}

// Store is the public cart store facade.
type Store struct {
	backend  domain.KeyValueStore
	registry *schema.Registry
	catalog  domain.CatalogProvider
	archive  archive.Store
	metrics  MetricsRecorder
	rec      *reconcile.Reconciler
	sync     *tabsync.Synchronizer
	cleanup  reconcile.CleanupOptions
	now      func() time.Time

	mu        sync.Mutex
	record    domain.CartRecord
	loaded    bool
	migration migrate.Report
}

// New constructs a facade over the backend. The synchronizer is created but
// not started; Load starts it once the initial record is settled.
func New(backend domain.KeyValueStore, cfg Config) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog provider required")
	}
	if cfg.Registry == nil {
		cfg.Registry = schema.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewExpvarMetricsRecorder("")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Reconcile.Now == nil {
		cfg.Reconcile.Now = cfg.Now
	}
	return &Store{
		backend:  backend,
		registry: cfg.Registry,
		catalog:  cfg.Catalog,
		archive:  cfg.Archive,
		metrics:  cfg.Metrics,
		rec:      reconcile.New(cfg.Reconcile),
		sync:     tabsync.New(backend, cfg.Registry).WithClock(cfg.Now),
		cleanup:  cfg.Cleanup,
		now:      cfg.Now,
	}, nil
}

// Load settles the initial cart record: it runs the migration engine once
// per facade lifetime, reads and verifies the canonical cart key, applies
// the cleanup pass against a catalog snapshot, and falls back to a fresh
// empty record on any failure in that chain. The cross-tab subscription
// starts once the record is settled and lives until ctx is cancelled or the
// store is closed. Load is idempotent; repeat calls return the current
// record without re-running migration or cleanup.
func (s *Store) Load(ctx context.Context) (domain.CartRecord, []reconcile.Adjustment, error) {
	start := time.Now()
	record, adjustments, err := s.load(ctx)
	s.metrics.Observe(ctx, "load", err == nil, time.Since(start))
	return record, adjustments, err
}

func (s *Store) load(ctx context.Context) (domain.CartRecord, []reconcile.Adjustment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.record.Clone(), nil, nil
	}

	// Migration failures leave legacy keys intact; the canonical read
	// below still proceeds.
	report, _ := migrate.New(s.backend, s.registry).WithClock(s.now).Run()
	s.migration = report

	record, valid := s.readCart()
	dirty := !valid
	if !valid {
		record = domain.NewCartRecord(s.now())
	}

	var adjustments []reconcile.Adjustment
	if valid && !record.IsEmpty() {
		if snap, err := s.catalog.Snapshot(); err == nil {
			record, adjustments = s.rec.Cleanup(record, snap, s.cleanup)
			dirty = dirty || len(adjustments) > 0
		}
	}

	var persistErr error
	if dirty {
		_, persistErr = s.persistCartLocked(record)
	}

	s.record = record
	s.loaded = true
	if err := s.sync.Start(ctx, s.applyRemote); err != nil {
		return record.Clone(), adjustments, err
	}
	return record.Clone(), adjustments, persistErr
}

// readCart returns the verified canonical cart record. Any failure in the
// get → envelope → checksum/expiry → schema chain reports invalid.
func (s *Store) readCart() (domain.CartRecord, bool) {
	raw, ok, err := s.backend.Get(domain.SchemaCart)
	if err != nil || !ok {
		return domain.CartRecord{}, false
	}
	env, err := codec.DecodeEnvelope(raw)
	if err != nil || env.SchemaName != domain.SchemaCart {
		return domain.CartRecord{}, false
	}
	payload, err := codec.UnwrapAt(env, s.now())
	if err != nil {
		return domain.CartRecord{}, false
	}
	vrep, err := s.registry.Validate(domain.SchemaCart, payload)
	if err != nil || !vrep.Valid {
		return domain.CartRecord{}, false
	}
	var record domain.CartRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return domain.CartRecord{}, false
	}
	return record, true
}

// applyRemote installs a record accepted by the synchronizer.
func (s *Store) applyRemote(record domain.CartRecord) {
	s.mu.Lock()
	s.record = record
	s.mu.Unlock()
}

// AddItem accumulates quantity onto the item's identity, creating it when
// absent. Rejections (OutOfStock, StockExceeded, CartFull) come back as
// domain.RejectionError with the record unchanged.
func (s *Store) AddItem(ctx context.Context, productID string, quantity int, variant domain.VariantSelector) (domain.CartRecord, error) {
	return s.mutate(ctx, "add_item", domain.Intent{
		Kind:      domain.IntentAdd,
		ProductID: productID,
		Variant:   variant,
		Quantity:  quantity,
	})
}

// UpdateQuantity replaces the item's quantity outright. A quantity of zero
// or less removes the item.
func (s *Store) UpdateQuantity(ctx context.Context, productID string, quantity int, variant domain.VariantSelector) (domain.CartRecord, error) {
	return s.mutate(ctx, "update_quantity", domain.Intent{
		Kind:      domain.IntentUpdate,
		ProductID: productID,
		Variant:   variant,
		Quantity:  quantity,
	})
}

// RemoveItem drops the item's identity. Removing an absent identity is a
// no-op success.
func (s *Store) RemoveItem(ctx context.Context, productID string, variant domain.VariantSelector) (domain.CartRecord, error) {
	return s.mutate(ctx, "remove_item", domain.Intent{
		Kind:      domain.IntentRemove,
		ProductID: productID,
		Variant:   variant,
	})
}

// Clear replaces the record with an empty one and persists it, independent
// of any confirmation flow.
func (s *Store) Clear(ctx context.Context) (domain.CartRecord, error) {
	start := time.Now()
	record, raw, err := s.replace(domain.NewCartRecord(s.now()))
	s.metrics.Observe(ctx, "clear", err == nil, time.Since(start))
	if err != nil {
		return record, err
	}
	s.sync.BroadcastLocal(record, raw)
	return record, nil
}

func (s *Store) mutate(ctx context.Context, op string, intent domain.Intent) (domain.CartRecord, error) {
	start := time.Now()
	record, raw, err := s.applyIntent(intent)
	s.metrics.Observe(ctx, op, err == nil, time.Since(start))
	if err != nil {
		return record, err
	}
	s.sync.BroadcastLocal(record, raw)
	return record, nil
}

func (s *Store) applyIntent(intent domain.Intent) (domain.CartRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return domain.CartRecord{}, "", ErrNotLoaded
	}
	snap, err := s.catalog.Snapshot()
	if err != nil {
		return s.record.Clone(), "", fmt.Errorf("catalog snapshot: %w", err)
	}
	next, err := s.rec.Apply(intent, s.record, snap)
	if err != nil {
		// Rejections pass through verbatim; no retry, no adjustment.
		return s.record.Clone(), "", err
	}
	raw, err := s.persistCartLocked(next)
	if err != nil {
		return s.record.Clone(), "", err
	}
	s.record = next
	return next.Clone(), raw, nil
}

func (s *Store) replace(next domain.CartRecord) (domain.CartRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return domain.CartRecord{}, "", ErrNotLoaded
	}
	raw, err := s.persistCartLocked(next)
	if err != nil {
		return s.record.Clone(), "", err
	}
	s.record = next
	return next.Clone(), raw, nil
}

// persistCartLocked wraps and writes the record under the canonical cart
// key. A capacity-exceeded write triggers one eviction sweep and exactly one
// retry; a second failure surfaces.
func (s *Store) persistCartLocked(record domain.CartRecord) (string, error) {
	desc, ok := s.registry.Descriptor(domain.SchemaCart)
	if !ok {
		return "", fmt.Errorf("cart schema not registered")
	}
	env, err := codec.WrapAt(record, domain.SchemaCart, desc.Version, desc.MaxAge, s.now())
	if err != nil {
		return "", fmt.Errorf("wrap cart record: %w", err)
	}
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	err = s.backend.Set(domain.SchemaCart, raw)
	if errors.Is(err, domain.ErrCapacityExceeded) && s.evictLocked() {
		err = s.backend.Set(domain.SchemaCart, raw)
	}
	if err != nil {
		return "", fmt.Errorf("persist cart: %w", err)
	}
	return raw, nil
}

// evictLocked reclaims storage for a cart write by dropping other stored
// envelopes: unreadable and expired entries first, then the single oldest
// live write. The cart key itself is never a victim. Reports whether
// anything was removed.
func (s *Store) evictLocked() bool {
	type stored struct {
		key string
		env domain.Envelope
	}
	now := s.now()
	evicted := false
	var kept []stored
	for _, key := range domain.SchemaNames {
		if key == domain.SchemaCart {
			continue
		}
		raw, ok, err := s.backend.Get(key)
		if err != nil || !ok {
			continue
		}
		env, err := codec.DecodeEnvelope(raw)
		if err != nil || env.Expired(now) {
			if s.backend.Remove(key) == nil {
				evicted = true
			}
			continue
		}
		kept = append(kept, stored{key: key, env: env})
	}
	if evicted {
		return true
	}
	victim := ""
	var oldest time.Time
	for _, c := range kept {
		if victim == "" || c.env.WrittenAt.Before(oldest) {
			victim, oldest = c.key, c.env.WrittenAt
		}
	}
	if victim == "" {
		return false
	}
	return s.backend.Remove(victim) == nil
}

// Stats is a pure read of the derived metadata plus the backend's
// persistence disclosure; no storage I/O.
func (s *Store) Stats() domain.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Stats{
		TotalItems:     s.record.Metadata.TotalItems,
		UniqueItems:    len(s.record.Items),
		EstimatedTotal: s.record.Metadata.EstimatedTotal,
		CreatedAt:      s.record.Metadata.CreatedAt,
		LastModifiedAt: s.record.Metadata.LastModifiedAt,
		Persistent:     s.backend.Persistent(),
		StorageDriver:  s.backend.Driver(),
	}
}

// Record returns a copy of the current in-memory record.
func (s *Store) Record() domain.CartRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// Migration reports what the load-time migration run found.
func (s *Store) Migration() migrate.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migration
}

// Subscribe registers a listener for cart changes from this tab and from
// sibling tabs. The returned function removes the listener.
func (s *Store) Subscribe(fn func(domain.CartRecord)) func() {
	return s.sync.Subscribe(fn)
}

// Close stops the cross-tab subscription and closes the backend.
func (s *Store) Close() error {
	s.sync.Stop()
	return s.backend.Close()
}
