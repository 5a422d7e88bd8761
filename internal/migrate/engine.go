// Package migrate rewrites legacy, unversioned records under their current
// envelope and key. The storefront historically persisted the same logical
// entity under several bare keys (the cart alone existed as "carrito",
// "cart" and "patagonia_carrito"); the engine collapses each schema onto its
// canonical key, first non-empty valid payload wins, and never removes a
// legacy key before the rewritten record is confirmed persisted.
package migrate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cartcore/internal/codec"
	"cartcore/internal/schema"
	"cartcore/pkg/domain"
)

// legacyKeys lists, per schema, the obsolete key names in scan order. The
// canonical key itself appears where the old code stored bare JSON under it.
var legacyKeys = map[string][]string{
	domain.SchemaCart:        {"carrito", "cart", "patagonia_carrito"},
	domain.SchemaUser:        {"usuario", "user", "patagonia_usuario"},
	domain.SchemaPreferences: {"preferencias", "preferences"},
	domain.SchemaSession:     {"sesion", "session"},
}

// LegacyKeys returns the scan list for a schema, for tooling.
func LegacyKeys(schemaName string) []string {
	return append([]string(nil), legacyKeys[schemaName]...)
}

// Report summarizes one migration run.
type Report struct {
	// Migrated maps schema name to the legacy key whose payload won.
	Migrated map[string]string
	// Discarded lists legacy keys removed without being migrated (invalid,
	// empty, or superseded by an earlier winner).
	Discarded []string
}

// Engine performs the startup scan. It is safe to run repeatedly; once a
// canonical envelope exists the scan only sweeps leftover legacy keys.
type Engine struct {
	backend  domain.KeyValueStore
	registry *schema.Registry
	now      func() time.Time
}

// New constructs an engine over the given backend and registry.
func New(backend domain.KeyValueStore, registry *schema.Registry) *Engine {
	return &Engine{backend: backend, registry: registry, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the engine clock, for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run scans every schema's legacy keys. Parse failures count as "no legacy
// data". A write failure aborts that schema with the legacy keys intact so a
// later run can retry.
func (e *Engine) Run() (Report, error) {
	report := Report{Migrated: make(map[string]string)}
	for _, schemaName := range domain.SchemaNames {
		if err := e.runSchema(schemaName, &report); err != nil {
			return report, fmt.Errorf("migrate %s: %w", schemaName, err)
		}
	}
	return report, nil
}

func (e *Engine) runSchema(schemaName string, report *Report) error {
	desc, ok := e.registry.Descriptor(schemaName)
	if !ok {
		return fmt.Errorf("schema not registered")
	}

	current, exists, err := e.backend.Get(schemaName)
	if err != nil {
		return fmt.Errorf("read canonical key: %w", err)
	}
	migrated := exists && domain.LooksVersioned([]byte(current))

	var winner string
	if !migrated {
		for _, key := range legacyKeys[schemaName] {
			raw, found, err := e.backend.Get(key)
			if err != nil {
				return fmt.Errorf("read legacy key %s: %w", key, err)
			}
			if !found || domain.LooksVersioned([]byte(raw)) {
				continue
			}
			payload, ok := e.normalize(schemaName, []byte(raw))
			if !ok {
				continue
			}
			valid, err := e.registry.Validate(schemaName, payload)
			if err != nil {
				return err
			}
			if !valid.Valid {
				continue
			}
			env, err := codec.WrapAt(json.RawMessage(payload), schemaName, desc.Version, desc.MaxAge, e.now())
			if err != nil {
				return err
			}
			encoded, err := codec.EncodeEnvelope(env)
			if err != nil {
				return err
			}
			if err := e.backend.Set(schemaName, encoded); err != nil {
				// Legacy keys stay put; nothing was confirmed written.
				return fmt.Errorf("persist rewritten record: %w", err)
			}
			winner = key
			migrated = true
			report.Migrated[schemaName] = key
			break
		}
	}

	if !migrated {
		return nil
	}
	// The rewritten (or pre-existing) envelope is confirmed on the canonical
	// key; obsolete keys can now go, the losers discarded without merging.
	for _, key := range legacyKeys[schemaName] {
		if key == schemaName {
			continue
		}
		_, found, err := e.backend.Get(key)
		if err != nil {
			return fmt.Errorf("read legacy key %s: %w", key, err)
		}
		if !found {
			continue
		}
		if err := e.backend.Remove(key); err != nil {
			return fmt.Errorf("remove legacy key %s: %w", key, err)
		}
		if key != winner {
			report.Discarded = append(report.Discarded, key)
		}
	}
	return nil
}

// normalize converts a legacy payload to the current schema shape, reporting
// false for unparseable or empty data.
func (e *Engine) normalize(schemaName string, raw []byte) ([]byte, bool) {
	switch schemaName {
	case domain.SchemaCart:
		record, ok := normalizeLegacyCart(raw, e.now())
		if !ok {
			return nil, false
		}
		out, err := json.Marshal(record)
		if err != nil {
			return nil, false
		}
		return out, true
	default:
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil || len(obj) == 0 {
			return nil, false
		}
		return raw, true
	}
}

// legacyCartItem tolerates both the Spanish and English field spellings the
// old implementations used.
type legacyCartItem struct {
	ID       any               `json:"id"`
	Cantidad *int              `json:"cantidad"`
	Quantity *int              `json:"quantity"`
	Qty      *int              `json:"qty"`
	Variante map[string]string `json:"variante"`
	Variant  map[string]string `json:"variant"`
}

func (l legacyCartItem) productID() string {
	switch id := l.ID.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func (l legacyCartItem) quantity() int {
	for _, q := range []*int{l.Cantidad, l.Quantity, l.Qty} {
		if q != nil {
			return *q
		}
	}
	return 0
}

func (l legacyCartItem) variant() domain.VariantSelector {
	if len(l.Variante) > 0 {
		return domain.VariantSelector(l.Variante)
	}
	if len(l.Variant) > 0 {
		return domain.VariantSelector(l.Variant)
	}
	return nil
}

// normalizeLegacyCart accepts a bare item array or an {"items": [...]}
// object. Duplicate identities within one legacy payload are merged by
// summing quantities so the rewritten record satisfies the uniqueness
// invariant. The estimated total is left at zero; the load-time cleanup
// pass recomputes it against a live catalog snapshot.
func normalizeLegacyCart(raw []byte, now time.Time) (domain.CartRecord, bool) {
	var items []legacyCartItem
	if err := json.Unmarshal(raw, &items); err != nil {
		var wrapper struct {
			Items []legacyCartItem `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Items == nil {
			return domain.CartRecord{}, false
		}
		items = wrapper.Items
	}

	record := domain.NewCartRecord(now)
	for _, legacy := range items {
		id := legacy.productID()
		qty := legacy.quantity()
		if id == "" || qty < 1 {
			continue
		}
		variant := domain.VariantSelector(legacy.variant())
		if idx := record.FindItem(id, variant); idx >= 0 {
			record.Items[idx].Quantity += qty
			continue
		}
		record.Items = append(record.Items, domain.CartItem{
			ProductID: id,
			Quantity:  qty,
			Variant:   variant.Clone(),
			AddedAt:   now,
			UpdatedAt: now,
		})
	}
	if len(record.Items) == 0 {
		return domain.CartRecord{}, false
	}
	total := 0
	for _, item := range record.Items {
		total += item.Quantity
	}
	record.Metadata.TotalItems = total
	return record, true
}
