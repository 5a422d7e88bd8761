// Package reconcile applies mutation intents to the cart under the
// constraints of a caller-supplied catalog snapshot. It is pure: inputs are
// cloned, catalog state is never mutated, and a rejection leaves the current
// record untouched.
package reconcile

import (
	"time"

	"cartcore/pkg/domain"
)

// Config tunes the reconciler's ceilings.
type Config struct {
	// MaxUniqueItems caps distinct (product, variant) identities per cart.
	MaxUniqueItems int
	// MaxPerItem caps the quantity of a single item regardless of stock.
	MaxPerItem int
	// Now overrides the clock, for deterministic tests.
	Now func() time.Time
}

const (
	defaultMaxUniqueItems = 50
	defaultMaxPerItem     = 99
)

func (c Config) withDefaults() Config {
	if c.MaxUniqueItems <= 0 {
		c.MaxUniqueItems = defaultMaxUniqueItems
	}
	if c.MaxPerItem <= 0 {
		c.MaxPerItem = defaultMaxPerItem
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Reconciler merges intents into cart records.
type Reconciler struct {
	cfg Config
}

// New constructs a reconciler with the given config.
func New(cfg Config) *Reconciler {
	return &Reconciler{cfg: cfg.withDefaults()}
}

// Apply merges one intent into current and returns the next record. On a
// business-rule refusal it returns a domain.RejectionError and the returned
// record is the unmodified input. Quantity rules:
//
//   - add accumulates onto an existing identity; update replaces the
//     quantity outright
//   - update (or add) with quantity <= 0 is a remove, not an error
//   - removing an absent identity is a no-op success
func (r *Reconciler) Apply(intent domain.Intent, current domain.CartRecord, snap domain.CatalogSnapshot) (domain.CartRecord, error) {
	now := r.cfg.Now()
	next := current.Clone()
	idx := next.FindItem(intent.ProductID, intent.Variant)

	kind := intent.Kind
	if kind != domain.IntentRemove && intent.Quantity <= 0 {
		kind = domain.IntentRemove
	}

	switch kind {
	case domain.IntentRemove:
		if idx < 0 {
			return current, nil
		}
		next.Items = append(next.Items[:idx], next.Items[idx+1:]...)

	case domain.IntentAdd, domain.IntentUpdate:
		if idx < 0 && len(next.Items) >= r.cfg.MaxUniqueItems {
			return current, domain.RejectionError{
				Reason:    domain.ReasonCartFull,
				ProductID: intent.ProductID,
				Variant:   intent.Variant.Clone(),
			}
		}

		product, known := snap.Product(intent.ProductID)
		if !known || !product.Available || product.StockCount == 0 {
			return current, domain.RejectionError{
				Reason:    domain.ReasonOutOfStock,
				ProductID: intent.ProductID,
				Variant:   intent.Variant.Clone(),
			}
		}

		existing := 0
		if idx >= 0 {
			existing = next.Items[idx].Quantity
		}
		proposed := intent.Quantity
		if kind == domain.IntentAdd {
			proposed = existing + intent.Quantity
		}
		ceiling := min(product.StockCount, r.cfg.MaxPerItem)
		if proposed > ceiling {
			return current, domain.RejectionError{
				Reason:    domain.ReasonStockExceeded,
				ProductID: intent.ProductID,
				Variant:   intent.Variant.Clone(),
				MaxCanAdd: max(ceiling-existing, 0),
			}
		}

		if idx >= 0 {
			next.Items[idx].Quantity = proposed
			next.Items[idx].UpdatedAt = now
		} else {
			next.Items = append(next.Items, domain.CartItem{
				ProductID: intent.ProductID,
				Quantity:  proposed,
				Variant:   intent.Variant.Clone(),
				AddedAt:   now,
				UpdatedAt: now,
			})
		}

	default:
		return current, nil
	}

	recompute(&next, snap)
	next.Metadata.LastModifiedAt = now
	if next.Metadata.CreatedAt.IsZero() {
		next.Metadata.CreatedAt = now
	}
	return next, nil
}

// recompute rebuilds the derived metadata from the item list. Items whose
// product does not resolve in the snapshot are flagged and excluded from the
// estimated total but never dropped here.
func recompute(record *domain.CartRecord, snap domain.CatalogSnapshot) {
	totalItems := 0
	estimated := 0.0
	for i := range record.Items {
		item := &record.Items[i]
		totalItems += item.Quantity
		product, ok := snap.Product(item.ProductID)
		if !ok {
			item.Unresolved = true
			continue
		}
		item.Unresolved = false
		estimated += float64(item.Quantity) * product.Price
	}
	record.Metadata.TotalItems = totalItems
	record.Metadata.EstimatedTotal = estimated
}
