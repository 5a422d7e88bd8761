// Package domain defines the persisted entities, catalog contracts, error
// taxonomy and persistence abstractions shared by every cart store layer.
// It has no third-party imports so external callers can depend on it without
// pulling in any storage driver.
package domain

import (
	"sort"
	"strings"
	"time"
)

// VariantSelector distinguishes otherwise-identical catalog products within
// the cart, e.g. {"color": "blue", "size": "M"}. Equality is structural and
// order-independent.
type VariantSelector map[string]string

// Equal reports whether two selectors carry the same key set with the same
// values. A nil selector equals an empty one.
func (v VariantSelector) Equal(other VariantSelector) bool {
	if len(v) != len(other) {
		return false
	}
	for k, val := range v {
		if ov, ok := other[k]; !ok || ov != val {
			return false
		}
	}
	return true
}

// Key returns a canonical text form of the selector ("color=blue|size=M",
// keys sorted). Empty selectors map to the empty string.
func (v VariantSelector) Key() string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v[k])
	}
	return b.String()
}

// Clone returns an independent copy of the selector.
func (v VariantSelector) Clone() VariantSelector {
	if v == nil {
		return nil
	}
	out := make(VariantSelector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// CartItem is one line of the cart. The (ProductID, Variant) pair is the
// item's identity; no two items in a record may share it.
type CartItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Variant   VariantSelector `json:"variant,omitempty"`
	// Unresolved marks an item whose product did not appear in the catalog
	// snapshot supplied with the last recompute. Such items are excluded
	// from the estimated total but stay in the record until a cleanup pass
	// with a complete snapshot or an explicit removal.
	Unresolved bool      `json:"unresolved,omitempty"`
	AddedAt    time.Time `json:"addedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Matches reports whether the item carries the given identity.
func (i CartItem) Matches(productID string, variant VariantSelector) bool {
	return i.ProductID == productID && i.Variant.Equal(variant)
}

// Clone returns an independent copy of the item.
func (i CartItem) Clone() CartItem {
	out := i
	out.Variant = i.Variant.Clone()
	return out
}

// CartMetadata caches aggregates derived from the item list. It is
// recomputed on every read and write and is never a source of truth.
type CartMetadata struct {
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	TotalItems     int       `json:"totalItems"`
	EstimatedTotal float64   `json:"estimatedTotal"`
}

// CartRecord is the persisted cart: an insertion-ordered item list plus
// derived metadata.
type CartRecord struct {
	Items    []CartItem   `json:"items"`
	Metadata CartMetadata `json:"metadata"`
}

// NewCartRecord returns an empty record stamped with the given creation time.
func NewCartRecord(now time.Time) CartRecord {
	return CartRecord{
		Items: []CartItem{},
		Metadata: CartMetadata{
			CreatedAt:      now,
			LastModifiedAt: now,
		},
	}
}

// Clone returns a deep copy of the record.
func (r CartRecord) Clone() CartRecord {
	out := r
	out.Items = make([]CartItem, len(r.Items))
	for i, item := range r.Items {
		out.Items[i] = item.Clone()
	}
	return out
}

// FindItem returns the index of the item with the given identity, or -1.
func (r CartRecord) FindItem(productID string, variant VariantSelector) int {
	for i, item := range r.Items {
		if item.Matches(productID, variant) {
			return i
		}
	}
	return -1
}

// IsEmpty reports whether the record holds no items.
func (r CartRecord) IsEmpty() bool { return len(r.Items) == 0 }

// Stats is the read-only view returned by the facade without storage I/O.
type Stats struct {
	TotalItems     int       `json:"totalItems"`
	UniqueItems    int       `json:"uniqueItems"`
	EstimatedTotal float64   `json:"estimatedTotal"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	Persistent     bool      `json:"persistent"`
	StorageDriver  string    `json:"storageDriver"`
}

// IntentKind enumerates the mutation intents the reconciler understands.
type IntentKind string

const (
	IntentAdd    IntentKind = "add"
	IntentUpdate IntentKind = "update"
	IntentRemove IntentKind = "remove"
)

// Intent is a single mutation request targeting one item identity.
type Intent struct {
	Kind      IntentKind
	ProductID string
	Variant   VariantSelector
	Quantity  int
}
