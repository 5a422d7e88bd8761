package domain

// CatalogProduct is the read-only product view the reconciler validates
// against. The store never mutates catalog state.
type CatalogProduct struct {
	ID         string  `json:"id"`
	Price      float64 `json:"price"`
	StockCount int     `json:"stockCount"`
	Available  bool    `json:"available"`
}

// CatalogSnapshot is a point-in-time view of the catalog supplied by the
// caller with every mutating operation.
type CatalogSnapshot interface {
	Product(id string) (CatalogProduct, bool)
	Products(ids []string) map[string]CatalogProduct
}

// CatalogProvider produces snapshots. It is consumed, never implemented,
// by this module; MapSnapshot covers tests and simple callers.
type CatalogProvider interface {
	Snapshot() (CatalogSnapshot, error)
}

// MapSnapshot is a CatalogSnapshot backed by a plain map.
type MapSnapshot map[string]CatalogProduct

// Product looks up a single product.
func (m MapSnapshot) Product(id string) (CatalogProduct, bool) {
	p, ok := m[id]
	return p, ok
}

// Products looks up several products at once; absent IDs are omitted.
func (m MapSnapshot) Products(ids []string) map[string]CatalogProduct {
	out := make(map[string]CatalogProduct, len(ids))
	for _, id := range ids {
		if p, ok := m[id]; ok {
			out[id] = p
		}
	}
	return out
}
