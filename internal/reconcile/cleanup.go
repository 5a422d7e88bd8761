package reconcile

import "cartcore/pkg/domain"

// AdjustmentAction names what the cleanup pass did to an item.
type AdjustmentAction string

const (
	// AdjustClamped means the quantity was lowered to current stock.
	AdjustClamped AdjustmentAction = "clamped"
	// AdjustRemoved means the item was dropped from the record.
	AdjustRemoved AdjustmentAction = "removed"
	// AdjustFlagged means the item's product no longer resolves and the
	// item was marked unresolved but kept.
	AdjustFlagged AdjustmentAction = "flagged"
)

// Adjustment reports one item altered by a cleanup pass.
type Adjustment struct {
	ProductID string
	Variant   domain.VariantSelector
	Action    AdjustmentAction
	From      int
	To        int
}

// CleanupOptions tunes the cleanup pass.
type CleanupOptions struct {
	// PurgeMissing removes items whose product is absent from the snapshot
	// entirely. Leave false unless the snapshot is known to cover the whole
	// catalog; with a partial snapshot missing items are only flagged.
	PurgeMissing bool
}

// Cleanup is the one code path that adjusts quantities without an explicit
// user intent. It clamps items over current stock, removes items whose stock
// has vanished, and flags (or, with PurgeMissing, removes) items whose
// product no longer resolves. It is idempotent: re-running with the same
// snapshot yields no further adjustments, and the returned list makes every
// alteration observable.
func (r *Reconciler) Cleanup(record domain.CartRecord, snap domain.CatalogSnapshot, opts CleanupOptions) (domain.CartRecord, []Adjustment) {
	next := record.Clone()
	var adjustments []Adjustment
	kept := next.Items[:0]

	for _, item := range next.Items {
		product, known := snap.Product(item.ProductID)
		if !known {
			if opts.PurgeMissing {
				adjustments = append(adjustments, Adjustment{
					ProductID: item.ProductID,
					Variant:   item.Variant,
					Action:    AdjustRemoved,
					From:      item.Quantity,
				})
				continue
			}
			if !item.Unresolved {
				adjustments = append(adjustments, Adjustment{
					ProductID: item.ProductID,
					Variant:   item.Variant,
					Action:    AdjustFlagged,
					From:      item.Quantity,
					To:        item.Quantity,
				})
			}
			item.Unresolved = true
			kept = append(kept, item)
			continue
		}

		item.Unresolved = false
		if product.StockCount <= 0 {
			adjustments = append(adjustments, Adjustment{
				ProductID: item.ProductID,
				Variant:   item.Variant,
				Action:    AdjustRemoved,
				From:      item.Quantity,
			})
			continue
		}
		if item.Quantity > product.StockCount {
			adjustments = append(adjustments, Adjustment{
				ProductID: item.ProductID,
				Variant:   item.Variant,
				Action:    AdjustClamped,
				From:      item.Quantity,
				To:        product.StockCount,
			})
			item.Quantity = product.StockCount
			item.UpdatedAt = r.cfg.Now()
		}
		kept = append(kept, item)
	}

	next.Items = kept
	recompute(&next, snap)
	if len(adjustments) > 0 {
		next.Metadata.LastModifiedAt = r.cfg.Now()
	}
	return next, adjustments
}
