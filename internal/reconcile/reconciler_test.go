package reconcile

import (
	"testing"
	"time"

	"cartcore/pkg/domain"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newReconciler(cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	return New(cfg)
}

func snapshot() domain.MapSnapshot {
	return domain.MapSnapshot{
		"p1": {ID: "p1", Price: 10.0, StockCount: 4, Available: true},
		"p2": {ID: "p2", Price: 25.5, StockCount: 10, Available: true},
		"p3": {ID: "p3", Price: 5.0, StockCount: 0, Available: true},
		"p4": {ID: "p4", Price: 7.5, StockCount: 3, Available: false},
	}
}

func add(productID string, qty int) domain.Intent {
	return domain.Intent{Kind: domain.IntentAdd, ProductID: productID, Quantity: qty}
}

func TestAddNewItem(t *testing.T) {
	r := newReconciler(Config{})
	rec, err := r.Apply(add("p1", 2), domain.NewCartRecord(fixedNow), snapshot())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(rec.Items) != 1 || rec.Items[0].Quantity != 2 {
		t.Fatalf("items = %+v", rec.Items)
	}
	if rec.Metadata.TotalItems != 2 || rec.Metadata.EstimatedTotal != 20.0 {
		t.Fatalf("metadata = %+v", rec.Metadata)
	}
	if !rec.Items[0].AddedAt.Equal(fixedNow) || !rec.Items[0].UpdatedAt.Equal(fixedNow) {
		t.Fatalf("timestamps = %+v", rec.Items[0])
	}
}

func TestAddAccumulatesOntoExistingIdentity(t *testing.T) {
	r := newReconciler(Config{})
	rec, err := r.Apply(add("p2", 2), domain.NewCartRecord(fixedNow), snapshot())
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	rec, err = r.Apply(add("p2", 3), rec, snapshot())
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if len(rec.Items) != 1 || rec.Items[0].Quantity != 5 {
		t.Fatalf("items = %+v", rec.Items)
	}
}

func TestAddOrderIndependentUnderStock(t *testing.T) {
	r := newReconciler(Config{})
	snap := snapshot()

	first, err := r.Apply(add("p2", 2), domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("add 2: %v", err)
	}
	first, err = r.Apply(add("p2", 3), first, snap)
	if err != nil {
		t.Fatalf("add 3: %v", err)
	}

	second, err := r.Apply(add("p2", 3), domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("add 3 first: %v", err)
	}
	second, err = r.Apply(add("p2", 2), second, snap)
	if err != nil {
		t.Fatalf("add 2 second: %v", err)
	}

	if first.Items[0].Quantity != 5 || second.Items[0].Quantity != 5 {
		t.Fatalf("quantities = %d, %d, want 5", first.Items[0].Quantity, second.Items[0].Quantity)
	}
}

func TestStockCeilingRejectsDeterministically(t *testing.T) {
	// stock=4: add(3) succeeds, add(3) rejects with maxCanAdd=1.
	r := newReconciler(Config{})
	snap := snapshot()
	rec, err := r.Apply(add("p1", 3), domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err = r.Apply(add("p1", 3), rec, snap)
	rej, ok := domain.IsRejection(err)
	if !ok || rej.Reason != domain.ReasonStockExceeded {
		t.Fatalf("expected StockExceeded, got %v", err)
	}
	if rej.MaxCanAdd != 1 {
		t.Fatalf("maxCanAdd = %d, want 1", rej.MaxCanAdd)
	}
	// The record the caller holds is unchanged.
	if rec.Items[0].Quantity != 3 {
		t.Fatalf("rejection mutated record: %+v", rec.Items)
	}
}

func TestNeverSilentlyTruncates(t *testing.T) {
	r := newReconciler(Config{})
	rec, err := r.Apply(add("p1", 5), domain.NewCartRecord(fixedNow), snapshot())
	rej, ok := domain.IsRejection(err)
	if !ok || rej.Reason != domain.ReasonStockExceeded || rej.MaxCanAdd != 4 {
		t.Fatalf("expected rejection with maxCanAdd=4, got %v", err)
	}
	if len(rec.Items) != 0 {
		t.Fatalf("rejected add must not insert: %+v", rec.Items)
	}
}

func TestOutOfStockVariants(t *testing.T) {
	r := newReconciler(Config{})
	empty := domain.NewCartRecord(fixedNow)
	cases := []struct {
		name      string
		productID string
	}{
		{"zero stock", "p3"},
		{"unavailable", "p4"},
		{"unknown product", "ghost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Apply(add(tc.productID, 1), empty, snapshot())
			rej, ok := domain.IsRejection(err)
			if !ok || rej.Reason != domain.ReasonOutOfStock {
				t.Fatalf("expected OutOfStock, got %v", err)
			}
		})
	}
}

func TestVariantIdentityIsDistinct(t *testing.T) {
	r := newReconciler(Config{})
	snap := snapshot()
	blue := domain.Intent{Kind: domain.IntentAdd, ProductID: "p2", Quantity: 1, Variant: domain.VariantSelector{"color": "blue"}}
	red := domain.Intent{Kind: domain.IntentAdd, ProductID: "p2", Quantity: 1, Variant: domain.VariantSelector{"color": "red"}}

	rec, err := r.Apply(blue, domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("blue: %v", err)
	}
	rec, err = r.Apply(red, rec, snap)
	if err != nil {
		t.Fatalf("red: %v", err)
	}
	rec, err = r.Apply(blue, rec, snap)
	if err != nil {
		t.Fatalf("blue again: %v", err)
	}
	if len(rec.Items) != 2 {
		t.Fatalf("items = %+v", rec.Items)
	}
	if rec.Items[0].Quantity != 2 || rec.Items[1].Quantity != 1 {
		t.Fatalf("quantities = %+v", rec.Items)
	}
}

func TestUniquenessInvariantAfterManyAdds(t *testing.T) {
	r := newReconciler(Config{})
	snap := snapshot()
	rec := domain.NewCartRecord(fixedNow)
	intents := []domain.Intent{
		add("p1", 1),
		{Kind: domain.IntentAdd, ProductID: "p2", Quantity: 1, Variant: domain.VariantSelector{"size": "M", "color": "blue"}},
		{Kind: domain.IntentAdd, ProductID: "p2", Quantity: 2, Variant: domain.VariantSelector{"color": "blue", "size": "M"}},
		add("p1", 1),
		{Kind: domain.IntentAdd, ProductID: "p2", Quantity: 1},
	}
	for i, intent := range intents {
		var err error
		rec, err = r.Apply(intent, rec, snap)
		if err != nil {
			t.Fatalf("intent %d: %v", i, err)
		}
	}
	seen := make(map[string]bool)
	for _, item := range rec.Items {
		id := item.ProductID + "\x00" + item.Variant.Key()
		if seen[id] {
			t.Fatalf("duplicate identity %q in %+v", id, rec.Items)
		}
		seen[id] = true
	}
	if len(rec.Items) != 3 {
		t.Fatalf("items = %+v", rec.Items)
	}
}

func TestUpdateReplacesQuantity(t *testing.T) {
	r := newReconciler(Config{})
	snap := snapshot()
	rec, err := r.Apply(add("p2", 5), domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, err = r.Apply(domain.Intent{Kind: domain.IntentUpdate, ProductID: "p2", Quantity: 2}, rec, snap)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Items[0].Quantity != 2 {
		t.Fatalf("quantity = %d, want 2", rec.Items[0].Quantity)
	}
}

func TestUpdateToZeroRemoves(t *testing.T) {
	r := newReconciler(Config{})
	snap := snapshot()
	rec, err := r.Apply(add("p2", 5), domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, err = r.Apply(domain.Intent{Kind: domain.IntentUpdate, ProductID: "p2", Quantity: 0}, rec, snap)
	if err != nil {
		t.Fatalf("update to zero: %v", err)
	}
	if len(rec.Items) != 0 {
		t.Fatalf("items = %+v, want empty", rec.Items)
	}
	if rec.Metadata.TotalItems != 0 || rec.Metadata.EstimatedTotal != 0 {
		t.Fatalf("metadata = %+v", rec.Metadata)
	}
}

func TestRemoveMissingIsNoOp(t *testing.T) {
	r := newReconciler(Config{})
	rec := domain.NewCartRecord(fixedNow)
	out, err := r.Apply(domain.Intent{Kind: domain.IntentRemove, ProductID: "ghost"}, rec, snapshot())
	if err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if len(out.Items) != 0 {
		t.Fatalf("items = %+v", out.Items)
	}
}

func TestCartFullIndependentOfStock(t *testing.T) {
	r := newReconciler(Config{MaxUniqueItems: 2})
	snap := snapshot()
	rec, err := r.Apply(add("p1", 1), domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("add p1: %v", err)
	}
	rec, err = r.Apply(add("p2", 1), rec, snap)
	if err != nil {
		t.Fatalf("add p2: %v", err)
	}
	// Third distinct identity rejects even though p3 also fails stock checks;
	// the cardinality cap is evaluated first.
	_, err = r.Apply(add("p3", 1), rec, snap)
	rej, ok := domain.IsRejection(err)
	if !ok || rej.Reason != domain.ReasonCartFull {
		t.Fatalf("expected CartFull, got %v", err)
	}
	// Existing identities can still be mutated.
	if _, err := r.Apply(add("p2", 1), rec, snap); err != nil {
		t.Fatalf("existing identity blocked by cap: %v", err)
	}
}

func TestPerItemCeiling(t *testing.T) {
	r := newReconciler(Config{MaxPerItem: 3})
	_, err := r.Apply(add("p2", 4), domain.NewCartRecord(fixedNow), snapshot())
	rej, ok := domain.IsRejection(err)
	if !ok || rej.Reason != domain.ReasonStockExceeded || rej.MaxCanAdd != 3 {
		t.Fatalf("expected per-item ceiling rejection, got %v", err)
	}
}

func TestMetadataExcludesUnresolvedItems(t *testing.T) {
	r := newReconciler(Config{})
	snap := snapshot()
	rec, err := r.Apply(add("p1", 2), domain.NewCartRecord(fixedNow), snap)
	if err != nil {
		t.Fatalf("add p1: %v", err)
	}
	rec, err = r.Apply(add("p2", 1), rec, snap)
	if err != nil {
		t.Fatalf("add p2: %v", err)
	}
	// p1 vanishes from the catalog; a later mutation recomputes totals.
	partial := domain.MapSnapshot{"p2": snap["p2"]}
	rec, err = r.Apply(add("p2", 1), rec, partial)
	if err != nil {
		t.Fatalf("add p2 again: %v", err)
	}
	if len(rec.Items) != 2 {
		t.Fatalf("unresolved item dropped: %+v", rec.Items)
	}
	if !rec.Items[0].Unresolved {
		t.Fatalf("expected p1 flagged unresolved")
	}
	if rec.Metadata.TotalItems != 4 {
		t.Fatalf("totalItems = %d, want 4", rec.Metadata.TotalItems)
	}
	if rec.Metadata.EstimatedTotal != 2*25.5 {
		t.Fatalf("estimatedTotal = %v, want %v", rec.Metadata.EstimatedTotal, 2*25.5)
	}
}
