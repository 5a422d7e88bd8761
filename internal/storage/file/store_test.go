package file

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cartcore/pkg/domain"
)

func newStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "state"), maxBytes)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestRoundTrip(t *testing.T) {
	store := newStore(t, 0)
	if _, ok, err := store.Get("cart"); ok || err != nil {
		t.Fatalf("empty get: ok=%v err=%v", ok, err)
	}
	if err := store.Set("cart", `{"items":[]}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := store.Get("cart")
	if err != nil || !ok || v != `{"items":[]}` {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}
	if err := store.Remove("cart"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove("cart"); err != nil {
		t.Fatalf("double remove: %v", err)
	}
	if _, ok, _ := store.Get("cart"); ok {
		t.Fatalf("expected removal")
	}
}

func TestKeysDecodeEscapedNames(t *testing.T) {
	store := newStore(t, 0)
	for _, k := range []string{"cart", "patagonia_carrito", "user/session"} {
		if err := store.Set(k, "x"); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	found := make(map[string]bool, len(keys))
	for _, k := range keys {
		found[k] = true
	}
	for _, want := range []string{"cart", "patagonia_carrito", "user/session"} {
		if !found[want] {
			t.Fatalf("missing key %q in %v", want, keys)
		}
	}
}

func TestQuota(t *testing.T) {
	store := newStore(t, 10)
	if err := store.Set("a", "12345"); err != nil {
		t.Fatalf("within budget: %v", err)
	}
	err := store.Set("b", "123456789")
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	// Rewriting the same key does not double count.
	if err := store.Set("a", "1234567890"); err != nil {
		t.Fatalf("replace within budget: %v", err)
	}
}

func TestPersistsAcrossHandles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "state")
	first, err := New(root, 0)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.Set("cart", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !first.Persistent() {
		t.Fatalf("file store must report persistence")
	}
	second, err := New(root, 0)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	v, ok, err := second.Get("cart")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("reload get = %q, %v, %v", v, ok, err)
	}
}

func TestWatchSeesSiblingWrites(t *testing.T) {
	root := filepath.Join(t.TempDir(), "state")
	tabA, err := New(root, 0)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	tabB, err := New(root, 0)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}

	events := make(chan domain.ChangeEvent, 8)
	stop, err := tabB.Watch(context.Background(), "cart", func(ev domain.ChangeEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	if err := tabA.Set("cart", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Key != "cart" || ev.Value != "v1" || ev.Removed {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for change event")
	}

	if err := tabA.Set("session", "ignored"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tabA.Remove("cart"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Key != "cart" {
				t.Fatalf("event for wrong key: %+v", ev)
			}
			if ev.Removed {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for removal event")
		}
	}
}
