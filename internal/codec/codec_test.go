package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"cartcore/pkg/domain"
)

func TestCanonicalizeOrderIndependent(t *testing.T) {
	a, err := Canonicalize([]byte(`{"b":1,"a":{"y":2,"x":1}}`))
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	b, err := Canonicalize([]byte(`{"a":{"x":1,"y":2},"b":1}`))
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("fingerprints differ for equal payloads")
	}
}

func TestCanonicalizePreservesNumbers(t *testing.T) {
	out, err := Canonicalize([]byte(`{"price":19.99,"qty":3}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if !strings.Contains(string(out), "19.99") {
		t.Fatalf("number formatting drifted: %s", out)
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	payload := map[string]any{"items": []any{}, "metadata": map[string]any{"totalItems": 0}}
	env, err := WrapAt(payload, domain.SchemaCart, 2, 0, now)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if env.SchemaName != domain.SchemaCart || env.SchemaVersion != 2 {
		t.Fatalf("schema identity not stamped: %+v", env)
	}
	if !env.WrittenAt.Equal(now) {
		t.Fatalf("writtenAt = %v, want %v", env.WrittenAt, now)
	}
	if env.ExpiresAt != nil {
		t.Fatalf("zero ttl must not set expiry")
	}
	canonical, err := UnwrapAt(env, now)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	want, _ := Canonicalize(payload)
	if string(canonical) != string(want) {
		t.Fatalf("round trip altered payload: %s vs %s", canonical, want)
	}
}

func TestUnwrapDetectsTamper(t *testing.T) {
	now := time.Now().UTC()
	env, err := WrapAt(map[string]any{"quantity": 3}, domain.SchemaCart, 2, 0, now)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	raw, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tampered := strings.Replace(raw, `"quantity":3`, `"quantity":4`, 1)
	if tampered == raw {
		t.Fatalf("tamper did not apply: %s", raw)
	}
	parsed, err := DecodeEnvelope(tampered)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := UnwrapAt(parsed, now); !errors.Is(err, domain.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestUnwrapExpired(t *testing.T) {
	now := time.Now().UTC()
	env, err := WrapAt(map[string]any{"k": 1}, domain.SchemaSession, 1, time.Minute, now)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := UnwrapAt(env, now.Add(30*time.Second)); err != nil {
		t.Fatalf("unexpired unwrap: %v", err)
	}
	_, err = UnwrapAt(env, now.Add(2*time.Minute))
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
	var exp domain.ExpiredError
	if !errors.As(err, &exp) || exp.SchemaName != domain.SchemaSession {
		t.Fatalf("expected detailed expiry error, got %v", err)
	}
}

func TestWrapCompressesLargePayloads(t *testing.T) {
	now := time.Now().UTC()
	items := make([]map[string]any, 0, 256)
	for i := 0; i < 256; i++ {
		items = append(items, map[string]any{
			"productId": strings.Repeat("p", 24),
			"quantity":  i,
		})
	}
	env, err := WrapAt(map[string]any{"items": items}, domain.SchemaCart, 2, 0, now)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if !env.Compressed {
		t.Fatalf("expected large payload to be compressed")
	}
	canonical, err := UnwrapAt(env, now)
	if err != nil {
		t.Fatalf("unwrap compressed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(canonical, &decoded); err != nil {
		t.Fatalf("decode canonical: %v", err)
	}
	if got := len(decoded["items"].([]any)); got != 256 {
		t.Fatalf("items = %d, want 256", got)
	}
}

func TestDecodeIntoStruct(t *testing.T) {
	now := time.Now().UTC()
	rec := domain.NewCartRecord(now)
	rec.Items = append(rec.Items, domain.CartItem{ProductID: "p1", Quantity: 2, AddedAt: now, UpdatedAt: now})
	env, err := WrapAt(rec, domain.SchemaCart, 2, 0, now)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	var out domain.CartRecord
	if err := Decode(env, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].ProductID != "p1" || out.Items[0].Quantity != 2 {
		t.Fatalf("decoded record = %+v", out)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope("{{{"); err == nil {
		t.Fatalf("expected parse error")
	}
}
