// Package codec computes integrity fingerprints over canonically serialized
// payloads and wraps them into versioned envelopes. Canonical form is compact
// JSON with object keys sorted, so two structurally equal payloads always
// fingerprint identically regardless of field order at the writer.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cartcore/pkg/domain"

	"github.com/cristalhq/base64"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/xxh3"
)

// Payloads at or above this size are stored gzipped. The checksum is always
// computed over the uncompressed canonical bytes.
const compressThreshold = 4 << 10

// Canonicalize returns the canonical serialization of payload. Byte slices
// and json.RawMessage are treated as already-encoded JSON and re-normalized;
// anything else is marshaled first.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		enc, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = enc
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	// encoding/json sorts map keys, which is exactly the canonical order.
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// Fingerprint returns the hex form of the 64-bit hash of canonical bytes.
func Fingerprint(canonical []byte) string {
	return strconv.FormatUint(xxh3.Hash(canonical), 16)
}

// Wrap envelopes a payload under the given schema identity. A zero ttl means
// no expiry.
func Wrap(payload any, schemaName string, schemaVersion int, ttl time.Duration) (domain.Envelope, error) {
	return WrapAt(payload, schemaName, schemaVersion, ttl, time.Now().UTC())
}

// WrapAt is Wrap with an explicit clock, for deterministic tests.
func WrapAt(payload any, schemaName string, schemaVersion int, ttl time.Duration, now time.Time) (domain.Envelope, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return domain.Envelope{}, err
	}
	env := domain.Envelope{
		SchemaName:    schemaName,
		SchemaVersion: schemaVersion,
		Payload:       canonical,
		Checksum:      Fingerprint(canonical),
		WrittenAt:     now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		env.ExpiresAt = &expires
	}
	if len(canonical) >= compressThreshold {
		packed, err := compress(canonical)
		if err != nil {
			return domain.Envelope{}, err
		}
		env.Payload = packed
		env.Compressed = true
	}
	return env, nil
}

// Unwrap verifies the envelope and returns the canonical payload bytes.
// It returns a ChecksumError on fingerprint mismatch and an ExpiredError
// when the envelope's expiry has passed. Unwrap never evicts; that is the
// caller's job.
func Unwrap(env domain.Envelope) ([]byte, error) {
	return UnwrapAt(env, time.Now().UTC())
}

// UnwrapAt is Unwrap with an explicit clock.
func UnwrapAt(env domain.Envelope, now time.Time) ([]byte, error) {
	if env.Expired(now) {
		return nil, domain.ExpiredError{SchemaName: env.SchemaName, WrittenAt: env.WrittenAt, ExpiresAt: *env.ExpiresAt}
	}
	raw := []byte(env.Payload)
	if env.Compressed {
		var err error
		raw, err = decompress(env.Payload)
		if err != nil {
			return nil, domain.ChecksumError{SchemaName: env.SchemaName, Expected: env.Checksum, Actual: "unreadable"}
		}
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return nil, domain.ChecksumError{SchemaName: env.SchemaName, Expected: env.Checksum, Actual: "unreadable"}
	}
	if actual := Fingerprint(canonical); actual != env.Checksum {
		return nil, domain.ChecksumError{SchemaName: env.SchemaName, Expected: env.Checksum, Actual: actual}
	}
	return canonical, nil
}

// Decode unwraps the envelope and unmarshals the payload into out.
func Decode(env domain.Envelope, out any) error {
	canonical, err := Unwrap(env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(canonical, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.SchemaName, err)
	}
	return nil
}

// EncodeEnvelope serializes an envelope for storage.
func EncodeEnvelope(env domain.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeEnvelope parses a stored envelope without verifying it.
func DecodeEnvelope(raw string) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return env, nil
}

func compress(canonical []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(canonical); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	packed, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("pack payload: %w", err)
	}
	return packed, nil
}

func decompress(packed json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(packed, &encoded); err != nil {
		return nil, fmt.Errorf("unpack payload: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer func() { _ = zr.Close() }()
	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out.Bytes(), nil
}
