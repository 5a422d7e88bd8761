package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"cartcore/internal/archive"
	"cartcore/internal/codec"
	"cartcore/pkg/domain"
)

// ErrNoArchive is returned by Export/Restore when no archive store is
// configured.
var ErrNoArchive = errors.New("archive store not configured")

// stateSnapshot is the archived document: every canonical key's stored
// envelope, fingerprinted as a set so a tampered snapshot is refused on
// restore.
type stateSnapshot struct {
	ExportedAt time.Time                  `json:"exportedAt"`
	Entries    map[string]json.RawMessage `json:"entries"`
	Checksum   string                     `json:"checksum"`
}

func snapshotChecksum(entries map[string]json.RawMessage) (string, error) {
	canonical, err := codec.Canonicalize(entries)
	if err != nil {
		return "", err
	}
	return codec.Fingerprint(canonical), nil
}

// Export writes a checksummed snapshot of all canonical keys to the archive
// store and returns the stored object's metadata. The snapshot key embeds
// the export timestamp.
func (s *Store) Export(ctx context.Context) (archive.Info, error) {
	start := time.Now()
	info, err := s.export(ctx)
	s.metrics.Observe(ctx, "export", err == nil, time.Since(start))
	return info, err
}

func (s *Store) export(ctx context.Context) (archive.Info, error) {
	if s.archive == nil {
		return archive.Info{}, ErrNoArchive
	}
	s.mu.Lock()
	entries := make(map[string]json.RawMessage)
	for _, key := range domain.SchemaNames {
		raw, ok, err := s.backend.Get(key)
		if err != nil {
			s.mu.Unlock()
			return archive.Info{}, fmt.Errorf("read %s: %w", key, err)
		}
		if ok {
			entries[key] = json.RawMessage(raw)
		}
	}
	now := s.now()
	s.mu.Unlock()

	sum, err := snapshotChecksum(entries)
	if err != nil {
		return archive.Info{}, fmt.Errorf("fingerprint snapshot: %w", err)
	}
	doc := stateSnapshot{ExportedAt: now, Entries: entries, Checksum: sum}
	data, err := json.Marshal(doc)
	if err != nil {
		return archive.Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := fmt.Sprintf("snapshots/cart-state-%s.json", now.UTC().Format("20060102T150405Z"))
	info, err := s.archive.Put(ctx, key, data)
	if err != nil {
		return archive.Info{}, fmt.Errorf("archive snapshot: %w", err)
	}
	return info, nil
}

// Restore reads a snapshot back from the archive, verifies its fingerprint
// and every entry's envelope, and re-imports the canonical keys. Import is
// all-or-nothing: one invalid entry refuses the whole snapshot, and a write
// failure midway (a snapshot that no longer fits the medium's quota) puts
// the previously stored values back before the error surfaces. Entries
// whose envelope has expired since export are skipped, not refused. Returns
// the restored cart record.
func (s *Store) Restore(ctx context.Context, key string) (domain.CartRecord, error) {
	start := time.Now()
	record, err := s.restore(ctx, key)
	s.metrics.Observe(ctx, "restore", err == nil, time.Since(start))
	return record, err
}

func (s *Store) restore(ctx context.Context, key string) (domain.CartRecord, error) {
	if s.archive == nil {
		return domain.CartRecord{}, ErrNoArchive
	}
	data, _, err := s.archive.Get(ctx, key)
	if err != nil {
		return domain.CartRecord{}, fmt.Errorf("read snapshot: %w", err)
	}
	var doc stateSnapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.CartRecord{}, fmt.Errorf("parse snapshot: %w", err)
	}
	sum, err := snapshotChecksum(doc.Entries)
	if err != nil {
		return domain.CartRecord{}, fmt.Errorf("fingerprint snapshot: %w", err)
	}
	if sum != doc.Checksum {
		return domain.CartRecord{}, domain.ChecksumError{SchemaName: "snapshot", Expected: doc.Checksum, Actual: sum}
	}

	now := s.now()
	accepted := make(map[string]string)
	var restored *domain.CartRecord
	for name, raw := range doc.Entries {
		env, err := codec.DecodeEnvelope(string(raw))
		if err != nil {
			return domain.CartRecord{}, fmt.Errorf("snapshot entry %s: %w", name, err)
		}
		if env.SchemaName != name {
			return domain.CartRecord{}, fmt.Errorf("snapshot entry %s: envelope names schema %s", name, env.SchemaName)
		}
		payload, err := codec.UnwrapAt(env, now)
		if err != nil {
			if errors.Is(err, domain.ErrExpired) {
				continue
			}
			return domain.CartRecord{}, fmt.Errorf("snapshot entry %s: %w", name, err)
		}
		vrep, err := s.registry.Validate(name, payload)
		if err != nil {
			return domain.CartRecord{}, fmt.Errorf("snapshot entry %s: %w", name, err)
		}
		if !vrep.Valid {
			return domain.CartRecord{}, fmt.Errorf("snapshot entry %s: %w", name, vrep.Err(name))
		}
		if name == domain.SchemaCart {
			var record domain.CartRecord
			if err := json.Unmarshal(payload, &record); err != nil {
				return domain.CartRecord{}, fmt.Errorf("snapshot entry %s: %w", name, err)
			}
			restored = &record
		}
		accepted[name] = string(raw)
	}

	names := make([]string, 0, len(accepted))
	for name := range accepted {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	prior := make(map[string]string)
	var written []string
	var importErr error
	for _, name := range names {
		old, existed, err := s.backend.Get(name)
		if err != nil {
			importErr = fmt.Errorf("import %s: %w", name, err)
			break
		}
		if existed {
			prior[name] = old
		}
		if err := s.backend.Set(name, accepted[name]); err != nil {
			importErr = fmt.Errorf("import %s: %w", name, err)
			break
		}
		written = append(written, name)
	}
	if importErr != nil {
		// Put the overwritten values back. That exact state was stored
		// moments ago, so barring a concurrent writer the rollback fits;
		// a rollback write failure is swallowed in favor of the import
		// error.
		for _, name := range written {
			if old, ok := prior[name]; ok {
				_ = s.backend.Set(name, old)
			} else {
				_ = s.backend.Remove(name)
			}
		}
		s.mu.Unlock()
		return domain.CartRecord{}, importErr
	}
	record := s.record
	if restored != nil {
		s.record = *restored
		record = *restored
	}
	s.mu.Unlock()

	if restored != nil {
		s.sync.BroadcastLocal(record.Clone(), accepted[domain.SchemaCart])
	}
	return record.Clone(), nil
}
