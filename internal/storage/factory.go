// Package storage selects a concrete key-value backend. Higher layers depend
// only on the domain.KeyValueStore interface; when the configured persistent
// medium cannot be opened the factory transparently substitutes an in-memory
// map with identical semantics, observable only through Persistent().
package storage

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"cartcore/internal/storage/file"
	"cartcore/internal/storage/memory"
	"cartcore/internal/storage/postgres"
	"cartcore/internal/storage/sqlite"
	"cartcore/pkg/domain"
)

// Driver identifies a concrete storage implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / fallback)
	DriverFile     Driver = "file"     // one JSON document per key
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Config holds backend selection and tuning.
type Config struct {
	Driver       Driver
	FileRoot     string
	SQLitePath   string
	PostgresDSN  string
	MaxBytes     int64
	PollInterval time.Duration
	// DisableFallback turns the transparent memory substitution into a hard
	// error, for callers that must not run volatile.
	DisableFallback bool
}

// FromEnv builds a Config from environment variables. Defaults to sqlite
// when unset.
//
//	CARTCORE_STORAGE_DRIVER: memory|file|sqlite|postgres (default sqlite)
//	CARTCORE_STORAGE_FILE_ROOT: directory when driver=file (default ./cartdata)
//	CARTCORE_SQLITE_PATH: sqlite file (default ./cartcore.db)
//	CARTCORE_POSTGRES_DSN: DSN when driver=postgres
//	CARTCORE_STORAGE_MAX_BYTES: byte budget, 0 = unbounded
//	CARTCORE_STORAGE_POLL_MS: watch poll interval for sql backends
func FromEnv() Config {
	cfg := Config{
		Driver:      Driver(os.Getenv("CARTCORE_STORAGE_DRIVER")),
		FileRoot:    os.Getenv("CARTCORE_STORAGE_FILE_ROOT"),
		SQLitePath:  os.Getenv("CARTCORE_SQLITE_PATH"),
		PostgresDSN: os.Getenv("CARTCORE_POSTGRES_DSN"),
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if raw := os.Getenv("CARTCORE_STORAGE_MAX_BYTES"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			cfg.MaxBytes = n
		}
	}
	if raw := os.Getenv("CARTCORE_STORAGE_POLL_MS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
	return cfg
}

// Open constructs the configured backend. Open failures on persistent
// drivers degrade to the in-memory fallback unless DisableFallback is set;
// an unknown driver is always an error.
func Open(cfg Config) (domain.KeyValueStore, error) {
	switch cfg.Driver {
	case DriverMemory:
		return memory.NewMedium(cfg.MaxBytes).Open(), nil
	case DriverFile:
		store, err := file.New(cfg.FileRoot, cfg.MaxBytes)
		if err != nil {
			return fallback(cfg, err)
		}
		return store, nil
	case DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath, cfg.MaxBytes, cfg.PollInterval)
		if err != nil {
			return fallback(cfg, err)
		}
		return store, nil
	case DriverPostgres:
		store, err := postgres.New(cfg.PostgresDSN, cfg.MaxBytes, cfg.PollInterval)
		if err != nil {
			return fallback(cfg, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

func fallback(cfg Config, cause error) (domain.KeyValueStore, error) {
	if cfg.DisableFallback {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, cause)
	}
	return memory.NewMedium(cfg.MaxBytes).Open(), nil
}
