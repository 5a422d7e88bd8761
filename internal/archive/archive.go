// Package archive stores exported cart-state snapshots outside the live
// key/value backend. Snapshots are opaque JSON documents keyed by name;
// drivers cover local filesystem, S3-compatible object storage, and an
// in-memory store for tests.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Driver identifies an archive backend driver.
type Driver string

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem Driver = "fs"
	// DriverS3 is the S3-compatible driver.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory test driver.
	DriverMemory Driver = "memory"
)

// ErrNotFound indicates the requested snapshot does not exist.
var ErrNotFound = errors.New("archive: snapshot not found")

// Info describes stored snapshot metadata.
type Info struct {
	Key       string
	Size      int64
	WrittenAt time.Time
}

// Store is the interface for snapshot archive backends. Put overwrites:
// re-exporting under an existing key replaces the previous snapshot.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (Info, error)
	Get(ctx context.Context, key string) ([]byte, Info, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	Driver() Driver
}

// Open selects a Store implementation using environment variables.
//
//	CARTCORE_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	CARTCORE_ARCHIVE_FS_ROOT: directory root when driver=fs (default ./archivedata)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("CARTCORE_ARCHIVE_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := os.Getenv("CARTCORE_ARCHIVE_FS_ROOT")
		return NewFilesystem(root)
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}
