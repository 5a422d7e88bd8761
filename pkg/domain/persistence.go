package domain

import "context"

// KeyValueStore abstracts the flat string-keyed medium the store persists
// into. Every implementation classifies capacity exhaustion as QuotaError
// and reports whether writes survive a process restart.
type KeyValueStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
	// Persistent is false for the in-memory fallback substituted when the
	// configured medium is unavailable.
	Persistent() bool
	Driver() string
	Close() error
}

// ChangeEvent describes a write or removal observed on the medium. Origin
// identifies the handle that performed the write so subscribers can skip
// their own mutations.
type ChangeEvent struct {
	Key     string
	Value   string
	Removed bool
	Origin  string
}

// Watchable is implemented by backends that can notify about changes made
// through other handles of the same medium (the cross-tab path). The stop
// function cancels the subscription.
type Watchable interface {
	Watch(ctx context.Context, key string, fn func(ChangeEvent)) (stop func(), err error)
}

// Origin is implemented by backends that stamp their writes with a stable
// handle identity.
type Origin interface {
	OriginID() string
}
