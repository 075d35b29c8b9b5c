// Package persist provides the optional durability tier of the object
// store: completed objects are spilled as opaque blobs keyed by their
// composite cache key, with an expiry after which the blob is useless.
// Providers must be safe for concurrent use.
package persist

import "time"

// Store is a persistent blob store for serialized cache objects.
type Store interface {
	// Put stores the blob under the key. A zero expiry means the blob
	// does not age out on its own.
	Put(key string, expires time.Time, blob []byte) error
	// Get returns the blob for the key. The boolean is false when the
	// key is absent or the blob has expired; expired blobs are removed.
	Get(key string) ([]byte, bool, error)
	// GetPrefix returns all non-expired blobs whose key starts with
	// prefix, keyed by their full key. Used to recover every variant
	// of a primary key in one pass.
	GetPrefix(prefix string) (map[string][]byte, error)
	// Delete removes the key if present.
	Delete(key string) error
	// DeletePrefix removes every key with the given prefix. Composite
	// cache keys share their primary-key prefix, so this is how a purge
	// drops all variants.
	DeletePrefix(prefix string) error
	// Keys calls cb for every stored key.
	Keys(cb func(key string)) error
	Close() error
}

func expired(expires time.Time, now time.Time) bool {
	return !expires.IsZero() && now.After(expires)
}
