package storage

import "context"

// KVStore is the durable key-value store behind endpoint health persistence.
// Callers treat failures as non-fatal.
type KVStore interface {
	// Get returns the value for key. Returns ErrNotFound if the key was never set.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
}
