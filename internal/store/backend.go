// Package store persists the discovered relay set between runs. A small
// byte-oriented Backend interface keeps the persistence choice (memory,
// Bolt file, Redis) out of the callers; RelaySetCache is the typed layer
// on top.
package store

import (
	"context"
	"time"
)

// Backend is the byte-level cache contract shared by all stores.
type Backend interface {
	// Get retrieves a value. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value. A non-positive ttl means keep indefinitely;
	// backends without native expiry may treat ttl as advisory.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// Close releases the backend's resources.
	Close() error
}
