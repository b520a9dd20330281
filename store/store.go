// Package store provides the narrow key-value interface the session risk
// engine depends on, with interchangeable in-memory and Redis backends
// selected at startup.
package store

import (
	"context"
	"time"
)

// Store is the key-value collaborator. Implementations must make IncrBy
// atomic so concurrent increments from one session never under-count.
type Store interface {
	// Get returns the value for key; found is false for missing or
	// expired keys.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes key with an optional TTL (zero means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrBy atomically adds n to the integer at key (creating it at n)
	// and returns the new value.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// Expire sets key's TTL. Missing keys are a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Del removes key.
	Del(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
