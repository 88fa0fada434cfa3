// Package backend defines the key-value primitives the cache is built on and
// provides Redis, in-memory and circuit-breaker implementations of them.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("backend: key not found")

// ErrWrongType is returned when a set operation targets a plain value or vice versa.
var ErrWrongType = errors.New("backend: operation against a key holding the wrong kind of value")

// Backend is a remote key-value store with native expiry and set membership.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key with the given expiry, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// AddToSet adds members to the set at key. The set's expiry becomes ttl
	// unless it already lives longer.
	AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error
	// Members returns the members of the set at key; a missing set is empty.
	Members(ctx context.Context, key string) ([]string, error)
	// Scan calls fn with batches of at most count keys matching the glob pattern.
	Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error
	// MemoryUsage estimates the bytes used by the store.
	MemoryUsage(ctx context.Context) (int64, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
