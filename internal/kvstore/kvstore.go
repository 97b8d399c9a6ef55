// Package kvstore provides the key-value persistence the firewall uses for
// rate-limit counters, the agent blacklist, the loop-detection message
// window, and the threat-intel bad-ip/bad-domain sets.
package kvstore

import (
	"context"
	"time"
)

// Store is the key-value surface the firewall components depend on. It is
// implemented by Redis in production (see NewRedisStore) and by an
// in-memory fake in tests (see NewMemoryStore) so that rate-limit and
// loop-detection behavior can be exercised without a live Redis.
type Store interface {
	// Incr atomically increments the integer stored at key, arming ttl on
	// the key's first increment only, and returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Exists reports whether key is currently set.
	Exists(ctx context.Context, key string) (bool, error)

	// Set stores value at key with the given ttl (0 means no expiry).
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// PushFront prepends value to the list at key, trims the list to
	// maxLen entries, re-arms ttl, and returns the full (post-trim) list.
	PushFront(ctx context.Context, key string, value string, maxLen int, ttl time.Duration) ([]string, error)

	// SetMember reports whether value is a member of the set at key.
	SetMember(ctx context.Context, key, value string) (bool, error)

	// SetAdd adds value to the set at key.
	SetAdd(ctx context.Context, key, value string) error

	// Close releases any underlying connection resources.
	Close() error
}
