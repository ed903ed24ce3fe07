// Package cursor implements the shared cursor store used to coordinate fetch cycles
// across worker processes.
//
// The store holds three kinds of keys on top of a small key-value abstraction:
// the per-channel last processed message id, per-message duplicate markers with a TTL,
// and the single global fetch lock. Backends exist for Redis, PostgreSQL, SQLite and memory.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable wraps any failure to reach the backing key-value store.
var ErrStoreUnavailable = errors.New("cursor store unavailable")

// KV is the set of atomic primitives the cursor store needs from a backend.
// A ttl of zero means the key never expires.
type KV interface {
	// Get returns the value and whether the key exists (and is not expired).
	Get(ctx context.Context, key string) (string, bool, error)
	// Set unconditionally stores value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent or expired. Reports whether it stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	// CompareAndDelete removes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// SetIfGreater stores value only if the current integer value is absent or smaller.
	SetIfGreater(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key. exists is false for absent keys;
	// a non-positive ttl on an existing key means it has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, exists bool, err error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Purger is implemented by backends that need explicit removal of expired keys.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Key layout shared with other tooling reading the same store
const (
	FetchLockKey       = "fetch_active"
	lastProcessedKey   = "last_processed:%s"
	processedMarkerKey = "processed_msg:%s:%d"
)

// LastProcessedKey returns the cursor key for a channel.
func LastProcessedKey(channelID string) string {
	return fmt.Sprintf(lastProcessedKey, channelID)
}

// ProcessedKey returns the duplicate marker key for a message.
func ProcessedKey(channelID string, messageID int64) string {
	return fmt.Sprintf(processedMarkerKey, channelID, messageID)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
