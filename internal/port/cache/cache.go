// Package cache defines the port interfaces for caching and dedup.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Deduper is the port interface for distributed duplicate suppression.
// Absence of an entry never causes an incorrect action, only an
// opportunity for re-delivery dedup.
type Deduper interface {
	// SetIfAbsent stores the key only when it does not exist yet and
	// reports whether this call created it.
	SetIfAbsent(ctx context.Context, key string, value []byte) (created bool, err error)
}
