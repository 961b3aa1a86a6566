// Package natskv implements the distributed dedup port on a NATS
// JetStream KeyValue bucket. Entry TTL is configured at bucket level.
package natskv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Deduper wraps a NATS JetStream KeyValue store for set-if-absent dedup
// tokens such as update:{update_id} and webhook:{item}:{type}:{hash}.
type Deduper struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed deduper.
func New(kv jetstream.KeyValue) *Deduper {
	return &Deduper{kv: kv}
}

// SetIfAbsent stores the key only when it does not exist yet.
// Returns false when the key was already present (duplicate delivery).
func (d *Deduper) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	_, err := d.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get retrieves a value from the KV store.
func (d *Deduper) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := d.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value unconditionally. TTL is managed at bucket level.
func (d *Deduper) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := d.kv.Put(ctx, key, value)
	return err
}

// Delete removes a value from the KV store.
func (d *Deduper) Delete(ctx context.Context, key string) error {
	err := d.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
