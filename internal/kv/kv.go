// Package kv provides the namespaced key-value capability behind the cache
// layer and the proof-of-work engine. Two implementations exist: Redis (with
// cross-process pub/sub) and in-memory (single process only). The vector
// store stays authoritative; callers treat kv reads as best-effort.
package kv

import (
	"context"
	"time"
)

// Store is the raw key-value capability set. Keys passed here are full keys;
// use Namespace to bind a prefix and space id.
type Store interface {
	// Get returns the value for key. The second return is false on miss.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes key with an optional TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// HGet reads one hash field.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	// HSet writes one hash field.
	HSet(ctx context.Context, key, field, value string) error
	// HGetAll returns all fields of a hash. Empty map on miss.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HIncr atomically increments an integer hash field and returns the new
	// value. Missing fields start at zero.
	HIncr(ctx context.Context, key, field string) (int64, error)

	// Incr atomically increments an integer key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Keys enumerates keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Publish sends msg on a channel. The in-memory implementation is a
	// no-op: there is no cross-process invalidation without Redis.
	Publish(ctx context.Context, channel, msg string) error
	// Subscribe delivers messages on channel until cancel is called.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// Namespace binds a Store to a global prefix and space id so callers only
// deal in logical keys. The resulting full key is prefix + spaceID + ":" + key.
type Namespace struct {
	store   Store
	prefix  string
	spaceID string
}

// NewNamespace creates a namespaced view of store for one tenant space.
func NewNamespace(store Store, prefix, spaceID string) *Namespace {
	return &Namespace{store: store, prefix: prefix, spaceID: spaceID}
}

// Key expands a logical key to its full namespaced form.
func (n *Namespace) Key(logical string) string {
	return n.prefix + n.spaceID + ":" + logical
}

// SpaceID returns the bound tenant space.
func (n *Namespace) SpaceID() string { return n.spaceID }

// Store returns the underlying raw store, for channel-level operations that
// are not space-scoped.
func (n *Namespace) Store() Store { return n.store }

func (n *Namespace) Get(ctx context.Context, key string) (string, bool, error) {
	return n.store.Get(ctx, n.Key(key))
}

func (n *Namespace) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return n.store.Set(ctx, n.Key(key), value, ttl)
}

func (n *Namespace) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = n.Key(k)
	}
	return n.store.Del(ctx, full...)
}

func (n *Namespace) HGet(ctx context.Context, key, field string) (string, bool, error) {
	return n.store.HGet(ctx, n.Key(key), field)
}

func (n *Namespace) HSet(ctx context.Context, key, field, value string) error {
	return n.store.HSet(ctx, n.Key(key), field, value)
}

func (n *Namespace) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return n.store.HGetAll(ctx, n.Key(key))
}

func (n *Namespace) HIncr(ctx context.Context, key, field string) (int64, error) {
	return n.store.HIncr(ctx, n.Key(key), field)
}

func (n *Namespace) Incr(ctx context.Context, key string) (int64, error) {
	return n.store.Incr(ctx, n.Key(key))
}

// Keys enumerates logical keys in this namespace matching pattern. Returned
// keys have the namespace prefix stripped.
func (n *Namespace) Keys(ctx context.Context, pattern string) ([]string, error) {
	full, err := n.store.Keys(ctx, n.Key(pattern))
	if err != nil {
		return nil, err
	}
	base := n.Key("")
	out := make([]string, 0, len(full))
	for _, k := range full {
		if len(k) >= len(base) {
			out = append(out, k[len(base):])
		}
	}
	return out, nil
}
