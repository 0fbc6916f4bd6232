// Package cache fronts the vector store for hot memory reads and recent
// search results. Entries live in the key-value store plus a small in-process
// shard; writes publish invalidation events so other processes evict their
// local copies. Cache failures never surface to callers: a broken cache is
// just a miss, the vector store stays authoritative.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/metrics"
	"github.com/kairosdev/kairos/internal/types"
)

// Channel carries invalidation events between processes.
const Channel = "cache:invalidation"

// SearchTTL bounds the life of cached search responses.
const SearchTTL = 5 * time.Minute

// Invalidation is one event on the invalidation channel.
type Invalidation struct {
	Type  string `json:"type"` // memory | search
	Space string `json:"space"`
	UUID  string `json:"uuid,omitempty"`
}

// Cache is the two-level memory/search cache.
type Cache struct {
	store  kv.Store
	prefix string

	mu    sync.RWMutex
	local map[string]string

	cancelSub func()
}

// New creates the cache and subscribes to remote invalidations.
func New(store kv.Store, prefix string) *Cache {
	c := &Cache{
		store:  store,
		prefix: prefix,
		local:  make(map[string]string),
	}
	ch, cancel, err := store.Subscribe(context.Background(), prefix+Channel)
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("invalidation subscribe failed, running without remote eviction: %v", err)
		return c
	}
	c.cancelSub = cancel
	go c.listen(ch)
	return c
}

// Close stops the invalidation subscriber.
func (c *Cache) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
	}
}

func (c *Cache) listen(ch <-chan string) {
	log := logging.Get(logging.CategoryCache)
	for raw := range ch {
		var inv Invalidation
		if err := json.Unmarshal([]byte(raw), &inv); err != nil {
			log.Warn("bad invalidation message: %v", err)
			continue
		}
		c.evictLocal(inv)
	}
}

func (c *Cache) evictLocal(inv Invalidation) {
	ns := kv.NewNamespace(c.store, c.prefix, inv.Space)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch inv.Type {
	case "memory":
		delete(c.local, ns.Key(memKey(inv.UUID)))
	case "search":
		searchPrefix := ns.Key("search:")
		for k := range c.local {
			if strings.HasPrefix(k, searchPrefix) {
				delete(c.local, k)
			}
		}
	}
}

func memKey(uuid string) string { return "mem:" + uuid }

// SearchKey builds the cache key for one search request.
func SearchKey(collapse bool, query string, limit int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return fmt.Sprintf("search:%t:%s:%d", collapse, normalized, limit)
}

func (c *Cache) ns(space string) *kv.Namespace {
	return kv.NewNamespace(c.store, c.prefix, space)
}

// GetMemory returns a cached memory, or nil on miss. A corrupted entry is
// deleted and treated as a miss.
func (c *Cache) GetMemory(ctx context.Context, space, uuid string) *types.Memory {
	ns := c.ns(space)
	full := ns.Key(memKey(uuid))

	c.mu.RLock()
	raw, ok := c.local[full]
	c.mu.RUnlock()

	if !ok {
		var err error
		raw, ok, err = ns.Get(ctx, memKey(uuid))
		if err != nil || !ok {
			metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()
			return nil
		}
	}

	var m types.Memory
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		logging.Get(logging.CategoryCache).Warn("corrupted memory cache entry %s, dropping: %v", uuid, err)
		c.InvalidateMemory(ctx, space, uuid)
		metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()
		return nil
	}
	metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()

	c.mu.Lock()
	c.local[full] = raw
	c.mu.Unlock()
	return &m
}

// SetMemory caches a memory record (no TTL; lives until invalidated).
func (c *Cache) SetMemory(ctx context.Context, space string, m *types.Memory) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	ns := c.ns(space)
	if err := ns.Set(ctx, memKey(m.UUID), string(data), 0); err != nil {
		logging.Get(logging.CategoryCache).Warn("memory cache write failed: %v", err)
	}
	c.mu.Lock()
	c.local[ns.Key(memKey(m.UUID))] = string(data)
	c.mu.Unlock()
}

// GetSearch returns a cached search response, or nil on miss.
func (c *Cache) GetSearch(ctx context.Context, space, key string) *types.ChoiceResponse {
	ns := c.ns(space)
	raw, ok, err := ns.Get(ctx, key)
	if err != nil || !ok {
		metrics.CacheLookups.WithLabelValues("search", "miss").Inc()
		return nil
	}
	var resp types.ChoiceResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		logging.Get(logging.CategoryCache).Warn("corrupted search cache entry, dropping: %v", err)
		_ = ns.Del(ctx, key)
		metrics.CacheLookups.WithLabelValues("search", "miss").Inc()
		return nil
	}
	metrics.CacheLookups.WithLabelValues("search", "hit").Inc()
	return &resp
}

// SetSearch caches a search response with TTL.
func (c *Cache) SetSearch(ctx context.Context, space, key string, resp *types.ChoiceResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.ns(space).Set(ctx, key, string(data), SearchTTL); err != nil {
		logging.Get(logging.CategoryCache).Warn("search cache write failed: %v", err)
	}
}

// InvalidateMemory evicts one memory and publishes the eviction.
func (c *Cache) InvalidateMemory(ctx context.Context, space, uuid string) {
	ns := c.ns(space)
	if err := ns.Del(ctx, memKey(uuid)); err != nil {
		logging.Get(logging.CategoryCache).Warn("memory invalidation failed: %v", err)
	}
	c.mu.Lock()
	delete(c.local, ns.Key(memKey(uuid)))
	c.mu.Unlock()
	c.publish(ctx, Invalidation{Type: "memory", Space: space, UUID: uuid})
}

// InvalidateSearch evicts all search entries in a space. The set of queries
// touching a given memory is not cheaply trackable, so any write invalidates
// search wholesale for its space.
func (c *Cache) InvalidateSearch(ctx context.Context, space string) {
	ns := c.ns(space)
	keys, err := ns.Keys(ctx, "search:*")
	if err == nil && len(keys) > 0 {
		if err := ns.Del(ctx, keys...); err != nil {
			logging.Get(logging.CategoryCache).Warn("search invalidation failed: %v", err)
		}
	}
	c.mu.Lock()
	searchPrefix := ns.Key("search:")
	for k := range c.local {
		if strings.HasPrefix(k, searchPrefix) {
			delete(c.local, k)
		}
	}
	c.mu.Unlock()
	c.publish(ctx, Invalidation{Type: "search", Space: space})
}

// InvalidateWrite is the write-path hook: evicts the touched memories and the
// whole search cache of the space.
func (c *Cache) InvalidateWrite(ctx context.Context, space string, uuids ...string) {
	for _, id := range uuids {
		c.InvalidateMemory(ctx, space, id)
	}
	c.InvalidateSearch(ctx, space)
}

func (c *Cache) publish(ctx context.Context, inv Invalidation) {
	data, err := json.Marshal(inv)
	if err != nil {
		return
	}
	if err := c.store.Publish(ctx, c.prefix+Channel, string(data)); err != nil {
		logging.Get(logging.CategoryCache).Warn("invalidation publish failed: %v", err)
	}
}
