package kv

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements Store with process-local maps. Publish is a no-op:
// without Redis there is no cross-process invalidation, and the subscriber
// channel in the same process sees writes directly through the cache layer.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memEntry
	hashes map[string]map[string]string

	subMu sync.Mutex
	subs  map[string][]chan string
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memEntry),
		hashes: make(map[string]map[string]string),
		subs:   make(map[string][]chan string),
	}
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	e, ok := s.values[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.values[key] = memEntry{value: value, expiresAt: exp}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.hashes, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HIncr(_ context.Context, key, field string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	n, _ := strconv.ParseInt(h[field], 10, 64)
	n++
	h[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(0)
	if e, ok := s.values[key]; ok && !e.expired(time.Now()) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	s.values[key] = memEntry{value: strconv.FormatInt(n, 10)}
	return n, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.values {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range s.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Publish delivers only to subscribers in this process.
func (s *MemoryStore) Publish(_ context.Context, channel, msg string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	ch := make(chan string, 64)
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subs[channel]
		for i, c := range subs {
			if c == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
