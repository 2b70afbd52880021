// Package cache provides response caching for SEngine routes with a TTL per entry and
// purge by tag. Entries live in a Store; MemoryStore and RedisStore are provided.
package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrNotFound is returned by Store.Get for missing or expired keys.
var ErrNotFound = errors.New("cache: entry not found")

// StoreError wraps a backend failure.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return "cache " + e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return "cache " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Entry is a stored response.
type Entry struct {
	Status   int         `msgpack:"s"`
	Header   http.Header `msgpack:"h"`
	Body     []byte      `msgpack:"b"`
	Tags     []string    `msgpack:"t"`
	StoredAt time.Time   `msgpack:"at"`
}

// Store persists cache entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// InvalidateTags removes every entry carrying one of the tags and reports how many
	// were removed.
	InvalidateTags(ctx context.Context, tags ...string) (int, error)
}

const memoryShards = 16

type memoryItem struct {
	entry   *Entry
	expires time.Time
}

type memoryShard struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

// MemoryStore is an in-process Store split into shards by key hash.
type MemoryStore struct {
	shards [memoryShards]memoryShard
	clock  clock.Clock

	tagMu sync.Mutex
	tags  map[string]map[string]struct{} // tag -> keys
}

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	s := &MemoryStore{clock: c, tags: make(map[string]map[string]struct{})}
	for i := range s.shards {
		s.shards[i].items = make(map[string]memoryItem)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%memoryShards]
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	sh := s.shard(key)
	sh.mu.RLock()
	item, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !s.clock.Now().Before(item.expires) {
		sh.mu.Lock()
		cur, ok := sh.items[key]
		expired := ok && cur.expires.Equal(item.expires)
		if expired {
			delete(sh.items, key)
		}
		sh.mu.Unlock()
		if expired {
			s.untag(key, item.entry.Tags)
		}
		return nil, ErrNotFound
	}
	return item.entry, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	old, replaced := sh.items[key]
	sh.items[key] = memoryItem{entry: e, expires: s.clock.Now().Add(ttl)}
	sh.mu.Unlock()

	if len(e.Tags) > 0 {
		s.tagMu.Lock()
		for _, tag := range e.Tags {
			keys, ok := s.tags[tag]
			if !ok {
				keys = make(map[string]struct{})
				s.tags[tag] = keys
			}
			keys[key] = struct{}{}
		}
		s.tagMu.Unlock()
	}
	if replaced {
		s.untag(key, old.entry.Tags)
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	item, ok := sh.items[key]
	delete(sh.items, key)
	sh.mu.Unlock()
	if ok {
		s.untag(key, item.entry.Tags)
	}
	return nil
}

// untag drops key from the tag sets in tags that its current entry, if any, no longer
// carries. Empty sets are removed.
func (s *MemoryStore) untag(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	sh := s.shard(key)
	sh.mu.RLock()
	cur, live := sh.items[key]
	sh.mu.RUnlock()
	for _, tag := range tags {
		if live && slices.Contains(cur.entry.Tags, tag) {
			continue
		}
		if keys, ok := s.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.tags, tag)
			}
		}
	}
}

// tagged returns how many keys are indexed under tag.
func (s *MemoryStore) tagged(tag string) int {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	return len(s.tags[tag])
}

// InvalidateTags implements Store.
func (s *MemoryStore) InvalidateTags(ctx context.Context, tags ...string) (int, error) {
	s.tagMu.Lock()
	keys := make(map[string]struct{})
	for _, tag := range tags {
		for key := range s.tags[tag] {
			keys[key] = struct{}{}
		}
		delete(s.tags, tag)
	}
	s.tagMu.Unlock()

	removed := 0
	for key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		item, ok := sh.items[key]
		if ok {
			delete(sh.items, key)
			removed++
		}
		sh.mu.Unlock()
		if ok {
			s.untag(key, item.entry.Tags)
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		n += len(s.shards[i].items)
		s.shards[i].mu.RUnlock()
	}
	return n
}

// Sweep removes expired entries and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()
	dropped := make(map[string][]string)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, item := range sh.items {
			if !now.Before(item.expires) {
				delete(sh.items, key)
				dropped[key] = item.entry.Tags
			}
		}
		sh.mu.Unlock()
	}
	for key, tags := range dropped {
		s.untag(key, tags)
	}
	return len(dropped)
}
