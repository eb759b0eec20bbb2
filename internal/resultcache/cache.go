// Package resultcache implements the Result Cache: a fingerprint-keyed LRU
// of materialized ResultSets, invalidated the moment any tag it depends on
// is superseded, with single-flight coalescing of concurrent builds for the
// same fingerprint.
//
// A singleflight.Group wraps each build so concurrent callers racing the
// same fingerprint share one computation. The eviction structure is
// hashicorp/golang-lru/v2, generic over the cached value type so the
// planner's *ResultSet never has to leak into this package.
package resultcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type entry[T any] struct {
	value T
	tags  []uint32
}

// Cache is the concurrent-safe Result Cache, generic over the materialized
// value it stores (the planner's ResultSet).
type Cache[T any] struct {
	log *zap.Logger

	lru *lru.Cache[Fingerprint, entry[T]]
	sf  singleflight.Group

	mu       sync.Mutex
	tagIndex map[uint32]map[Fingerprint]struct{}

	hits, misses uint64
}

// New creates a Result Cache holding at most maxEntries fingerprints.
func New[T any](maxEntries int, log *zap.Logger) *Cache[T] {
	c := &Cache[T]{log: log.Named("result_cache"), tagIndex: make(map[uint32]map[Fingerprint]struct{})}
	l, err := lru.NewWithEvict[Fingerprint, entry[T]](maxEntries, func(fp Fingerprint, e entry[T]) {
		c.dropFromTagIndex(fp, e.tags)
	})
	if err != nil {
		// Only fails for a non-positive size; callers pass a configured
		// positive ENGINE_RESULT_CACHE_ENTRIES.
		panic(err)
	}
	c.lru = l
	return c
}

// Lookup returns the cached value for fingerprint, or ok=false on a miss.
func (c *Cache[T]) Lookup(fp Fingerprint) (T, bool) {
	e, ok := c.lru.Get(fp)
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// GetOrCompute returns the cached value for fp if present; otherwise it runs
// compute, with at most one concurrent build per fingerprint: a second
// caller racing the same miss awaits the first instead of recomputing.
// tags lists every tag_id the computed value depends on, so a later
// InvalidateTag(tagID) for any of them evicts this entry. The returned bool
// reports whether the value came from the cache.
func (c *Cache[T]) GetOrCompute(fp Fingerprint, tags []uint32, compute func() (T, error)) (T, bool, error) {
	if v, ok := c.Lookup(fp); ok {
		c.recordHit()
		return v, true, nil
	}

	v, err, _ := c.sf.Do(string(fp), func() (any, error) {
		if v, ok := c.Lookup(fp); ok {
			return entry[T]{value: v, tags: tags}, nil
		}
		val, err := compute()
		if err != nil {
			return entry[T]{}, err
		}
		c.store(fp, tags, val)
		return entry[T]{value: val, tags: tags}, nil
	})
	if err != nil {
		c.recordMiss()
		var zero T
		return zero, false, err
	}
	c.recordMiss()
	return v.(entry[T]).value, false, nil
}

func (c *Cache[T]) store(fp Fingerprint, tags []uint32, value T) {
	c.lru.Add(fp, entry[T]{value: value, tags: tags})
	c.mu.Lock()
	for _, t := range tags {
		set, ok := c.tagIndex[t]
		if !ok {
			set = make(map[Fingerprint]struct{})
			c.tagIndex[t] = set
		}
		set[fp] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Cache[T]) dropFromTagIndex(fp Fingerprint, tags []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		set, ok := c.tagIndex[t]
		if !ok {
			continue
		}
		delete(set, fp)
		if len(set) == 0 {
			delete(c.tagIndex, t)
		}
	}
}

// InvalidateTag removes every cached entry whose fingerprint depends on
// tagID, called by the Writer immediately after a commit touching it.
func (c *Cache[T]) InvalidateTag(tagID uint32) {
	c.mu.Lock()
	fps := make([]Fingerprint, 0, len(c.tagIndex[tagID]))
	for fp := range c.tagIndex[tagID] {
		fps = append(fps, fp)
	}
	c.mu.Unlock()

	for _, fp := range fps {
		c.lru.Remove(fp)
	}
}

// Purge drops every entry, used when a workspace's whole state is deleted.
func (c *Cache[T]) Purge() {
	c.lru.Purge()
	c.mu.Lock()
	c.tagIndex = make(map[uint32]map[Fingerprint]struct{})
	c.mu.Unlock()
}

// Stats reports cumulative hit/miss counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}

func (c *Cache[T]) recordHit()  { c.mu.Lock(); c.hits++; c.mu.Unlock() }
func (c *Cache[T]) recordMiss() { c.mu.Lock(); c.misses++; c.mu.Unlock() }
