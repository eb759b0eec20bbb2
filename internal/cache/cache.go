// Package cache implements the Bitmap Cache: an in-memory, byte-budgeted
// LRU of decoded bitmaps keyed by (workspace, tag_id, version), with
// single-flight coalescing of concurrent misses.
//
// Concurrent callers racing the same miss share one load through a
// singleflight.Group. The eviction structure is hashicorp/golang-lru/v2,
// wrapped to turn its entry-count eviction into a byte-budgeted one via
// its evict callback.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader fetches a bitmap from the durable store on a cache miss.
type Loader interface {
	Get(ctx context.Context, w string, tagID uint32) (bitmap *roaring.Bitmap, version, cardinality uint64, err error)
}

type key struct {
	workspace string
	tagID     uint32
	version   uint64
}

type entry struct {
	bitmap      *roaring.Bitmap
	version     uint64
	cardinality uint64
	bytes       int64
}

// Stats reports cumulative Bitmap Cache activity, surfaced via
// introspect()'s cache_stats.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	MemoryUsed int64
}

type pair struct {
	workspace string
	tagID     uint32
}

// Cache is the concurrent-safe Bitmap Cache.
type Cache struct {
	loader Loader
	log    *zap.Logger

	budgetBytes int64
	usedBytes   int64

	lru *lru.Cache[key, *entry]
	sf  singleflight.Group

	mu     sync.Mutex
	latest map[pair]uint64 // most recently cached version per (workspace, tag)

	hits, misses, evictions uint64
}

// New creates a Cache backed by loader, evicting least-recently-used
// entries once the decoded-bitmap byte budget is exceeded.
func New(loader Loader, budgetBytes int64, log *zap.Logger) *Cache {
	c := &Cache{loader: loader, budgetBytes: budgetBytes, log: log.Named("bitmap_cache"), latest: make(map[pair]uint64)}
	// A very large entry-count cap: eviction is actually driven by the
	// byte budget below, via RemoveOldest calls after every Add.
	l, err := lru.NewWithEvict[key, *entry](1<<20, func(_ key, v *entry) {
		atomic.AddInt64(&c.usedBytes, -v.bytes)
		atomic.AddUint64(&c.evictions, 1)
	})
	if err != nil {
		// Only fails for a non-positive size, which 1<<20 never is.
		panic(err)
	}
	c.lru = l
	return c
}

// Get returns the decoded bitmap for (W, tagID), its version, and its
// cardinality, loading and caching it on a miss. Concurrent misses for the
// same (W, tagID) are coalesced into a single Store fetch.
func (c *Cache) Get(ctx context.Context, w string, tagID uint32) (*roaring.Bitmap, uint64, uint64, error) {
	if e, ok := c.lookup(w, tagID); ok {
		atomic.AddUint64(&c.hits, 1)
		return e.bitmap, e.version, e.cardinality, nil
	}
	atomic.AddUint64(&c.misses, 1)

	sfKey := fmt.Sprintf("%s/%d", w, tagID)
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		// A coalesced waiter may arrive after the leader populated the
		// entry; re-check before hitting the store.
		if e, ok := c.lookup(w, tagID); ok {
			return e, nil
		}
		bitmap, version, cardinality, err := c.loader.Get(ctx, w, tagID)
		if err != nil {
			return nil, err
		}
		k := key{workspace: w, tagID: tagID, version: version}
		e := &entry{bitmap: bitmap, version: version, cardinality: cardinality, bytes: int64(bitmap.GetSizeInBytes())}
		c.insert(k, e)
		return e, nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	e := v.(*entry)
	return e.bitmap, e.version, e.cardinality, nil
}

// lookup probes the resident entry for (W, tagID) at its most recently
// cached version.
func (c *Cache) lookup(w string, tagID uint32) (*entry, bool) {
	c.mu.Lock()
	version, ok := c.latest[pair{workspace: w, tagID: tagID}]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.lru.Get(key{workspace: w, tagID: tagID, version: version})
}

func (c *Cache) insert(k key, e *entry) {
	// Drop any stale version of this key first: a superseded version must
	// not linger and inflate the byte budget.
	c.dropVersions(k.workspace, k.tagID)
	c.mu.Lock()
	c.latest[pair{workspace: k.workspace, tagID: k.tagID}] = k.version
	c.mu.Unlock()
	c.lru.Add(k, e)
	atomic.AddInt64(&c.usedBytes, e.bytes)
	for atomic.LoadInt64(&c.usedBytes) > c.budgetBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

func (c *Cache) dropVersions(w string, tagID uint32) {
	for _, k := range c.lru.Keys() {
		if k.workspace == w && k.tagID == tagID {
			c.lru.Remove(k)
		}
	}
}

// Invalidate drops every cached version of (W, tagID), called by the
// Writer immediately after a successful commit touching tagID.
func (c *Cache) Invalidate(w string, tagID uint32) {
	c.mu.Lock()
	delete(c.latest, pair{workspace: w, tagID: tagID})
	c.mu.Unlock()
	c.dropVersions(w, tagID)
}

// InvalidateWorkspace drops every cached entry for W, used by purge.
func (c *Cache) InvalidateWorkspace(w string) {
	c.mu.Lock()
	for p := range c.latest {
		if p.workspace == w {
			delete(c.latest, p)
		}
	}
	c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if k.workspace == w {
			c.lru.Remove(k)
		}
	}
}

// Stats reports cumulative hit/miss/eviction/memory counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       atomic.LoadUint64(&c.hits),
		Misses:     atomic.LoadUint64(&c.misses),
		Evictions:  atomic.LoadUint64(&c.evictions),
		MemoryUsed: atomic.LoadInt64(&c.usedBytes),
	}
}
