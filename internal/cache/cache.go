package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cardpricer/internal/pricing"
)

// Entry wraps a PriceRecord held in memory. State is never stored; callers
// reclassify against the staleness policy on every read.
type Entry struct {
	Record         pricing.PriceRecord
	LastAccessedAt time.Time
}

// flight is the shared result of one in-flight refresh. Every caller that
// joins the flight observes the same record/err pair once done is closed.
type flight struct {
	done chan struct{}
	rec  *pricing.PriceRecord
	err  error
}

// Cache is a bounded LRU view over the persistent store, plus the per-key
// refresh slots that guarantee at most one concurrent fetch per key.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *Entry]
	inflight map[string]*flight

	hits            atomic.Int64
	misses          atomic.Int64
	evictions       atomic.Int64
	coalescedWaits  atomic.Int64
	failedRefreshes atomic.Int64
}

// New builds a cache bounded to capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: cache capacity must be positive", pricing.ErrConfiguration)
	}

	c := &Cache{inflight: make(map[string]*flight)}
	entries, err := lru.NewWithEvict(capacity, func(string, *Entry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Get returns the cached entry for key, bumping its recency. Lookup only;
// staleness handling is the orchestrator's job.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	e.LastAccessedAt = time.Now().UTC()
	c.hits.Add(1)
	return *e, true
}

// Put inserts or overwrites the record for its key. Older records never
// replace newer ones, so a late arrival from a slow refresh is dropped.
// Inserting past capacity evicts the least recently accessed entry.
func (c *Cache) Put(rec pricing.PriceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(rec)
}

// UpdateIfPresent applies Put only when the key is already cached, without
// disturbing recency for absent keys. The sync scheduler uses this so a
// proactive refresh never forces cold keys into the working set.
func (c *Cache) UpdateIfPresent(rec pricing.PriceRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.entries.Contains(rec.ItemKey) {
		return false
	}
	c.put(rec)
	return true
}

func (c *Cache) put(rec pricing.PriceRecord) {
	if cur, ok := c.entries.Peek(rec.ItemKey); ok {
		if !rec.NewerThan(cur.Record) {
			return
		}
		cur.Record = rec
		c.entries.Add(rec.ItemKey, cur)
		return
	}
	c.entries.Add(rec.ItemKey, &Entry{Record: rec, LastAccessedAt: time.Now().UTC()})
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// RefreshSlot is the exclusive right to refresh one key. Whoever holds it
// must call Release exactly once.
type RefreshSlot struct {
	cache   *Cache
	key     string
	f       *flight
	release sync.Once
}

// Key returns the item key the slot was acquired for.
func (s *RefreshSlot) Key() string { return s.key }

// AcquireRefreshSlot attempts to claim the refresh slot for key. It returns
// (nil, false) when another refresh is already in flight; the caller must not
// issue a duplicate fetch and may instead Await the existing one.
func (c *Cache) AcquireRefreshSlot(key string) (*RefreshSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.inflight[key]; exists {
		return nil, false
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	return &RefreshSlot{cache: c, key: key, f: f}, true
}

// Release completes the refresh. On success the record is written to the
// cache (subject to the monotonic-freshness rule) and handed to every waiter.
// On failure the existing cached value is left untouched.
func (s *RefreshSlot) Release(rec *pricing.PriceRecord, err error) {
	s.release.Do(func() {
		c := s.cache

		c.mu.Lock()
		if err == nil && rec != nil {
			c.put(*rec)
		}
		delete(c.inflight, s.key)
		c.mu.Unlock()

		if err != nil {
			c.failedRefreshes.Add(1)
		}
		s.f.rec = rec
		s.f.err = err
		close(s.f.done)
	})
}

// Await blocks until the in-flight refresh for key completes and returns its
// shared result. The boolean reports whether a refresh was in flight at all.
func (c *Cache) Await(ctx context.Context, key string) (*pricing.PriceRecord, error, bool) {
	c.mu.Lock()
	f, ok := c.inflight[key]
	c.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	c.coalescedWaits.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), true
	case <-f.done:
		return f.rec, f.err, true
	}
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Size            int   `json:"size"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Evictions       int64 `json:"evictions"`
	CoalescedWaits  int64 `json:"coalesced_waits"`
	FailedRefreshes int64 `json:"failed_refreshes"`
}

// Stats reports current counter values.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:            c.Len(),
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Evictions:       c.evictions.Load(),
		CoalescedWaits:  c.coalescedWaits.Load(),
		FailedRefreshes: c.failedRefreshes.Load(),
	}
}
