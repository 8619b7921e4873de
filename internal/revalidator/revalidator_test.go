package revalidator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cardpricer/internal/cache"
	"cardpricer/internal/pricing"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]pricing.PriceRecord
	upserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]pricing.PriceRecord{}}
}

func (s *fakeStore) GetByKey(_ context.Context, key string) (*pricing.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (s *fakeStore) Upsert(_ context.Context, rec pricing.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.ItemKey]; !ok || rec.NewerThan(cur) {
		s.records[rec.ItemKey] = rec
	}
	s.upserts++
	return nil
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

type fakeFetcher struct {
	calls atomic.Int64
	fetch func(key string) (*pricing.PriceRecord, error)
}

func (f *fakeFetcher) FetchOne(_ context.Context, key string) (*pricing.PriceRecord, error) {
	f.calls.Add(1)
	if f.fetch != nil {
		return f.fetch(key)
	}
	rec := pricing.PriceRecord{ItemKey: key, Currency: "USD", FetchedAt: time.Now().UTC()}
	return &rec, nil
}

func testPolicy() pricing.StalenessPolicy {
	return pricing.StalenessPolicy{
		FreshFor:         2 * time.Hour,
		ExpireAfter:      12 * time.Hour,
		SpeedExpireAfter: 48 * time.Hour,
	}
}

func slotReusable(c *cache.Cache, key string) func() bool {
	return func() bool {
		slot, ok := c.AcquireRefreshSlot(key)
		if ok {
			slot.Release(nil, errors.New("probe"))
		}
		return ok
	}
}

func TestRefreshFetchesAndPersists(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFakeStore()
	fetcher := &fakeFetcher{}
	c, err := cache.New(8)
	require.NoError(t, err)

	r := New(store, fetcher, testPolicy(), Options{Workers: 1}, zerolog.Nop())
	r.Start(ctx)

	slot, ok := c.AcquireRefreshSlot("pkm-001")
	require.True(t, ok)
	require.True(t, r.Enqueue(slot))

	require.Eventually(t, slotReusable(c, "pkm-001"), time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), fetcher.calls.Load())
	require.Equal(t, 1, store.upsertCount())

	entry, ok := c.Get("pkm-001")
	require.True(t, ok, "refreshed record must land in the cache")
	require.Equal(t, "pkm-001", entry.Record.ItemKey)
}

func TestRefreshSkipsUpstreamWhenStoreIsFresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFakeStore()
	store.records["pkm-001"] = pricing.PriceRecord{
		ItemKey:   "pkm-001",
		Currency:  "USD",
		FetchedAt: time.Now().UTC().Add(-time.Minute),
	}
	fetcher := &fakeFetcher{}
	c, err := cache.New(8)
	require.NoError(t, err)

	r := New(store, fetcher, testPolicy(), Options{Workers: 1}, zerolog.Nop())
	r.Start(ctx)

	slot, ok := c.AcquireRefreshSlot("pkm-001")
	require.True(t, ok)
	r.Enqueue(slot)

	require.Eventually(t, slotReusable(c, "pkm-001"), time.Second, 5*time.Millisecond)
	require.Equal(t, int64(0), fetcher.calls.Load(), "a fresh store record must short-circuit the upstream call")
}

func TestRefreshFailureReleasesSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFakeStore()
	fetcher := &fakeFetcher{fetch: func(string) (*pricing.PriceRecord, error) {
		return nil, errors.New("provider down")
	}}
	c, err := cache.New(8)
	require.NoError(t, err)

	existing := pricing.PriceRecord{ItemKey: "pkm-001", FetchedAt: time.Now().Add(-3 * time.Hour)}
	c.Put(existing)

	r := New(store, fetcher, testPolicy(), Options{Workers: 1}, zerolog.Nop())
	r.Start(ctx)

	slot, ok := c.AcquireRefreshSlot("pkm-001")
	require.True(t, ok)
	r.Enqueue(slot)

	require.Eventually(t, slotReusable(c, "pkm-001"), time.Second, 5*time.Millisecond)

	entry, ok := c.Get("pkm-001")
	require.True(t, ok)
	require.Equal(t, existing.FetchedAt, entry.Record.FetchedAt, "failed refresh must not disturb the cached value")
}

func TestRefreshPanicIsContained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newFakeStore()
	fetcher := &fakeFetcher{fetch: func(string) (*pricing.PriceRecord, error) {
		panic("provider client bug")
	}}
	c, err := cache.New(8)
	require.NoError(t, err)

	r := New(store, fetcher, testPolicy(), Options{Workers: 1}, zerolog.Nop())
	r.Start(ctx)

	slot, ok := c.AcquireRefreshSlot("pkm-001")
	require.True(t, ok)
	r.Enqueue(slot)

	// The worker must survive the panic and keep serving the queue.
	require.Eventually(t, slotReusable(c, "pkm-001"), time.Second, 5*time.Millisecond)

	fetcher.fetch = nil
	slot, ok = c.AcquireRefreshSlot("pkm-002")
	require.True(t, ok)
	r.Enqueue(slot)
	require.Eventually(t, slotReusable(c, "pkm-002"), time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), fetcher.calls.Load())
}

func TestEnqueueFullQueueReleasesSlot(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{}
	c, err := cache.New(8)
	require.NoError(t, err)

	// Workers never started, so the single queue slot fills immediately.
	r := New(store, fetcher, testPolicy(), Options{Workers: 1, QueueSize: 1}, zerolog.Nop())

	first, ok := c.AcquireRefreshSlot("a")
	require.True(t, ok)
	require.True(t, r.Enqueue(first))

	second, ok := c.AcquireRefreshSlot("b")
	require.True(t, ok)
	require.False(t, r.Enqueue(second), "saturated queue must reject the task")

	_, ok = c.AcquireRefreshSlot("b")
	require.True(t, ok, "rejected task must have its slot released")
}
