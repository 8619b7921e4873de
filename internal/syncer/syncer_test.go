package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"cardpricer/internal/cache"
	"cardpricer/internal/pricing"
	"cardpricer/internal/storage"
	"cardpricer/internal/upstream"
)

type fakeSyncStore struct {
	mu      sync.Mutex
	records map[string]pricing.PriceRecord
	getErr  error
}

func newFakeSyncStore(recs ...pricing.PriceRecord) *fakeSyncStore {
	s := &fakeSyncStore{records: map[string]pricing.PriceRecord{}}
	for _, rec := range recs {
		s.records[rec.ItemKey] = rec
	}
	return s
}

func (s *fakeSyncStore) GetMostStaleAfter(_ context.Context, cur storage.Cursor, n int) ([]pricing.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}

	all := make([]pricing.PriceRecord, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].FetchedAt.Equal(all[j].FetchedAt) {
			return all[i].FetchedAt.Before(all[j].FetchedAt)
		}
		return all[i].ItemKey < all[j].ItemKey
	})

	out := make([]pricing.PriceRecord, 0, n)
	for _, rec := range all {
		if !cur.IsZero() {
			if rec.FetchedAt.Before(cur.FetchedAt) {
				continue
			}
			if rec.FetchedAt.Equal(cur.FetchedAt) && rec.ItemKey <= cur.ItemKey {
				continue
			}
		}
		out = append(out, rec)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func (s *fakeSyncStore) Upsert(_ context.Context, rec pricing.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.ItemKey]; !ok || rec.NewerThan(cur) {
		s.records[rec.ItemKey] = rec
	}
	return nil
}

func (s *fakeSyncStore) fetchedAt(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key].FetchedAt
}

type fakeBatchFetcher struct {
	mu      sync.Mutex
	batches [][]string
	errOnce error
	err     error
	fail    map[string]string
}

func (f *fakeBatchFetcher) FetchBatch(_ context.Context, keys []string) (map[string]pricing.PriceRecord, []upstream.FailedKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := append([]string(nil), keys...)
	f.batches = append(f.batches, batch)

	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, nil, err
	}
	if f.err != nil {
		return nil, nil, f.err
	}

	recs := make(map[string]pricing.PriceRecord, len(keys))
	var failed []upstream.FailedKey
	for _, key := range keys {
		if reason, ok := f.fail[key]; ok {
			failed = append(failed, upstream.FailedKey{Key: key, Reason: reason})
			continue
		}
		recs[key] = pricing.PriceRecord{
			ItemKey:   key,
			RawPrice:  decimal.NewNullDecimal(decimal.NewFromInt(40)),
			Currency:  "USD",
			FetchedAt: time.Now().UTC(),
		}
	}
	return recs, failed, nil
}

func (f *fakeBatchFetcher) BatchSize() int { return 10 }

func (f *fakeBatchFetcher) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func recordAged(key string, age time.Duration) pricing.PriceRecord {
	return pricing.PriceRecord{
		ItemKey:   key,
		RawPrice:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Currency:  "USD",
		FetchedAt: time.Now().UTC().Add(-age).Truncate(time.Millisecond),
	}
}

func newTestSyncer(t *testing.T, store Store, fetcher Fetcher, batchCount int) (*Syncer, *cache.Cache) {
	t.Helper()
	c, err := cache.New(64)
	require.NoError(t, err)
	s, err := New(store, fetcher, c, Options{Interval: time.Hour, BatchCount: batchCount}, zerolog.Nop())
	require.NoError(t, err)
	return s, c
}

func TestRunOnceRefreshesMostStaleFirst(t *testing.T) {
	store := newFakeSyncStore(
		recordAged("a", time.Hour),
		recordAged("b", 20*time.Hour),
		recordAged("c", 3*time.Hour),
		recordAged("d", 30*time.Hour),
		recordAged("e", 11*time.Hour),
	)
	before := map[string]time.Time{}
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		before[key] = store.fetchedAt(key)
	}

	fetcher := &fakeBatchFetcher{}
	s, _ := newTestSyncer(t, store, fetcher, 3)

	require.NoError(t, s.RunOnce(context.Background()))

	// The three most stale (30h, 20h, 11h) got refreshed.
	for _, key := range []string{"d", "b", "e"} {
		require.True(t, store.fetchedAt(key).After(before[key]), "key %q should have been refreshed", key)
	}
	// The fresher two were left alone.
	for _, key := range []string{"a", "c"} {
		require.Equal(t, before[key], store.fetchedAt(key), "key %q should not have been touched", key)
	}

	last := s.LastRun()
	require.Equal(t, StateIdle, last.Outcome)
	require.Equal(t, 3, last.Selected)
	require.Equal(t, 3, last.Refreshed)
	require.Zero(t, last.Failed)
	require.Equal(t, StateIdle, s.State())
}

func TestRunOnceCursorAdvancesAcrossRuns(t *testing.T) {
	store := newFakeSyncStore(
		recordAged("a", 30*time.Hour),
		recordAged("b", 20*time.Hour),
		recordAged("c", 11*time.Hour),
		recordAged("d", 3*time.Hour),
		recordAged("e", time.Hour),
	)
	// Whole-batch failures keep fetched_at unchanged, so the staleness order
	// is stable and cursor progression is observable across runs.
	fetcher := &fakeBatchFetcher{err: errors.New("provider down")}
	s, _ := newTestSyncer(t, store, fetcher, 2)

	require.NoError(t, s.RunOnce(context.Background()))
	require.NoError(t, s.RunOnce(context.Background()))

	calls := fetcher.calls()
	// Each run fetches its batch twice (initial attempt plus end-of-run retry).
	require.Len(t, calls, 4)
	require.Equal(t, []string{"a", "b"}, calls[0])
	require.Equal(t, []string{"a", "b"}, calls[1])
	require.Equal(t, []string{"c", "d"}, calls[2])
	require.Equal(t, []string{"c", "d"}, calls[3])
}

func TestRunOnceRetriesFailedBatchOnce(t *testing.T) {
	store := newFakeSyncStore(
		recordAged("a", 30*time.Hour),
		recordAged("b", 20*time.Hour),
	)
	fetcher := &fakeBatchFetcher{errOnce: errors.New("transient")}
	s, _ := newTestSyncer(t, store, fetcher, 5)

	require.NoError(t, s.RunOnce(context.Background()))

	last := s.LastRun()
	require.Equal(t, StateIdle, last.Outcome)
	require.Equal(t, 2, last.Refreshed)
	require.Zero(t, last.Failed)
	require.Len(t, fetcher.calls(), 2)
}

func TestRunOnceRateLimitedEndsRun(t *testing.T) {
	store := newFakeSyncStore(
		recordAged("a", 30*time.Hour),
		recordAged("b", 20*time.Hour),
	)
	fetcher := &fakeBatchFetcher{err: fmt.Errorf("%w: http 429", pricing.ErrRateLimited)}
	s, c := newTestSyncer(t, store, fetcher, 5)

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, pricing.ErrRateLimited)

	last := s.LastRun()
	require.Equal(t, StateFailed, last.Outcome)
	require.NotEmpty(t, last.Error)
	require.Equal(t, StateIdle, s.State(), "a failed run settles back to idle")
	require.Len(t, fetcher.calls(), 1, "rate limiting ends the run without the retry pass")

	// Slots were released on the way out.
	slot, ok := c.AcquireRefreshSlot("a")
	require.True(t, ok)
	slot.Release(nil, errors.New("probe"))
}

func TestRunOnceSkipsKeysWithHeldSlots(t *testing.T) {
	store := newFakeSyncStore(
		recordAged("a", 30*time.Hour),
		recordAged("b", 20*time.Hour),
	)
	beforeA := store.fetchedAt("a")

	fetcher := &fakeBatchFetcher{}
	s, c := newTestSyncer(t, store, fetcher, 5)

	// A read-triggered refresh already owns "a".
	slot, ok := c.AcquireRefreshSlot("a")
	require.True(t, ok)
	defer slot.Release(nil, errors.New("released by test"))

	require.NoError(t, s.RunOnce(context.Background()))

	last := s.LastRun()
	require.Equal(t, 1, last.Skipped)
	require.Equal(t, 1, last.Refreshed)
	require.Equal(t, beforeA, store.fetchedAt("a"), "a held key is left to its owner")

	calls := fetcher.calls()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"b"}, calls[0])
}

func TestRunOncePartialFailureIsolated(t *testing.T) {
	store := newFakeSyncStore(
		recordAged("a", 30*time.Hour),
		recordAged("b", 20*time.Hour),
		recordAged("c", 11*time.Hour),
	)
	fetcher := &fakeBatchFetcher{fail: map[string]string{"b": "provider_error"}}
	s, c := newTestSyncer(t, store, fetcher, 5)

	require.NoError(t, s.RunOnce(context.Background()))

	last := s.LastRun()
	require.Equal(t, StateIdle, last.Outcome)
	require.Equal(t, 2, last.Refreshed)
	require.Equal(t, 1, last.Failed)

	// The failed key's slot is free again.
	slot, ok := c.AcquireRefreshSlot("b")
	require.True(t, ok)
	slot.Release(nil, errors.New("probe"))
}

func TestRunOnceUpdatesCachedEntries(t *testing.T) {
	stale := recordAged("a", 30*time.Hour)
	store := newFakeSyncStore(stale)

	fetcher := &fakeBatchFetcher{}
	s, c := newTestSyncer(t, store, fetcher, 5)
	c.Put(stale)

	require.NoError(t, s.RunOnce(context.Background()))

	entry, ok := c.Get("a")
	require.True(t, ok)
	require.True(t, entry.Record.FetchedAt.After(stale.FetchedAt), "a cached copy is refreshed in place")
}

func TestRunOnceEmptyStore(t *testing.T) {
	store := newFakeSyncStore()
	fetcher := &fakeBatchFetcher{}
	s, _ := newTestSyncer(t, store, fetcher, 5)

	require.NoError(t, s.RunOnce(context.Background()))

	last := s.LastRun()
	require.Equal(t, StateIdle, last.Outcome)
	require.Zero(t, last.Selected)
	require.Empty(t, fetcher.calls())
}

func TestRunLoopSurvivesFailedRuns(t *testing.T) {
	store := newFakeSyncStore(recordAged("a", 30*time.Hour))
	store.getErr = errors.New("db down")

	fetcher := &fakeBatchFetcher{}
	c, err := cache.New(64)
	require.NoError(t, err)
	s, err := New(store, fetcher, c, Options{Interval: 10 * time.Millisecond, BatchCount: 5}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return s.LastRun().Outcome == StateFailed
	}, time.Second, time.Millisecond)

	store.mu.Lock()
	store.getErr = nil
	store.mu.Unlock()

	require.Eventually(t, func() bool {
		last := s.LastRun()
		return last.Outcome == StateIdle && last.Refreshed == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
