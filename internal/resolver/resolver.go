package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cardpricer/internal/cache"
	"cardpricer/internal/pricing"
	"cardpricer/internal/revalidator"
	"cardpricer/internal/upstream"
)

// Store is the read/write slice of the persistent store the resolver needs.
type Store interface {
	GetByKey(ctx context.Context, key string) (*pricing.PriceRecord, error)
	GetByKeys(ctx context.Context, keys []string) (map[string]pricing.PriceRecord, error)
	Upsert(ctx context.Context, rec pricing.PriceRecord) error
}

// Fetcher is the slice of the upstream client the resolver drives.
type Fetcher interface {
	FetchOne(ctx context.Context, key string) (*pricing.PriceRecord, error)
	FetchBatch(ctx context.Context, keys []string) (map[string]pricing.PriceRecord, []upstream.FailedKey, error)
	BatchSize() int
}

// Timeouts bound how long a resolution may block per priority mode.
type Timeouts struct {
	Speed     time.Duration
	Balanced  time.Duration
	Freshness time.Duration
}

// DefaultTimeouts suit list views (speed), detail views (balanced), and
// checkout-style flows (freshness).
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Speed:     100 * time.Millisecond,
		Balanced:  2 * time.Second,
		Freshness: 5 * time.Second,
	}
}

// Orchestrator is the public entry point of the pricing subsystem. It routes
// each resolution through cache, store, and upstream according to the
// caller's priority mode, and never reports "price unknown" as an error.
type Orchestrator struct {
	cache    *cache.Cache
	store    Store
	fetcher  Fetcher
	reval    *revalidator.Revalidator
	policy   pricing.StalenessPolicy
	timeouts Timeouts
	logger   zerolog.Logger
}

// New constructs the orchestrator. Policy and timeout misconfiguration is
// rejected here, up front, rather than surfacing per request.
func New(priceCache *cache.Cache, store Store, fetcher Fetcher, reval *revalidator.Revalidator, policy pricing.StalenessPolicy, timeouts Timeouts, logger zerolog.Logger) (*Orchestrator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if timeouts.Speed <= 0 || timeouts.Balanced <= 0 || timeouts.Freshness <= 0 {
		return nil, fmt.Errorf("%w: per-priority timeouts must be positive", pricing.ErrConfiguration)
	}
	return &Orchestrator{
		cache:    priceCache,
		store:    store,
		fetcher:  fetcher,
		reval:    reval,
		policy:   policy,
		timeouts: timeouts,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// Resolve answers "what is this item worth right now" for one key. The only
// errors it returns are configuration problems (an out-of-range priority);
// every data-availability condition comes back as state on the result.
func (o *Orchestrator) Resolve(ctx context.Context, key string, priority pricing.Priority) (pricing.PriceResult, error) {
	timeout, err := o.timeout(priority)
	if err != nil {
		return pricing.Unavailable(), err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if entry, ok := o.cache.Get(key); ok {
		state := o.policy.ClassifyRecord(entry.Record, time.Now().UTC(), priority)
		return o.serveKnown(ctx, entry.Record, state, pricing.TierCache, priority), nil
	}

	stored, storeErr := o.store.GetByKey(ctx, key)
	if storeErr != nil {
		// Degraded mode: the cache already missed and the store is down,
		// so nothing local can answer. Data unavailability, not an error.
		o.logger.Error().Err(storeErr).Str("item_key", key).Msg("store unavailable; serving degraded")
		return pricing.Unavailable(), nil
	}

	if stored != nil {
		o.cache.Put(*stored)
		state := o.policy.ClassifyRecord(*stored, time.Now().UTC(), priority)
		return o.serveKnown(ctx, *stored, state, pricing.TierStore, priority), nil
	}

	// Truly unknown item. Speed mode never waits on the network.
	if priority == pricing.PrioritySpeed {
		return pricing.Unavailable(), nil
	}
	return o.refreshSync(ctx, key, nil, pricing.TierNone, priority), nil
}

// ResolveMany resolves a set of keys, batching store and upstream lookups
// while preserving the per-key coalescing semantics of Resolve.
func (o *Orchestrator) ResolveMany(ctx context.Context, keys []string, priority pricing.Priority) (map[string]pricing.PriceResult, error) {
	timeout, err := o.timeout(priority)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now().UTC()
	results := make(map[string]pricing.PriceResult, len(keys))
	// fallbacks holds the best locally known record for keys that still need
	// a synchronous refresh under freshness mode.
	fallbacks := make(map[string]*pricing.PriceRecord)
	var needStore, needUpstream []string

	for _, key := range keys {
		if _, seen := results[key]; seen || contains(needStore, key) || contains(needUpstream, key) {
			continue
		}
		entry, ok := o.cache.Get(key)
		if !ok {
			needStore = append(needStore, key)
			continue
		}
		rec := entry.Record
		state := o.policy.ClassifyRecord(rec, now, priority)
		if priority == pricing.PriorityFreshness && state != pricing.StateFresh {
			local := rec
			fallbacks[key] = &local
			needUpstream = append(needUpstream, key)
			continue
		}
		results[key] = o.serveLocal(rec, state, pricing.TierCache)
	}

	if len(needStore) > 0 {
		stored, storeErr := o.store.GetByKeys(ctx, needStore)
		if storeErr != nil {
			o.logger.Error().Err(storeErr).Int("keys", len(needStore)).Msg("store unavailable during bulk resolve")
			for _, key := range needStore {
				results[key] = pricing.Unavailable()
			}
			needStore = nil
		}
		for _, key := range needStore {
			rec, ok := stored[key]
			if !ok {
				if priority == pricing.PrioritySpeed {
					results[key] = pricing.Unavailable()
				} else {
					needUpstream = append(needUpstream, key)
				}
				continue
			}
			o.cache.Put(rec)
			state := o.policy.ClassifyRecord(rec, now, priority)
			if priority == pricing.PriorityFreshness && state != pricing.StateFresh {
				local := rec
				fallbacks[key] = &local
				needUpstream = append(needUpstream, key)
				continue
			}
			results[key] = o.serveLocal(rec, state, pricing.TierStore)
		}
	}

	if len(needUpstream) > 0 {
		o.resolveUpstreamBatch(ctx, needUpstream, fallbacks, priority, results)
	}

	return results, nil
}

// serveKnown handles a record found locally according to its state. Stale
// and expired values are served as-is under speed and balanced (expired ones
// flagged so the UI can mark them unreliable) with a background refresh
// kicked off; freshness mode refreshes synchronously before returning.
func (o *Orchestrator) serveKnown(ctx context.Context, rec pricing.PriceRecord, state pricing.State, tier pricing.SourceTier, priority pricing.Priority) pricing.PriceResult {
	if state == pricing.StateFresh {
		return pricing.PriceResult{Record: &rec, State: state, Source: tier}
	}
	if priority == pricing.PriorityFreshness {
		return o.refreshSync(ctx, rec.ItemKey, &rec, tier, priority)
	}
	o.kickBackground(rec.ItemKey)
	return pricing.PriceResult{Record: &rec, State: state, Source: tier}
}

func (o *Orchestrator) serveLocal(rec pricing.PriceRecord, state pricing.State, tier pricing.SourceTier) pricing.PriceResult {
	if state != pricing.StateFresh {
		o.kickBackground(rec.ItemKey)
	}
	return pricing.PriceResult{Record: &rec, State: state, Source: tier}
}

// kickBackground schedules an async refresh if no refresh is already in
// flight for the key. Fire-and-forget: the caller's return path is not
// blocked and never observes the outcome.
func (o *Orchestrator) kickBackground(key string) {
	if o.reval == nil {
		return
	}
	if slot, ok := o.cache.AcquireRefreshSlot(key); ok {
		o.reval.Enqueue(slot)
	}
}

// refreshSync performs a coalesced synchronous refresh: the slot winner
// fetches, everyone else awaits the shared in-flight result. On timeout or
// upstream failure the best locally known value is served instead of failing
// the caller; with no local value at all the result is unavailable.
func (o *Orchestrator) refreshSync(ctx context.Context, key string, fallback *pricing.PriceRecord, fallbackTier pricing.SourceTier, priority pricing.Priority) pricing.PriceResult {
	if slot, ok := o.cache.AcquireRefreshSlot(key); ok {
		rec, err := o.fetchAndPersist(ctx, key)
		slot.Release(rec, err)
		if err != nil {
			if !errors.Is(err, pricing.ErrNotFound) {
				o.logger.Warn().Err(err).Str("item_key", key).Msg("synchronous refresh failed")
			}
			return o.fallbackResult(fallback, fallbackTier, priority)
		}
		return pricing.PriceResult{Record: rec, State: pricing.StateFresh, Source: pricing.TierUpstream}
	}

	rec, err, inFlight := o.cache.Await(ctx, key)
	if !inFlight {
		// The in-flight refresh completed between acquire and await; the
		// cache now holds its result.
		if entry, ok := o.cache.Get(key); ok {
			state := o.policy.ClassifyRecord(entry.Record, time.Now().UTC(), priority)
			return pricing.PriceResult{Record: &entry.Record, State: state, Source: pricing.TierCache}
		}
		return o.fallbackResult(fallback, fallbackTier, priority)
	}
	if err != nil || rec == nil {
		return o.fallbackResult(fallback, fallbackTier, priority)
	}
	state := o.policy.ClassifyRecord(*rec, time.Now().UTC(), priority)
	return pricing.PriceResult{Record: rec, State: state, Source: pricing.TierUpstream}
}

func (o *Orchestrator) fetchAndPersist(ctx context.Context, key string) (*pricing.PriceRecord, error) {
	rec, err := o.fetcher.FetchOne(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", pricing.ErrUpstreamTimeout, err)
		}
		return nil, err
	}
	if upsertErr := o.store.Upsert(ctx, *rec); upsertErr != nil {
		o.logger.Error().Err(upsertErr).Str("item_key", key).Msg("failed to persist fetched price")
	}
	return rec, nil
}

func (o *Orchestrator) fallbackResult(fallback *pricing.PriceRecord, tier pricing.SourceTier, priority pricing.Priority) pricing.PriceResult {
	if fallback == nil {
		return pricing.Unavailable()
	}
	state := o.policy.ClassifyRecord(*fallback, time.Now().UTC(), priority)
	return pricing.PriceResult{Record: fallback, State: state, Source: tier}
}

// resolveUpstreamBatch fetches the given keys upstream, chunked to the
// provider cap, acquiring the refresh slot per key. Keys whose slot is held
// elsewhere join the in-flight refresh instead of issuing a duplicate call.
func (o *Orchestrator) resolveUpstreamBatch(ctx context.Context, keys []string, fallbacks map[string]*pricing.PriceRecord, priority pricing.Priority, results map[string]pricing.PriceResult) {
	var mu sync.Mutex
	setResult := func(key string, res pricing.PriceResult) {
		mu.Lock()
		results[key] = res
		mu.Unlock()
	}

	var granted []string
	slots := make(map[string]*cache.RefreshSlot, len(keys))
	g, gctx := errgroup.WithContext(ctx)

	for _, key := range keys {
		if slot, ok := o.cache.AcquireRefreshSlot(key); ok {
			slots[key] = slot
			granted = append(granted, key)
			continue
		}
		key := key
		g.Go(func() error {
			rec, err, inFlight := o.cache.Await(gctx, key)
			if !inFlight || err != nil || rec == nil {
				setResult(key, o.fallbackResult(fallbacks[key], pricing.TierCache, priority))
				return nil
			}
			state := o.policy.ClassifyRecord(*rec, time.Now().UTC(), priority)
			setResult(key, pricing.PriceResult{Record: rec, State: state, Source: pricing.TierUpstream})
			return nil
		})
	}

	for _, chunk := range chunkKeys(granted, o.fetcher.BatchSize()) {
		chunk := chunk
		g.Go(func() error {
			recs, failed, err := o.fetcher.FetchBatch(gctx, chunk)
			if err != nil {
				o.logger.Warn().Err(err).Int("keys", len(chunk)).Msg("bulk upstream fetch failed")
				for _, key := range chunk {
					slots[key].Release(nil, err)
					setResult(key, o.fallbackResult(fallbacks[key], pricing.TierCache, priority))
				}
				return nil
			}
			failures := make(map[string]string, len(failed))
			for _, f := range failed {
				failures[f.Key] = f.Reason
			}
			for _, key := range chunk {
				if rec, ok := recs[key]; ok {
					if upsertErr := o.store.Upsert(gctx, rec); upsertErr != nil {
						o.logger.Error().Err(upsertErr).Str("item_key", key).Msg("failed to persist fetched price")
					}
					local := rec
					slots[key].Release(&local, nil)
					setResult(key, pricing.PriceResult{Record: &local, State: pricing.StateFresh, Source: pricing.TierUpstream})
					continue
				}
				slots[key].Release(nil, fmt.Errorf("upstream failed: %s", failures[key]))
				setResult(key, o.fallbackResult(fallbacks[key], pricing.TierCache, priority))
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (o *Orchestrator) timeout(priority pricing.Priority) (time.Duration, error) {
	switch priority {
	case pricing.PrioritySpeed:
		return o.timeouts.Speed, nil
	case pricing.PriorityBalanced:
		return o.timeouts.Balanced, nil
	case pricing.PriorityFreshness:
		return o.timeouts.Freshness, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %d", pricing.ErrConfiguration, int(priority))
	}
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func chunkKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = len(keys)
	}
	var chunks [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}
