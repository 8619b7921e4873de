package revalidator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cardpricer/internal/cache"
	"cardpricer/internal/pricing"
)

// Fetcher fetches current pricing for a single key from the provider.
type Fetcher interface {
	FetchOne(ctx context.Context, key string) (*pricing.PriceRecord, error)
}

// Store is the slice of the persistent store the revalidator needs.
type Store interface {
	GetByKey(ctx context.Context, key string) (*pricing.PriceRecord, error)
	Upsert(ctx context.Context, rec pricing.PriceRecord) error
}

// Options tune the worker pool.
type Options struct {
	Workers      int
	QueueSize    int
	FetchTimeout time.Duration
}

// Revalidator refreshes stale cache entries off the read path. A read that
// hits a stale entry hands its acquired refresh slot here and returns
// immediately; workers complete the refresh on their own deadline, so the
// result still lands in the store and cache even when the triggering request
// is long gone.
type Revalidator struct {
	store   Store
	fetcher Fetcher
	policy  pricing.StalenessPolicy
	tasks   chan *cache.RefreshSlot
	logger  zerolog.Logger
	wg      sync.WaitGroup
	opts    Options
}

// New constructs a revalidator; Start must be called before Enqueue.
func New(store Store, fetcher Fetcher, policy pricing.StalenessPolicy, opts Options, logger zerolog.Logger) *Revalidator {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	return &Revalidator{
		store:   store,
		fetcher: fetcher,
		policy:  policy,
		tasks:   make(chan *cache.RefreshSlot, opts.QueueSize),
		logger:  logger.With().Str("component", "revalidator").Logger(),
		opts:    opts,
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled; Wait blocks until they exit.
func (r *Revalidator) Start(ctx context.Context) {
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case slot := <-r.tasks:
					r.refresh(slot)
				}
			}
		}()
	}
}

// Wait blocks until all workers have stopped.
func (r *Revalidator) Wait() {
	r.wg.Wait()
}

// Enqueue schedules an async refresh for the slot's key without blocking.
// When the queue is saturated the slot is released immediately so the next
// read can try again; the stale value keeps being served either way.
func (r *Revalidator) Enqueue(slot *cache.RefreshSlot) bool {
	select {
	case r.tasks <- slot:
		return true
	default:
		r.logger.Warn().Str("item_key", slot.Key()).Msg("revalidation queue full; dropping refresh")
		slot.Release(nil, fmt.Errorf("revalidation queue full"))
		return false
	}
}

// refresh completes one background refresh. The slot is always released
// exactly once, including when the fetch panics; failures never propagate to
// any reader because the triggering read already returned.
func (r *Revalidator) refresh(slot *cache.RefreshSlot) {
	key := slot.Key()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("item_key", key).Interface("panic", rec).Msg("revalidation panicked")
			slot.Release(nil, fmt.Errorf("revalidation panic: %v", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FetchTimeout)
	defer cancel()

	// Another process or the sync scheduler may have refreshed the key
	// already; a store read is far cheaper than an upstream call.
	if stored, err := r.store.GetByKey(ctx, key); err == nil && stored != nil {
		if r.policy.ClassifyRecord(*stored, time.Now().UTC(), pricing.PriorityBalanced) == pricing.StateFresh {
			slot.Release(stored, nil)
			return
		}
	}

	rec, err := r.fetcher.FetchOne(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("item_key", key).Msg("background refresh failed")
		slot.Release(nil, err)
		return
	}

	if err := r.store.Upsert(ctx, *rec); err != nil {
		r.logger.Error().Err(err).Str("item_key", key).Msg("failed to persist refreshed price")
	}
	slot.Release(rec, nil)
}
