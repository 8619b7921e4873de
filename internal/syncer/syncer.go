package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cardpricer/internal/cache"
	"cardpricer/internal/pricing"
	"cardpricer/internal/storage"
	"cardpricer/internal/upstream"
)

// Fetcher is the slice of the upstream client the syncer drives.
type Fetcher interface {
	FetchBatch(ctx context.Context, keys []string) (map[string]pricing.PriceRecord, []upstream.FailedKey, error)
	BatchSize() int
}

// Store is the slice of the persistent store the syncer needs.
type Store interface {
	GetMostStaleAfter(ctx context.Context, cur storage.Cursor, n int) ([]pricing.PriceRecord, error)
	Upsert(ctx context.Context, rec pricing.PriceRecord) error
}

// RunState tracks where a scheduler run currently is.
type RunState int

const (
	StateIdle RunState = iota
	StateSelecting
	StateFetching
	StateWriting
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateFetching:
		return "fetching"
	case StateWriting:
		return "writing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RunSummary describes the outcome of the last completed run.
type RunSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    RunState  `json:"-"`
	Selected   int       `json:"selected"`
	Refreshed  int       `json:"refreshed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// Options tune the sync cadence.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	BatchCount   int
}

// Syncer proactively refreshes the most-stale persisted records on a fixed
// interval, independent of read traffic, so cold and low-traffic items do not
// rot to expired. Refreshes go through the same per-key refresh slots as
// read-triggered revalidation; a key whose slot is already held is skipped
// for the run (the read-triggered refresh wins).
type Syncer struct {
	store   Store
	fetcher Fetcher
	cache   *cache.Cache
	opts    Options
	logger  zerolog.Logger

	mu      sync.Mutex
	state   RunState
	cursor  storage.Cursor
	lastRun RunSummary
}

// New constructs a Syncer.
func New(store Store, fetcher Fetcher, priceCache *cache.Cache, opts Options, logger zerolog.Logger) (*Syncer, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("%w: sync interval must be positive", pricing.ErrConfiguration)
	}
	if opts.BatchCount <= 0 {
		opts.BatchCount = 200
	}
	return &Syncer{
		store:   store,
		fetcher: fetcher,
		cache:   priceCache,
		opts:    opts,
		logger:  logger.With().Str("component", "syncer").Logger(),
	}, nil
}

// Run blocks, executing sync runs on the configured interval until ctx is
// cancelled. A failed run never stops the loop; it is retried on the next
// interval.
func (s *Syncer) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logger.Error().Err(err).Msg("sync run failed")
		}

		s.logger.Debug().Dur("interval", s.opts.Interval).Msg("waiting for next sync cycle")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single sync run: select the most-stale records, refresh
// them in provider-sized batches, and write results back to store and cache.
// Failed batches get one retry at the end of the run; anything still failing
// waits for the next scheduled run.
func (s *Syncer) RunOnce(ctx context.Context) error {
	summary := RunSummary{StartedAt: time.Now().UTC()}

	s.setState(StateSelecting)
	s.logger.Info().Int("batch_count", s.opts.BatchCount).Msg("starting sync run")

	cursor := s.currentCursor()
	records, err := s.store.GetMostStaleAfter(ctx, cursor, s.opts.BatchCount)
	if err != nil {
		return s.fail(summary, fmt.Errorf("select stale records: %w", err))
	}
	summary.Selected = len(records)

	if len(records) < s.opts.BatchCount {
		// End of a full staleness-ordered pass; restart from the top next run.
		s.setCursor(storage.Cursor{})
	} else {
		last := records[len(records)-1]
		s.setCursor(storage.Cursor{FetchedAt: last.FetchedAt, ItemKey: last.ItemKey})
	}

	if len(records) == 0 {
		s.logger.Info().Msg("no records to sync")
		return s.finish(summary)
	}

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.ItemKey)
	}

	var retry [][]string
	for _, chunk := range chunkKeys(keys, s.fetcher.BatchSize()) {
		if ctx.Err() != nil {
			return s.fail(summary, ctx.Err())
		}
		failedChunk, err := s.refreshChunk(ctx, chunk, &summary)
		if err != nil {
			return s.fail(summary, err)
		}
		if failedChunk != nil {
			retry = append(retry, failedChunk)
		}
	}

	for _, chunk := range retry {
		if ctx.Err() != nil {
			return s.fail(summary, ctx.Err())
		}
		failedChunk, err := s.refreshChunk(ctx, chunk, &summary)
		if err != nil {
			return s.fail(summary, err)
		}
		if failedChunk != nil {
			summary.Failed += len(failedChunk)
			s.logger.Warn().Int("keys", len(failedChunk)).Msg("batch still failing after retry; deferring to next run")
		}
	}

	return s.finish(summary)
}

// refreshChunk fetches one provider-sized batch and writes the results back.
// It returns the chunk itself when the batch failed as a whole and should be
// retried, and a terminal error only for conditions that must end the run.
func (s *Syncer) refreshChunk(ctx context.Context, chunk []string, summary *RunSummary) ([]string, error) {
	s.setState(StateFetching)

	// The refresh slot is the single source of truth for in-flight work;
	// skipping a held key means a read-triggered refresh already owns it.
	slots := make(map[string]*cache.RefreshSlot, len(chunk))
	granted := make([]string, 0, len(chunk))
	for _, key := range chunk {
		if slot, ok := s.cache.AcquireRefreshSlot(key); ok {
			slots[key] = slot
			granted = append(granted, key)
		} else {
			summary.Skipped++
		}
	}
	if len(granted) == 0 {
		return nil, nil
	}

	releaseAll := func(err error) {
		for _, slot := range slots {
			slot.Release(nil, err)
		}
	}

	recs, failedKeys, err := s.fetcher.FetchBatch(ctx, granted)
	if err != nil {
		releaseAll(err)
		if errors.Is(err, pricing.ErrRateLimited) {
			// The client already backed off; pausing until the next
			// scheduled run is the only safe response here.
			return nil, fmt.Errorf("provider rate limited, pausing run: %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Int("keys", len(granted)).Msg("batch fetch failed")
		return granted, nil
	}

	s.setState(StateWriting)
	failures := make(map[string]string, len(failedKeys))
	for _, f := range failedKeys {
		failures[f.Key] = f.Reason
	}

	for _, key := range granted {
		slot := slots[key]
		if rec, ok := recs[key]; ok {
			if upsertErr := s.store.Upsert(ctx, rec); upsertErr != nil {
				s.logger.Error().Err(upsertErr).Str("item_key", key).Msg("failed to persist synced price")
			}
			s.cache.UpdateIfPresent(rec)
			slot.Release(&rec, nil)
			summary.Refreshed++
			continue
		}
		reason := failures[key]
		if reason == "" {
			reason = "missing from batch response"
		}
		slot.Release(nil, fmt.Errorf("sync refresh failed: %s", reason))
		summary.Failed++
	}

	return nil, nil
}

// State reports where the current (or last) run is.
func (s *Syncer) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRun reports the outcome of the most recently finished run.
func (s *Syncer) LastRun() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Syncer) setState(state RunState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Syncer) currentCursor() storage.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Syncer) setCursor(cur storage.Cursor) {
	s.mu.Lock()
	s.cursor = cur
	s.mu.Unlock()
}

func (s *Syncer) finish(summary RunSummary) error {
	summary.FinishedAt = time.Now().UTC()
	summary.Outcome = StateIdle
	s.mu.Lock()
	s.lastRun = summary
	s.state = StateIdle
	s.mu.Unlock()

	s.logger.Info().
		Int("selected", summary.Selected).
		Int("refreshed", summary.Refreshed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("sync run complete")
	return nil
}

// fail records the run as failed and settles back to idle; the scheduler loop
// itself never dies.
func (s *Syncer) fail(summary RunSummary, err error) error {
	summary.FinishedAt = time.Now().UTC()
	summary.Outcome = StateFailed
	summary.Error = err.Error()

	s.mu.Lock()
	s.lastRun = summary
	s.state = StateIdle
	s.mu.Unlock()
	return err
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
