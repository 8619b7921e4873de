package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"cardpricer/internal/pricing"
)

const batchPath = "/v1/prices/batch"

// FailedKey reports one key that could not be priced within a batch.
type FailedKey struct {
	Key    string
	Reason string
}

// NotFound reports whether the failure means the provider does not know the item.
func (f FailedKey) NotFound() bool {
	return f.Reason == "not_found"
}

// Options parameterise the provider client.
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	BatchSize         int
	RequestsPerMinute int
	MaxConcurrent     int
	MaxRetries        uint64
	UserAgent         string
}

// Client fetches current pricing from the external provider. It is the only
// component in the subsystem that talks to the network, and it enforces both
// the global concurrency bound and the request-rate budget.
type Client struct {
	opts    Options
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  zerolog.Logger
}

// New validates configuration and constructs a client. Missing endpoint or
// credentials are operator errors, reported before any request is issued.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("%w: upstream base_url is required", pricing.ErrConfiguration)
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: upstream api_key is required", pricing.ErrConfiguration)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 60
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	interval := time.Minute / time.Duration(opts.RequestsPerMinute)
	return &Client{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Every(interval), opts.MaxConcurrent),
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger:  logger.With().Str("component", "upstream_client").Logger(),
	}, nil
}

// BatchSize returns the per-request key cap callers must chunk to.
func (c *Client) BatchSize() int { return c.opts.BatchSize }

// FetchOne fetches pricing for a single key. A provider-side unknown item is
// reported as pricing.ErrNotFound.
func (c *Client) FetchOne(ctx context.Context, key string) (*pricing.PriceRecord, error) {
	records, failed, err := c.FetchBatch(ctx, []string{key})
	if err != nil {
		return nil, err
	}
	if rec, ok := records[key]; ok {
		return &rec, nil
	}
	for _, f := range failed {
		if f.Key == key {
			if f.NotFound() {
				return nil, fmt.Errorf("%w: %s", pricing.ErrNotFound, key)
			}
			return nil, fmt.Errorf("upstream failed for %s: %s", key, f.Reason)
		}
	}
	return nil, fmt.Errorf("%w: %s", pricing.ErrNotFound, key)
}

// FetchBatch looks up current pricing for up to BatchSize keys. Per-key
// provider failures are reported in the failed slice without aborting the
// rest of the batch; only transport-level problems return an error. A hard
// rate-limit response is retried with exponential backoff and surfaces as
// pricing.ErrRateLimited once retries are exhausted.
func (c *Client) FetchBatch(ctx context.Context, keys []string) (map[string]pricing.PriceRecord, []FailedKey, error) {
	if len(keys) == 0 {
		return map[string]pricing.PriceRecord{}, nil, nil
	}
	if len(keys) > c.opts.BatchSize {
		return nil, nil, fmt.Errorf("batch of %d exceeds cap %d; caller must chunk", len(keys), c.opts.BatchSize)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("await rate budget: %w", err)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("acquire upstream slot: %w", err)
	}
	defer c.sem.Release(1)

	payload, err := c.doBatch(ctx, keys)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	records := make(map[string]pricing.PriceRecord, len(payload.Prices))
	for _, p := range payload.Prices {
		records[p.ID] = p.toRecord(now)
	}
	failed := make([]FailedKey, 0, len(payload.Failed))
	for _, f := range payload.Failed {
		failed = append(failed, FailedKey{Key: f.ID, Reason: f.Reason})
	}

	c.logger.Debug().
		Int("requested", len(keys)).
		Int("priced", len(records)).
		Int("failed", len(failed)).
		Msg("batch fetched")
	return records, failed, nil
}

func (c *Client) doBatch(ctx context.Context, keys []string) (*batchResponse, error) {
	body, err := json.Marshal(batchRequest{IDs: keys})
	if err != nil {
		return nil, err
	}

	var payload *batchResponse
	attempt := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(body))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		}

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", pricing.ErrUpstreamTimeout, doErr))
			}
			return backoff.Permanent(doErr)
		}
		defer resp.Body.Close()

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return backoff.Permanent(readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn().Msg("provider rate limit hit; backing off")
			return fmt.Errorf("%w: http 429", pricing.ErrRateLimited)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(parseHTTPError(resp.StatusCode, raw))
		}

		var decoded batchResponse
		if umErr := json.Unmarshal(raw, &decoded); umErr != nil {
			return backoff.Permanent(fmt.Errorf("decode batch response: %w", umErr))
		}
		payload = &decoded
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.opts.MaxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return payload, nil
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

type batchResponse struct {
	Prices []priceItem  `json:"prices"`
	Failed []failedItem `json:"failed"`
}

type priceItem struct {
	ID       string                     `json:"id"`
	Raw      *decimal.Decimal           `json:"raw"`
	Grades   map[string]decimal.Decimal `json:"grades"`
	Currency string                     `json:"currency"`
	AsOf     *time.Time                 `json:"as_of"`
}

func (p priceItem) toRecord(now time.Time) pricing.PriceRecord {
	rec := pricing.PriceRecord{
		ItemKey:   p.ID,
		Currency:  p.Currency,
		FetchedAt: now,
	}
	if rec.Currency == "" {
		rec.Currency = pricing.DefaultCurrency
	}
	if p.Raw != nil {
		rec.RawPrice = decimal.NewNullDecimal(*p.Raw)
	}
	if len(p.Grades) > 0 {
		rec.GradedPrices = p.Grades
	}
	if p.AsOf != nil && p.AsOf.Before(now) {
		rec.FetchedAt = p.AsOf.UTC()
	}
	return rec
}

type failedItem struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("provider error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("provider error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("provider error (%d)", status)
}
