package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cardpricer/internal/pricing"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testOptions(baseURL string) Options {
	return Options{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		Timeout:           time.Second,
		BatchSize:         10,
		RequestsPerMinute: 6000,
		MaxConcurrent:     4,
		MaxRetries:        2,
	}
}

func TestNewRejectsMissingConfig(t *testing.T) {
	if _, err := New(Options{APIKey: "k"}, noopLogger()); !errors.Is(err, pricing.ErrConfiguration) {
		t.Fatalf("missing base URL should be a configuration error, got %v", err)
	}
	if _, err := New(Options{BaseURL: "http://localhost"}, noopLogger()); !errors.Is(err, pricing.ErrConfiguration) {
		t.Fatalf("missing API key should be a configuration error, got %v", err)
	}
}

func TestFetchBatchRejectsOversizedBatch(t *testing.T) {
	client, err := New(testOptions("http://localhost"), noopLogger())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}

	keys := make([]string, 11)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	if _, _, err := client.FetchBatch(context.Background(), keys); err == nil {
		t.Fatal("batch above the cap must be rejected; chunking is the caller's job")
	}
}

func TestFetchBatchPartialFailureIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}

		resp := map[string]any{"prices": []map[string]any{}, "failed": []map[string]any{}}
		prices := resp["prices"].([]map[string]any)
		for _, id := range req.IDs {
			if id == "key-5" {
				resp["failed"] = []map[string]any{{"id": id, "reason": "provider_error"}}
				continue
			}
			prices = append(prices, map[string]any{
				"id":       id,
				"raw":      "12.50",
				"grades":   map[string]string{"PSA10": "99.00"},
				"currency": "USD",
			})
		}
		resp["prices"] = prices
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := New(testOptions(srv.URL), noopLogger())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}

	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}

	records, failed, err := client.FetchBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("a per-key failure must not fail the batch: %v", err)
	}
	if len(records) != 9 {
		t.Fatalf("expected 9 priced keys, got %d", len(records))
	}
	if len(failed) != 1 || failed[0].Key != "key-5" {
		t.Fatalf("expected only key-5 to fail, got %+v", failed)
	}
	if _, ok := records["key-5"]; ok {
		t.Fatal("failed key must not appear in the record map")
	}
	if rec := records["key-1"]; !rec.RawPrice.Valid || rec.RawPrice.Decimal.String() != "12.5" {
		t.Fatalf("unexpected raw price for key-1: %+v", rec.RawPrice)
	}
}

func TestFetchBatchRateLimited(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	opts := testOptions(srv.URL)
	opts.MaxRetries = 2
	client, err := New(opts, noopLogger())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}

	_, _, err = client.FetchBatch(context.Background(), []string{"key-1"})
	if !errors.Is(err, pricing.ErrRateLimited) {
		t.Fatalf("429 must surface as ErrRateLimited, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected initial call plus 2 retries, got %d calls", got)
	}
}

func TestFetchBatchRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"prices": []map[string]any{{"id": "key-1", "raw": "5.00"}},
		})
	}))
	defer srv.Close()

	client, err := New(testOptions(srv.URL), noopLogger())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}

	records, _, err := client.FetchBatch(context.Background(), []string{"key-1"})
	if err != nil {
		t.Fatalf("retry after 429 should succeed: %v", err)
	}
	rec, ok := records["key-1"]
	if !ok {
		t.Fatal("expected key-1 to be priced after retry")
	}
	if rec.Currency != pricing.DefaultCurrency {
		t.Fatalf("missing currency should default, got %q", rec.Currency)
	}
}

func TestFetchBatchNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "bad_request"})
	}))
	defer srv.Close()

	client, err := New(testOptions(srv.URL), noopLogger())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}

	if _, _, err := client.FetchBatch(context.Background(), []string{"key-1"}); err == nil {
		t.Fatal("HTTP 400 should return an error")
	}
}

func TestFetchOneNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"failed": []map[string]any{{"id": "ghost", "reason": "not_found"}},
		})
	}))
	defer srv.Close()

	client, err := New(testOptions(srv.URL), noopLogger())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}

	if _, err := client.FetchOne(context.Background(), "ghost"); !errors.Is(err, pricing.ErrNotFound) {
		t.Fatalf("provider not_found must map to ErrNotFound, got %v", err)
	}
}

func TestFetchOneSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"prices": []map[string]any{{
				"id":       "pkm-001",
				"raw":      "42.00",
				"grades":   map[string]string{"PSA9": "120.00", "PSA10": "310.00"},
				"currency": "EUR",
			}},
		})
	}))
	defer srv.Close()

	client, err := New(testOptions(srv.URL), noopLogger())
	if err != nil {
		t.Fatalf("construct client: %v", err)
	}

	rec, err := client.FetchOne(context.Background(), "pkm-001")
	if err != nil {
		t.Fatalf("FetchOne should succeed: %v", err)
	}
	if rec.Currency != "EUR" {
		t.Fatalf("expected provider currency, got %q", rec.Currency)
	}
	if len(rec.GradedPrices) != 2 {
		t.Fatalf("expected 2 graded prices, got %d", len(rec.GradedPrices))
	}
	if rec.FetchedAt.IsZero() {
		t.Fatal("fetchedAt must be stamped")
	}
}
