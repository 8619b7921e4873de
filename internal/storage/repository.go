package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cardpricer/internal/pricing"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertRecordSQL = `INSERT INTO price_records (
        item_key,
        raw_price,
        graded_prices,
        currency,
        fetched_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,now()
    )
    ON CONFLICT (item_key) DO UPDATE
    SET
        raw_price     = EXCLUDED.raw_price,
        graded_prices = EXCLUDED.graded_prices,
        currency      = EXCLUDED.currency,
        fetched_at    = EXCLUDED.fetched_at,
        updated_at    = now()
    WHERE price_records.fetched_at < EXCLUDED.fetched_at;`

	getByKeySQL = `SELECT
        item_key,
        raw_price,
        graded_prices,
        currency,
        fetched_at
    FROM price_records
    WHERE item_key = $1;`

	getByKeysSQL = `SELECT
        item_key,
        raw_price,
        graded_prices,
        currency,
        fetched_at
    FROM price_records
    WHERE item_key = ANY($1);`

	mostStaleSQL = `SELECT
        item_key,
        raw_price,
        graded_prices,
        currency,
        fetched_at
    FROM price_records
    ORDER BY fetched_at, item_key
    LIMIT $1;`

	mostStaleAfterSQL = `SELECT
        item_key,
        raw_price,
        graded_prices,
        currency,
        fetched_at
    FROM price_records
    WHERE (fetched_at, item_key) > ($1, $2)
    ORDER BY fetched_at, item_key
    LIMIT $3;`

	countRecordsSQL = `SELECT COUNT(*) FROM price_records;`
)

// PriceStore defines the persistence operations the subsystem relies on.
// GetByKey returns (nil, nil) for unknown keys; absence is data, not an error.
type PriceStore interface {
	GetByKey(ctx context.Context, key string) (*pricing.PriceRecord, error)
	GetByKeys(ctx context.Context, keys []string) (map[string]pricing.PriceRecord, error)
	Upsert(ctx context.Context, rec pricing.PriceRecord) error
	GetMostStale(ctx context.Context, n int) ([]pricing.PriceRecord, error)
	GetMostStaleAfter(ctx context.Context, cur Cursor, n int) ([]pricing.PriceRecord, error)
	CountRecords(ctx context.Context) (int64, error)
}

// Store is the pgx-backed PriceStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// GetByKey loads the record for one item key, or (nil, nil) when absent.
func (s *Store) GetByKey(ctx context.Context, key string) (*pricing.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, getByKeySQL, key)
	if queryErr != nil {
		return nil, fmt.Errorf("get price record %s: %w", key, queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, nil
	}
	rec, scanErr := scanPriceRecord(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &rec, nil
}

// GetByKeys loads records for the given keys; keys unknown to the store are
// simply absent from the returned map.
func (s *Store) GetByKeys(ctx context.Context, keys []string) (map[string]pricing.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]pricing.PriceRecord{}, nil
	}

	rows, queryErr := pool.Query(ctx, getByKeysSQL, keys)
	if queryErr != nil {
		return nil, fmt.Errorf("get price records: %w", queryErr)
	}
	defer rows.Close()

	records := make(map[string]pricing.PriceRecord, len(keys))
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records[rec.ItemKey] = rec
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// Upsert persists a record. The fetched_at guard in the statement drops
// out-of-order writes, so a refresh can only move freshness forward.
func (s *Store) Upsert(ctx context.Context, rec pricing.PriceRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var raw interface{}
	if rec.RawPrice.Valid {
		raw = rec.RawPrice.Decimal.String()
	}

	grades := rec.GradedPrices
	if grades == nil {
		grades = map[string]decimal.Decimal{}
	}
	gradesJSON, marshalErr := json.Marshal(grades)
	if marshalErr != nil {
		return fmt.Errorf("marshal graded prices: %w", marshalErr)
	}

	currency := rec.Currency
	if currency == "" {
		currency = pricing.DefaultCurrency
	}

	_, execErr := pool.Exec(ctx, upsertRecordSQL,
		rec.ItemKey,
		raw,
		gradesJSON,
		currency,
		rec.FetchedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("upsert price record %s: %w", rec.ItemKey, execErr)
	}
	return nil
}

// GetMostStale lists the n records with the oldest fetched_at, ties broken
// by item_key for determinism.
func (s *Store) GetMostStale(ctx context.Context, n int) ([]pricing.PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, mostStaleSQL, n)
	if queryErr != nil {
		return nil, fmt.Errorf("list most stale: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, n)
}

// GetMostStaleAfter continues a staleness-ordered scan past the cursor.
func (s *Store) GetMostStaleAfter(ctx context.Context, cur Cursor, n int) ([]pricing.PriceRecord, error) {
	if cur.IsZero() {
		return s.GetMostStale(ctx, n)
	}

	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, mostStaleAfterSQL, cur.FetchedAt.UTC(), cur.ItemKey, n)
	if queryErr != nil {
		return nil, fmt.Errorf("list most stale after cursor: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, n)
}

// CountRecords counts stored price records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRecordsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count price records: %w", scanErr)
	}
	return count, nil
}

func collectRecords(rows pgx.Rows, hint int) ([]pricing.PriceRecord, error) {
	records := make([]pricing.PriceRecord, 0, hint)
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanPriceRecord(rows pgx.Rows) (pricing.PriceRecord, error) {
	var (
		itemKey    string
		rawStr     sql.NullString
		gradesJSON json.RawMessage
		currency   string
		fetchedAt  time.Time
	)

	if err := rows.Scan(&itemKey, &rawStr, &gradesJSON, &currency, &fetchedAt); err != nil {
		return pricing.PriceRecord{}, err
	}

	rec := pricing.PriceRecord{
		ItemKey:   itemKey,
		Currency:  currency,
		FetchedAt: fetchedAt,
	}

	if rawStr.Valid {
		raw, err := decimal.NewFromString(rawStr.String)
		if err != nil {
			return pricing.PriceRecord{}, fmt.Errorf("parse raw price: %w", err)
		}
		rec.RawPrice = decimal.NewNullDecimal(raw)
	}

	if len(gradesJSON) > 0 {
		grades := map[string]decimal.Decimal{}
		if err := json.Unmarshal(gradesJSON, &grades); err != nil {
			return pricing.PriceRecord{}, fmt.Errorf("parse graded prices: %w", err)
		}
		if len(grades) > 0 {
			rec.GradedPrices = grades
		}
	}

	return rec, nil
}

var _ PriceStore = (*Store)(nil)
