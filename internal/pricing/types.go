package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is assumed whenever the upstream provider omits one.
const DefaultCurrency = "USD"

var (
	// ErrNotFound indicates the item is unknown to both store and upstream.
	ErrNotFound = errors.New("pricing: item not found")
	// ErrUpstreamTimeout indicates a synchronous upstream call exceeded its deadline.
	ErrUpstreamTimeout = errors.New("pricing: upstream timeout")
	// ErrRateLimited indicates the upstream provider rejected the request budget.
	ErrRateLimited = errors.New("pricing: upstream rate limited")
	// ErrStoreUnavailable indicates the persistent store could not serve the operation.
	ErrStoreUnavailable = errors.New("pricing: store unavailable")
	// ErrConfiguration indicates an operator-actionable configuration problem.
	ErrConfiguration = errors.New("pricing: configuration error")
)

// PriceRecord is the durable unit of valuation data for one catalog item.
type PriceRecord struct {
	ItemKey      string
	RawPrice     decimal.NullDecimal
	GradedPrices map[string]decimal.Decimal
	Currency     string
	FetchedAt    time.Time
}

// Age reports how long ago the record was fetched.
func (r PriceRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.FetchedAt)
}

// NewerThan reports whether r carries fresher data than other.
// Equal timestamps favour the existing record so replays are no-ops.
func (r PriceRecord) NewerThan(other PriceRecord) bool {
	return r.FetchedAt.After(other.FetchedAt)
}

// State classifies how trustworthy a record is for serving.
type State int

const (
	// StateUnavailable marks a result with no record at all.
	StateUnavailable State = iota
	// StateFresh records are served as-is.
	StateFresh
	// StateStale records are served as-is but trigger a background refresh.
	StateStale
	// StateExpired records must be flagged or refreshed before serving.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "unavailable"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SourceTier records which layer produced the value returned to a caller.
type SourceTier int

const (
	TierNone SourceTier = iota
	TierCache
	TierStore
	TierUpstream
)

func (t SourceTier) String() string {
	switch t {
	case TierCache:
		return "cache"
	case TierStore:
		return "store"
	case TierUpstream:
		return "upstream"
	default:
		return "none"
	}
}

// Priority selects the caller's latency/freshness trade-off.
type Priority int

const (
	// PrioritySpeed never touches the network on the read path.
	PrioritySpeed Priority = iota
	// PriorityBalanced is the default: local reads, upstream only for unknowns.
	PriorityBalanced
	// PriorityFreshness refreshes synchronously on anything non-fresh.
	PriorityFreshness
)

func (p Priority) String() string {
	switch p {
	case PrioritySpeed:
		return "speed"
	case PriorityBalanced:
		return "balanced"
	case PriorityFreshness:
		return "freshness"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps the wire representation to a Priority.
// An empty value selects the balanced default.
func ParsePriority(v string) (Priority, error) {
	switch v {
	case "speed":
		return PrioritySpeed, nil
	case "balanced", "":
		return PriorityBalanced, nil
	case "freshness":
		return PriorityFreshness, nil
	default:
		return PriorityBalanced, fmt.Errorf("%w: unknown priority %q", ErrConfiguration, v)
	}
}

// PriceResult is what a resolution returns to the caller. Record is nil when
// State is StateUnavailable; callers branch on State, never on errors, for
// data availability.
type PriceResult struct {
	Record *PriceRecord
	State  State
	Source SourceTier
}

// Unavailable builds the canonical "price unknown" result.
func Unavailable() PriceResult {
	return PriceResult{State: StateUnavailable, Source: TierNone}
}
