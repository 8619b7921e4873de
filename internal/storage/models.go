package storage

import "time"

// Cursor marks the staleness-ordered boundary of the last sync batch, so a
// scheduler run keeps moving forward across ties in fetched_at. The zero
// value starts from the most stale record. It is in-memory only; re-ranking
// by staleness after a restart is idempotent.
type Cursor struct {
	FetchedAt time.Time
	ItemKey   string
}

// IsZero reports whether the cursor is at the start position.
func (c Cursor) IsZero() bool {
	return c.FetchedAt.IsZero() && c.ItemKey == ""
}
