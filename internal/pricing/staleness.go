package pricing

import (
	"fmt"
	"time"
)

// StalenessPolicy maps record age to a serving state. Classification is a
// pure function of age and priority; nothing is stored on the record.
type StalenessPolicy struct {
	// FreshFor is the age below which a record is served without action.
	FreshFor time.Duration
	// ExpireAfter is the age at which a record may no longer be served silently.
	ExpireAfter time.Duration
	// SpeedExpireAfter is the relaxed expiry bound used in speed mode.
	SpeedExpireAfter time.Duration
}

// DefaultStalenessPolicy mirrors the 12-hour sync cycle the store is kept on.
func DefaultStalenessPolicy() StalenessPolicy {
	return StalenessPolicy{
		FreshFor:         2 * time.Hour,
		ExpireAfter:      12 * time.Hour,
		SpeedExpireAfter: 48 * time.Hour,
	}
}

// Validate rejects threshold orderings that would invert the state machine.
func (p StalenessPolicy) Validate() error {
	if p.FreshFor <= 0 || p.ExpireAfter <= 0 {
		return fmt.Errorf("%w: staleness thresholds must be positive", ErrConfiguration)
	}
	if p.FreshFor >= p.ExpireAfter {
		return fmt.Errorf("%w: fresh_for must be below expire_after", ErrConfiguration)
	}
	if p.SpeedExpireAfter < p.ExpireAfter {
		return fmt.Errorf("%w: speed_expire_after must not be below expire_after", ErrConfiguration)
	}
	return nil
}

// Classify returns the serving state for a record of the given age under the
// given priority. Freshness mode halves both thresholds; speed mode only
// recognizes expiry past the relaxed bound. The Fresh < Stale < Expired
// ordering is preserved under every priority.
func (p StalenessPolicy) Classify(age time.Duration, priority Priority) State {
	fresh, expired := p.thresholds(priority)
	switch {
	case age < fresh:
		return StateFresh
	case age < expired:
		return StateStale
	default:
		return StateExpired
	}
}

// ClassifyRecord is Classify applied to a record's age at now.
func (p StalenessPolicy) ClassifyRecord(rec PriceRecord, now time.Time, priority Priority) State {
	return p.Classify(rec.Age(now), priority)
}

func (p StalenessPolicy) thresholds(priority Priority) (fresh, expired time.Duration) {
	switch priority {
	case PriorityFreshness:
		return p.FreshFor / 2, p.ExpireAfter / 2
	case PrioritySpeed:
		expired := p.SpeedExpireAfter
		if expired < p.ExpireAfter {
			expired = p.ExpireAfter
		}
		return p.FreshFor, expired
	default:
		return p.FreshFor, p.ExpireAfter
	}
}
