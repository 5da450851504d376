package types

import "time"

// DefaultPeriodLength is used when a provider payload carries no period bounds.
const DefaultPeriodLength = 30 * 24 * time.Hour

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PeriodFrom builds a Period from unix seconds. Zero bounds fall back to now
// and now+DefaultPeriodLength.
func PeriodFrom(start, end int64, now time.Time) Period {
	p := Period{Start: now.UTC(), End: now.UTC().Add(DefaultPeriodLength)}
	if start > 0 {
		p.Start = time.Unix(start, 0).UTC()
	}
	if end > 0 {
		p.End = time.Unix(end, 0).UTC()
	}
	return p
}

// Valid reports whether End is after Start.
func (p Period) Valid() bool {
	return p.End.After(p.Start)
}

// Current reports whether the period has not ended at t.
func (p Period) Current(t time.Time) bool {
	return !p.End.Before(t)
}
