package event

import (
	"context"
	"time"
)

type Store interface {
	// Insert stores r if no record exists for r.EventID and reports whether
	// it did.
	Insert(ctx context.Context, r *Record) (bool, error)
	Get(ctx context.Context, eventID string) (*Record, error)
	// Claim moves a failed record, or a processing record claimed before
	// staleBefore, back to processing with ClaimedAt = claimedAt. It reports
	// whether this caller won the claim.
	Claim(ctx context.Context, eventID string, staleBefore, claimedAt time.Time) (bool, error)
	Complete(ctx context.Context, eventID string, outcome Outcome, note string, processedAt time.Time) error
	Fail(ctx context.Context, eventID string, message string, failedAt time.Time) error
	List(ctx context.Context, opts ListOpts) ([]*Record, error)
	// ListReplayable returns failed records with RetryCount < maxRetries and
	// processing records claimed before staleBefore, oldest first.
	ListReplayable(ctx context.Context, staleBefore time.Time, maxRetries, limit int) ([]*Record, error)
}

type ListOpts struct {
	Status Status
	Type   string
	Limit  int
	Offset int
}
