package tokenledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/tokenledger/event"
)

// Claim is the result of BeginProcessing.
type Claim int

const (
	// ClaimAcquired means the caller owns the event and must run its handler.
	ClaimAcquired Claim = iota
	// ClaimDuplicate means the event was already processed.
	ClaimDuplicate
	// ClaimInFlight means another worker holds a live lease on the event.
	ClaimInFlight
)

// IsDuplicate reports whether the caller should short-circuit.
func (c Claim) IsDuplicate() bool { return c == ClaimDuplicate }

func (c Claim) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ──────────────────────────────────────────────────
// Idempotency guard
// ──────────────────────────────────────────────────

// BeginProcessing records first sight of eventID and decides whether the
// caller may run the handler.
//
// A new ID is inserted as processing and acquired. A processed ID is a
// duplicate. A failed ID, or a processing ID whose lease is older than the
// lease timeout, is re-claimed by compare-and-set so only one concurrent
// caller wins. A processing ID with a live lease is in flight.
func (e *Engine) BeginProcessing(ctx context.Context, eventID, eventType string, payload json.RawMessage, createdAt time.Time) (Claim, error) {
	if eventID == "" {
		return ClaimInFlight, ValidationError{Field: "event_id", Message: "required"}
	}

	now := e.now()
	rec := &event.Record{
		EventID:           eventID,
		EventType:         eventType,
		Status:            event.StatusProcessing,
		Payload:           payload,
		ProviderCreatedAt: createdAt,
		FirstSeenAt:       now,
		ClaimedAt:         now,
	}

	inserted, err := e.store.InsertEventRecord(ctx, rec)
	if err != nil {
		return ClaimInFlight, fmt.Errorf("tokenledger: record event %s: %w", eventID, err)
	}
	if inserted {
		return ClaimAcquired, nil
	}

	existing, err := e.store.GetEventRecord(ctx, eventID)
	if err != nil {
		return ClaimInFlight, fmt.Errorf("tokenledger: load event %s: %w", eventID, err)
	}

	staleBefore := now.Add(-e.leaseTimeout)

	switch existing.Status {
	case event.StatusProcessed:
		return ClaimDuplicate, nil
	case event.StatusProcessing:
		if !existing.LeaseExpired(staleBefore) {
			return ClaimInFlight, nil
		}
	}

	won, err := e.store.ClaimEventRecord(ctx, eventID, staleBefore, now)
	if err != nil {
		return ClaimInFlight, fmt.Errorf("tokenledger: claim event %s: %w", eventID, err)
	}
	if won {
		e.logger.Info("re-running event",
			"event_id", eventID,
			"previous_status", existing.Status,
			"retry_count", existing.RetryCount,
		)
		return ClaimAcquired, nil
	}

	// Lost the race. Whoever won may already have finished.
	latest, err := e.store.GetEventRecord(ctx, eventID)
	if err != nil {
		return ClaimInFlight, fmt.Errorf("tokenledger: load event %s: %w", eventID, err)
	}
	if latest.Status == event.StatusProcessed {
		return ClaimDuplicate, nil
	}
	return ClaimInFlight, nil
}

// Complete marks eventID processed.
func (e *Engine) Complete(ctx context.Context, eventID string, outcome event.Outcome, note string) error {
	if err := e.store.CompleteEventRecord(ctx, eventID, outcome, note, e.now()); err != nil {
		return fmt.Errorf("tokenledger: complete event %s: %w", eventID, err)
	}
	return nil
}

// Fail marks eventID failed with cause and increments its retry count.
func (e *Engine) Fail(ctx context.Context, eventID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.store.FailEventRecord(ctx, eventID, msg, e.now()); err != nil {
		return fmt.Errorf("tokenledger: fail event %s: %w", eventID, err)
	}
	return nil
}

// GetEventRecord returns the record for eventID.
func (e *Engine) GetEventRecord(ctx context.Context, eventID string) (*event.Record, error) {
	return e.store.GetEventRecord(ctx, eventID)
}

// ListEventRecords lists event records, newest first.
func (e *Engine) ListEventRecords(ctx context.Context, opts event.ListOpts) ([]*event.Record, error) {
	return e.store.ListEventRecords(ctx, opts)
}
