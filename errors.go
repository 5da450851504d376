package tokenledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrAlreadyExists = errors.New("tokenledger: already exists")

	// Event errors
	ErrEventNotFound      = errors.New("tokenledger: event record not found")
	ErrEventInFlight      = errors.New("tokenledger: event is being processed by another worker")
	ErrDispatchBufferFull = errors.New("tokenledger: dispatch buffer full")
	ErrInvalidSignature   = errors.New("tokenledger: webhook signature verification failed")
	ErrEngineStopped      = errors.New("tokenledger: engine is stopped")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("tokenledger: subscription not found")

	// Cycle errors
	ErrCycleNotFound   = errors.New("tokenledger: billing cycle not found")
	ErrNoCurrentCycle  = errors.New("tokenledger: no current billing cycle")
	ErrCycleContention = errors.New("tokenledger: billing cycle number contention")

	// Ledger errors
	ErrEntryNotFound         = errors.New("tokenledger: ledger entry not found")
	ErrInsufficientTokens    = errors.New("tokenledger: insufficient token balance")
	ErrLedgerContention      = errors.New("tokenledger: ledger sequence contention")
	ErrInvalidAmount         = errors.New("tokenledger: invalid entry amount")
	ErrMissingIdempotencyKey = errors.New("tokenledger: missing idempotency key")

	// Store errors
	ErrStoreClosed     = errors.New("tokenledger: store is closed")
	ErrMigrationFailed = errors.New("tokenledger: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tokenledger: validation failed for %s: %s", e.Field, e.Message)
}

// SkipError marks an event that cannot be applied because something it
// references is unknown or missing. Skipped events are completed, not failed.
type SkipError struct {
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tokenledger: skipped: %s: %v", e.Reason, e.Err)
	}
	return "tokenledger: skipped: " + e.Reason
}

func (e *SkipError) Unwrap() error { return e.Err }

func skip(reason string, err error) error {
	return &SkipError{Reason: reason, Err: err}
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrCycleNotFound) ||
		errors.Is(err, ErrNoCurrentCycle) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsUnknownReference returns true if the error means an event should be
// skipped rather than failed.
func IsUnknownReference(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}

// skipReason returns the reason carried by a SkipError in err's chain.
func skipReason(err error) string {
	var se *SkipError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEventInFlight) ||
		errors.Is(err, ErrDispatchBufferFull) ||
		errors.Is(err, ErrCycleContention) ||
		errors.Is(err, ErrLedgerContention)
}
