package event

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Outcome describes how a processed event was resolved.
type Outcome string

const (
	OutcomeHandled Outcome = "handled"
	OutcomeIgnored Outcome = "ignored"
	OutcomeSkipped Outcome = "skipped"
)

// Record tracks one distinct provider event ID.
type Record struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	Status            Status          `json:"status"`
	Outcome           Outcome         `json:"outcome,omitempty"`
	Note              string          `json:"note,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	RetryCount        int             `json:"retry_count"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ProviderCreatedAt time.Time       `json:"provider_created_at"`
	FirstSeenAt       time.Time       `json:"first_seen_at"`
	ClaimedAt         time.Time       `json:"claimed_at"`
	LastRetryAt       *time.Time      `json:"last_retry_at,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// LeaseExpired reports whether a processing record's claim is older than
// staleBefore.
func (r *Record) LeaseExpired(staleBefore time.Time) bool {
	return r.Status == StatusProcessing && r.ClaimedAt.Before(staleBefore)
}
