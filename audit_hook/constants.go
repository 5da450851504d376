package audithook

// Action constants for audit events.
const (
	// Event actions
	ActionEventFailed    = "event.failed"
	ActionEventSkipped   = "event.skipped"
	ActionEventDuplicate = "event.duplicate"

	// Subscription actions
	ActionSubscriptionChanged  = "subscription.changed"
	ActionSubscriptionCanceled = "subscription.canceled"

	// Ledger actions
	ActionCycleOpened    = "cycle.opened"
	ActionTokensCredited = "tokens.credited"
	ActionTokensDebited  = "tokens.debited"
)

// Resource constants for audit events.
const (
	ResourceEvent        = "event"
	ResourceSubscription = "subscription"
	ResourceCycle        = "cycle"
	ResourceEntry        = "entry"
)

// Category constants for audit events.
const (
	CategoryIntegration  = "integration"
	CategorySubscription = "subscription"
	CategoryLedger       = "ledger"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)
