// Package audithook bridges token ledger lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/plugin"
	"github.com/xraph/tokenledger/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnEventFailed          = (*Extension)(nil)
	_ plugin.OnEventSkipped         = (*Extension)(nil)
	_ plugin.OnEventDuplicate       = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged  = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnCycleOpened          = (*Extension)(nil)
	_ plugin.OnEntryAppended        = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Event hooks
// ──────────────────────────────────────────────────

// OnEventFailed implements plugin.OnEventFailed.
func (e *Extension) OnEventFailed(ctx context.Context, eventID, eventType string, err error) error {
	return e.record(ctx, ActionEventFailed, SeverityError, OutcomeFailure,
		ResourceEvent, eventID, CategoryIntegration, err,
		"event_type", eventType,
	)
}

// OnEventSkipped implements plugin.OnEventSkipped.
func (e *Extension) OnEventSkipped(ctx context.Context, eventID, eventType, reason string) error {
	return e.record(ctx, ActionEventSkipped, SeverityWarning, OutcomeSkipped,
		ResourceEvent, eventID, CategoryIntegration, nil,
		"event_type", eventType,
		"reason", reason,
	)
}

// OnEventDuplicate implements plugin.OnEventDuplicate.
func (e *Extension) OnEventDuplicate(ctx context.Context, eventID, eventType string) error {
	return e.record(ctx, ActionEventDuplicate, SeverityInfo, OutcomeSkipped,
		ResourceEvent, eventID, CategoryIntegration, nil,
		"event_type", eventType,
	)
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (e *Extension) OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionChanged, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"provider_subscription_id", sub.ProviderSubscriptionID,
		"account_id", sub.AccountID,
		"tier", string(sub.Tier),
		"status", string(sub.Status),
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"provider_subscription_id", sub.ProviderSubscriptionID,
		"account_id", sub.AccountID,
	)
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCycleOpened implements plugin.OnCycleOpened.
func (e *Extension) OnCycleOpened(ctx context.Context, c *cycle.BillingCycle) error {
	return e.record(ctx, ActionCycleOpened, SeverityInfo, OutcomeSuccess,
		ResourceCycle, c.ID.String(), CategoryLedger, nil,
		"subscription_id", c.SubscriptionID.String(),
		"cycle_number", c.CycleNumber,
		"provider_invoice_id", c.ProviderInvoiceID,
		"token_allotment", c.TokenAllotment,
	)
}

// OnEntryAppended implements plugin.OnEntryAppended.
func (e *Extension) OnEntryAppended(ctx context.Context, en *entry.Entry) error {
	action := ActionTokensCredited
	if en.Amount < 0 {
		action = ActionTokensDebited
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceEntry, en.ID.String(), CategoryLedger, nil,
		"cycle_id", en.CycleID.String(),
		"type", string(en.Type),
		"amount", en.Amount,
		"balance", en.Balance,
		"idempotency_key", en.IdempotencyKey,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
