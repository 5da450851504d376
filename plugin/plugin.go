// Package plugin provides an extensible plugin system for the token ledger.
// Plugins hook into event processing and ledger lifecycle events. A plugin
// error or timeout is logged and never changes the outcome of the operation
// that emitted it.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Provider event hooks
// ──────────────────────────────────────────────────

// OnEventReceived is called when a provider event is claimed for processing.
type OnEventReceived interface {
	Plugin
	OnEventReceived(ctx context.Context, eventID, eventType string) error
}

// OnEventProcessed is called when a handler completes. Outcome is one of
// handled, ignored or skipped.
type OnEventProcessed interface {
	Plugin
	OnEventProcessed(ctx context.Context, eventID, eventType, outcome string, elapsed time.Duration) error
}

// OnEventFailed is called when a handler returns an error.
type OnEventFailed interface {
	Plugin
	OnEventFailed(ctx context.Context, eventID, eventType string, err error) error
}

// OnEventDuplicate is called when an already processed event is redelivered.
type OnEventDuplicate interface {
	Plugin
	OnEventDuplicate(ctx context.Context, eventID, eventType string) error
}

// OnEventSkipped is called when an event references something unknown, such
// as a top-up with no current cycle, and is completed without effect.
type OnEventSkipped interface {
	Plugin
	OnEventSkipped(ctx context.Context, eventID, eventType, reason string) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionChanged is called after a subscription snapshot is applied.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionCanceled is called after a subscription is canceled.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCycleOpened is called when a new billing cycle is created.
type OnCycleOpened interface {
	Plugin
	OnCycleOpened(ctx context.Context, c *cycle.BillingCycle) error
}

// OnEntryAppended is called when a new ledger entry is appended.
type OnEntryAppended interface {
	Plugin
	OnEntryAppended(ctx context.Context, e *entry.Entry) error
}
