package store

import (
	"context"
	"time"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/subscription"
)

// Store is the unified storage interface for all ledger entities.
// Methods are declared explicitly rather than by embedding the per-package
// Store interfaces, whose method names collide.
type Store interface {
	// Event record methods
	InsertEventRecord(ctx context.Context, r *event.Record) (bool, error)
	GetEventRecord(ctx context.Context, eventID string) (*event.Record, error)
	ClaimEventRecord(ctx context.Context, eventID string, staleBefore, claimedAt time.Time) (bool, error)
	CompleteEventRecord(ctx context.Context, eventID string, outcome event.Outcome, note string, processedAt time.Time) error
	FailEventRecord(ctx context.Context, eventID string, message string, failedAt time.Time) error
	ListEventRecords(ctx context.Context, opts event.ListOpts) ([]*event.Record, error)
	ListReplayableEvents(ctx context.Context, staleBefore time.Time, maxRetries, limit int) ([]*event.Record, error)

	// Subscription methods
	UpsertSubscription(ctx context.Context, s *subscription.Subscription) (*subscription.Subscription, bool, error)
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error)
	GetSubscriptionByCustomer(ctx context.Context, providerCustomerID string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, accountID string, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	UpdateSubscriptionPeriod(ctx context.Context, subID id.SubscriptionID, start, end time.Time) error
	CancelSubscription(ctx context.Context, providerSubscriptionID string, canceledAt, eventAt time.Time) (*subscription.Subscription, error)

	// Billing cycle methods
	CreateCycle(ctx context.Context, c *cycle.BillingCycle) error
	GetCycle(ctx context.Context, cycleID id.CycleID) (*cycle.BillingCycle, error)
	GetCycleByInvoice(ctx context.Context, subID id.SubscriptionID, providerInvoiceID string) (*cycle.BillingCycle, error)
	CurrentCycle(ctx context.Context, subID id.SubscriptionID, asOf time.Time) (*cycle.BillingCycle, error)
	ListCycles(ctx context.Context, subID id.SubscriptionID, opts cycle.ListOpts) ([]*cycle.BillingCycle, error)
	AdvanceCycle(ctx context.Context, cycleID id.CycleID, afterSeq, allocatedDelta, usedDelta int64) (bool, error)

	// Ledger entry methods
	InsertEntry(ctx context.Context, e *entry.Entry) error
	GetEntryByKey(ctx context.Context, idempotencyKey string) (*entry.Entry, error)
	GetEntryBySequence(ctx context.Context, cycleID id.CycleID, seq int64) (*entry.Entry, error)
	ListEntries(ctx context.Context, cycleID id.CycleID, opts entry.ListOpts) ([]*entry.Entry, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
