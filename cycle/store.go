package cycle

import (
	"context"
	"time"

	"github.com/xraph/tokenledger/id"
)

type Store interface {
	// Create assigns c.CycleNumber as max(existing)+1 for the subscription and
	// inserts c in one atomic step. It returns ErrAlreadyExists when either
	// the number or the provider invoice ID collides with an existing cycle.
	Create(ctx context.Context, c *BillingCycle) error
	Get(ctx context.Context, cycleID id.CycleID) (*BillingCycle, error)
	GetByInvoice(ctx context.Context, subID id.SubscriptionID, providerInvoiceID string) (*BillingCycle, error)
	// Current returns the cycle with the latest PeriodEnd that is >= asOf.
	Current(ctx context.Context, subID id.SubscriptionID, asOf time.Time) (*BillingCycle, error)
	List(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*BillingCycle, error)
	// Advance adds the deltas to the counters and sets LedgerSeq to
	// afterSeq+1, only if LedgerSeq still equals afterSeq.
	Advance(ctx context.Context, cycleID id.CycleID, afterSeq, allocatedDelta, usedDelta int64) (bool, error)
}

type ListOpts struct {
	Limit  int
	Offset int
}
