package tokenledger

import (
	"context"
	"time"

	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/subscription"
)

// ──────────────────────────────────────────────────
// Read path
// ──────────────────────────────────────────────────

// Balance is the token position of a subscription's current cycle.
type Balance struct {
	SubscriptionID  id.SubscriptionID `json:"subscription_id"`
	CycleID         id.CycleID        `json:"cycle_id"`
	CycleNumber     int64             `json:"cycle_number"`
	PeriodStart     time.Time         `json:"period_start"`
	PeriodEnd       time.Time         `json:"period_end"`
	TokensAllocated int64             `json:"tokens_allocated"`
	TokensUsed      int64             `json:"tokens_used"`
	Balance         int64             `json:"balance"`
}

// GetSubscription returns a subscription by ID.
func (e *Engine) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// GetSubscriptionByProviderID returns a subscription by its provider ID.
func (e *Engine) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	return e.store.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
}

// ListSubscriptions lists an account's subscriptions.
func (e *Engine) ListSubscriptions(ctx context.Context, accountID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, accountID, opts)
}

// CurrentBalance returns the balance of the subscription's current cycle,
// rolling forward any unsettled entries first.
func (e *Engine) CurrentBalance(ctx context.Context, subID id.SubscriptionID) (*Balance, error) {
	c, err := e.CurrentCycle(ctx, subID)
	if err != nil {
		return nil, err
	}

	c, err = e.settleCycle(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	return &Balance{
		SubscriptionID:  subID,
		CycleID:         c.ID,
		CycleNumber:     c.CycleNumber,
		PeriodStart:     c.PeriodStart,
		PeriodEnd:       c.PeriodEnd,
		TokensAllocated: c.TokensAllocated,
		TokensUsed:      c.TokensUsed,
		Balance:         c.Balance(),
	}, nil
}

// Ping checks that the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
