package tokenledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/types"
)

// ──────────────────────────────────────────────────
// Cycle management
// ──────────────────────────────────────────────────

// OpenCycle creates the next billing cycle for a subscription. The cycle
// number is assigned by the store as max+1 in the same statement that inserts
// the row, so concurrent openers never share a number.
//
// Opening is idempotent per provider invoice: when a cycle already exists for
// providerInvoiceID it is returned with opened=false and no number is used up.
//
// The allotment is recorded on the cycle as TokenAllotment. TokensAllocated
// starts at zero and grows only through ledger credits.
func (e *Engine) OpenCycle(ctx context.Context, subID id.SubscriptionID, periodStart, periodEnd time.Time, allotment int64, providerInvoiceID string) (*cycle.BillingCycle, bool, error) {
	if subID.IsNil() {
		return nil, false, ValidationError{Field: "subscription_id", Message: "required"}
	}
	if allotment < 0 {
		return nil, false, ValidationError{Field: "allotment", Message: "must not be negative"}
	}
	if !periodEnd.After(periodStart) {
		return nil, false, ValidationError{Field: "period_end", Message: "must be after period_start"}
	}

	if existing, err := e.cycleForInvoice(ctx, subID, providerInvoiceID); err != nil || existing != nil {
		return existing, false, err
	}

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		c := &cycle.BillingCycle{
			Entity:            types.EntityAt(e.now()),
			ID:                id.NewCycleID(),
			SubscriptionID:    subID,
			PeriodStart:       periodStart.UTC(),
			PeriodEnd:         periodEnd.UTC(),
			TokenAllotment:    allotment,
			ProviderInvoiceID: providerInvoiceID,
		}

		err := e.store.CreateCycle(ctx, c)
		if err == nil {
			e.logger.Info("billing cycle opened",
				"subscription_id", subID.String(),
				"cycle_id", c.ID.String(),
				"cycle_number", c.CycleNumber,
				"invoice_id", providerInvoiceID,
			)
			e.plugins.EmitCycleOpened(ctx, c)
			return c, true, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return nil, false, fmt.Errorf("tokenledger: open cycle: %w", err)
		}

		// Either the invoice was opened concurrently or another cycle took
		// the number.
		if existing, err := e.cycleForInvoice(ctx, subID, providerInvoiceID); err != nil || existing != nil {
			return existing, false, err
		}
	}

	return nil, false, ErrCycleContention
}

func (e *Engine) cycleForInvoice(ctx context.Context, subID id.SubscriptionID, providerInvoiceID string) (*cycle.BillingCycle, error) {
	if providerInvoiceID == "" {
		return nil, nil
	}
	c, err := e.store.GetCycleByInvoice(ctx, subID, providerInvoiceID)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, ErrCycleNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("tokenledger: lookup cycle for invoice %s: %w", providerInvoiceID, err)
	}
}

// CurrentCycle returns the subscription's cycle with the latest PeriodEnd that
// has not yet passed, or ErrNoCurrentCycle.
func (e *Engine) CurrentCycle(ctx context.Context, subID id.SubscriptionID) (*cycle.BillingCycle, error) {
	c, err := e.store.CurrentCycle(ctx, subID, e.now())
	if errors.Is(err, ErrCycleNotFound) {
		return nil, ErrNoCurrentCycle
	}
	return c, err
}

// IncrementAllocation raises the cycle's TokensAllocated by amount as the
// roll-forward of the ledger entry at afterSeq+1. It reports false when the
// cycle has already moved past afterSeq.
func (e *Engine) IncrementAllocation(ctx context.Context, cycleID id.CycleID, afterSeq, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	return e.store.AdvanceCycle(ctx, cycleID, afterSeq, amount, 0)
}

// RecordUsage raises the cycle's TokensUsed by amount as the roll-forward of
// the ledger entry at afterSeq+1.
func (e *Engine) RecordUsage(ctx context.Context, cycleID id.CycleID, afterSeq, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	return e.store.AdvanceCycle(ctx, cycleID, afterSeq, 0, amount)
}

// GetCycle returns a cycle by ID.
func (e *Engine) GetCycle(ctx context.Context, cycleID id.CycleID) (*cycle.BillingCycle, error) {
	return e.store.GetCycle(ctx, cycleID)
}

// ListCycles lists a subscription's cycles, newest first.
func (e *Engine) ListCycles(ctx context.Context, subID id.SubscriptionID, opts cycle.ListOpts) ([]*cycle.BillingCycle, error) {
	return e.store.ListCycles(ctx, subID, opts)
}
