package tokenledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/notify"
	"github.com/xraph/tokenledger/subscription"
	"github.com/xraph/tokenledger/types"
)

// ──────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────

// handleRenewalPaid opens the cycle for a paid invoice and credits the
// subscription's monthly allotment to it.
func (e *Engine) handleRenewalPaid(ctx context.Context, ev ProviderEvent) (handlerResult, error) {
	n, err := e.normalizeRenewal(ev.Payload)
	if err != nil {
		return handlerResult{}, err
	}

	sub, err := e.store.GetSubscriptionByProviderID(ctx, n.ProviderSubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return handlerResult{}, skip("unknown subscription "+n.ProviderSubscriptionID, err)
	}
	if err != nil {
		return handlerResult{}, err
	}

	allotment := sub.Entitlements.MonthlyTokens
	if allotment <= 0 {
		allotment = e.catalog.EntitlementsFor(string(sub.Tier)).MonthlyTokens
	}

	c, opened, err := e.OpenCycle(ctx, sub.ID, n.Period.Start, n.Period.End, allotment, n.InvoiceID)
	if err != nil {
		return handlerResult{}, err
	}
	if !opened {
		e.logger.Info("cycle already open for invoice",
			"invoice_id", n.InvoiceID,
			"cycle_id", c.ID.String(),
		)
	}

	if c.TokenAllotment > 0 {
		res, err := e.Credit(ctx, CreditRequest{
			CycleID:        c.ID,
			Type:           entry.TypeCreditSubscription,
			Amount:         c.TokenAllotment,
			ReferenceType:  "invoice",
			ReferenceID:    n.InvoiceID,
			IdempotencyKey: RenewalKey(n.InvoiceID),
			Description:    fmt.Sprintf("Monthly token credit (%s tier)", sub.Tier),
		})
		if err != nil {
			return handlerResult{}, err
		}
		if !res.AlreadyApplied {
			e.logger.Info("renewal credited",
				"account_id", sub.AccountID,
				"subscription_id", sub.ID.String(),
				"cycle_number", c.CycleNumber,
				"tokens", c.TokenAllotment,
			)
		}
	}

	// An older invoice arriving late must not move the period backwards.
	if !n.Period.End.Before(sub.CurrentPeriodEnd) {
		if err := e.store.UpdateSubscriptionPeriod(ctx, sub.ID, n.Period.Start, n.Period.End); err != nil {
			return handlerResult{}, fmt.Errorf("tokenledger: update subscription period: %w", err)
		}
	}

	return handled, nil
}

// handleSubscriptionChanged applies a subscription snapshot and re-pins its
// entitlements. Snapshots older than the last applied one are ignored.
func (e *Engine) handleSubscriptionChanged(ctx context.Context, ev ProviderEvent) (handlerResult, error) {
	n, err := e.normalizeSubscription(ev.Payload)
	if err != nil {
		return handlerResult{}, err
	}

	now := e.now()
	eventAt := ev.CreatedAt
	if eventAt.IsZero() {
		eventAt = now
	}

	ent := e.catalog.EntitlementsFor(n.Tier)
	if n.Tier != "" && !e.catalog.Known(n.Tier) {
		e.logger.Warn("unknown tier, using fallback",
			"tier", n.Tier,
			"fallback", string(ent.Tier),
			"subscription", n.ProviderSubscriptionID,
		)
	}

	sub := &subscription.Subscription{
		Entity:                 types.EntityAt(now),
		ID:                     id.NewSubscriptionID(),
		AccountID:              n.AccountID,
		ProviderSubscriptionID: n.ProviderSubscriptionID,
		ProviderCustomerID:     n.CustomerID,
		PriceID:                n.PriceID,
		Tier:                   ent.Tier,
		BillingInterval:        n.Interval,
		Status:                 n.Status,
		CurrentPeriodStart:     n.Period.Start,
		CurrentPeriodEnd:       n.Period.End,
		CancelAtPeriodEnd:      n.CancelAtPeriodEnd,
		CanceledAt:             n.CanceledAt,
		TrialStart:             n.TrialStart,
		TrialEnd:               n.TrialEnd,
		Entitlements:           ent,
		ProviderEventAt:        eventAt.UTC(),
	}

	stored, applied, err := e.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return handlerResult{}, fmt.Errorf("tokenledger: upsert subscription: %w", err)
	}
	if !applied {
		e.logger.Info("stale subscription snapshot ignored",
			"subscription", n.ProviderSubscriptionID,
			"event_at", eventAt,
			"applied_at", stored.ProviderEventAt,
		)
		return handlerResult{outcome: event.OutcomeIgnored, note: "stale snapshot"}, nil
	}

	e.logger.Info("subscription updated",
		"subscription", stored.ProviderSubscriptionID,
		"account_id", stored.AccountID,
		"tier", string(stored.Tier),
		"status", string(stored.Status),
	)
	e.plugins.EmitSubscriptionChanged(ctx, stored)

	return handled, nil
}

// handleSubscriptionEnded marks a subscription canceled.
func (e *Engine) handleSubscriptionEnded(ctx context.Context, ev ProviderEvent) (handlerResult, error) {
	n, err := e.normalizeCancellation(ev.Payload, ev.CreatedAt)
	if err != nil {
		return handlerResult{}, err
	}

	eventAt := ev.CreatedAt
	if eventAt.IsZero() {
		eventAt = e.now()
	}

	sub, err := e.store.CancelSubscription(ctx, n.ProviderSubscriptionID, n.CanceledAt, eventAt.UTC())
	if errors.Is(err, ErrSubscriptionNotFound) {
		return handlerResult{}, skip("unknown subscription "+n.ProviderSubscriptionID, err)
	}
	if err != nil {
		return handlerResult{}, fmt.Errorf("tokenledger: cancel subscription: %w", err)
	}

	e.logger.Info("subscription canceled",
		"subscription", sub.ProviderSubscriptionID,
		"account_id", sub.AccountID,
	)
	e.plugins.EmitSubscriptionCanceled(ctx, sub)

	return handled, nil
}

// handlePurchaseCompleted credits a token pack to the customer's current
// cycle and sends a purchase notification.
func (e *Engine) handlePurchaseCompleted(ctx context.Context, ev ProviderEvent) (handlerResult, error) {
	n, err := e.normalizePurchase(ev.Payload)
	if err != nil {
		return handlerResult{}, err
	}
	if n.Intent != IntentTopUp {
		return handlerResult{}, skip(fmt.Sprintf("checkout intent %q is not a top-up", n.Intent), nil)
	}
	if err := e.validateNotice(n); err != nil {
		return handlerResult{}, err
	}

	qty, source := e.topUpQuantity(n)
	if source == "default" {
		e.logger.Warn("could not determine top-up quantity, using default",
			"session_id", n.SessionID,
			"tokens", qty,
		)
	}

	sub, err := e.store.GetSubscriptionByCustomer(ctx, n.CustomerID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		e.notifyPurchase(n, qty, ev)
		return handlerResult{}, skip("no subscription for customer "+n.CustomerID, err)
	}
	if err != nil {
		return handlerResult{}, err
	}

	c, err := e.CurrentCycle(ctx, sub.ID)
	if errors.Is(err, ErrNoCurrentCycle) {
		e.notifyPurchase(n, qty, ev)
		return handlerResult{}, skip("no current billing cycle for subscription "+sub.ID.String(), err)
	}
	if err != nil {
		return handlerResult{}, err
	}

	res, err := e.Credit(ctx, CreditRequest{
		CycleID:        c.ID,
		Type:           entry.TypeCreditTopUp,
		Amount:         qty,
		ReferenceType:  "checkout_session",
		ReferenceID:    n.SessionID,
		IdempotencyKey: TopUpKey(n.SessionID),
		Description:    fmt.Sprintf("Token pack purchase (%d tokens)", qty),
	})
	if err != nil {
		return handlerResult{}, err
	}

	if res.AlreadyApplied {
		return handled, nil
	}

	e.logger.Info("top-up credited",
		"account_id", sub.AccountID,
		"cycle_id", c.ID.String(),
		"tokens", qty,
		"source", source,
		"balance", res.Entry.Balance,
	)
	e.notifyPurchase(n, qty, ev)

	return handled, nil
}

// notifyPurchase hands a purchase notification to the notifier without
// waiting for delivery.
func (e *Engine) notifyPurchase(n *PurchaseNotice, tokens int64, ev ProviderEvent) {
	if e.notifier == nil {
		return
	}

	occurredAt := ev.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = e.now()
	}

	ok := e.notifier.Dispatch(&notify.Notification{
		Kind:               notify.KindTopUpPurchased,
		CustomerRef:        n.CustomerID,
		CustomerEmail:      n.CustomerEmail,
		ProductDescription: n.ProductName,
		ProductID:          n.ProductID,
		PriceID:            n.PriceID,
		Amount:             n.AmountTotal,
		Currency:           n.Currency,
		Tokens:             tokens,
		ReferenceIDs: map[string]string{
			"event_id":   ev.ID,
			"session_id": n.SessionID,
		},
		OccurredAt: occurredAt,
	})
	if !ok {
		e.logger.Warn("purchase notification dropped",
			"session_id", n.SessionID,
		)
	}
}
