package tokenledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/store/memory"
	"github.com/xraph/tokenledger/subscription"
)

const month = 30 * 24 * time.Hour

func TestRenewalThenTopUpScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := h.subscribe(t, "sub_1", "cus_1", "CREATOR")
	assert.Equal(t, int64(16), sub.Entitlements.MonthlyTokens)

	inv := invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month))
	assert.Equal(t, tokenledger.OutcomeProcessed, h.ingest(t, "evt_inv_1", "invoice.paid", inv))
	// Same event redelivered, then the same invoice under its second event type.
	assert.Equal(t, tokenledger.OutcomeDuplicate, h.ingest(t, "evt_inv_1", "invoice.paid", inv))
	assert.Equal(t, tokenledger.OutcomeProcessed, h.ingest(t, "evt_inv_1_ps", "invoice.payment_succeeded", inv))

	cycles, err := h.engine.ListCycles(ctx, sub.ID, cycle.ListOpts{})
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, int64(1), cycles[0].CycleNumber)
	assert.Equal(t, int64(16), cycles[0].TokensAllocated)
	assert.Equal(t, int64(16), cycles[0].TokenAllotment)

	entries, err := h.engine.ListEntries(ctx, cycles[0].ID, entry.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.TypeCreditSubscription, entries[0].Type)
	assert.Equal(t, int64(16), entries[0].Balance)
	assert.Equal(t, "invoice:inv_1:cycle-credit", entries[0].IdempotencyKey)

	topUp := checkoutObject("tx_1", "cus_1", map[string]string{"intent": "TOP_UP", "tokens": "8"})
	assert.Equal(t, tokenledger.OutcomeProcessed, h.ingest(t, "evt_tx_1", "checkout.session.completed", topUp))

	c, err := h.engine.GetCycle(ctx, cycles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(24), c.TokensAllocated)
	assert.Equal(t, int64(24), c.Balance())

	entries, err = h.engine.ListEntries(ctx, c.ID, entry.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entry.TypeCreditTopUp, entries[1].Type)
	assert.Equal(t, int64(8), entries[1].Amount)
	assert.Equal(t, int64(24), entries[1].Balance)
	assert.Equal(t, int64(2), entries[1].Sequence)

	sent := h.notifier.sent
	require.Len(t, sent, 1)
	assert.Equal(t, "cus_1", sent[0].CustomerRef)
	assert.Equal(t, int64(8), sent[0].Tokens)
	assert.Equal(t, "tx_1", sent[0].ReferenceIDs["session_id"])
}

func TestRenewalCreditedOnceAcrossDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "STARTER")

	inv := invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month))
	for i := 0; i < 5; i++ {
		outcome := h.ingest(t, fmt.Sprintf("evt_%d", i), "invoice.paid", inv)
		require.Equal(t, tokenledger.OutcomeProcessed, outcome)
	}

	bal, err := h.engine.CurrentBalance(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal.Balance)
	assert.Equal(t, int64(1), bal.CycleNumber)
}

func TestDistinctInvoicesOpenDistinctCycles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "GROWTH")

	h.ingest(t, "evt_a", "invoice.paid", invoiceObject("inv_a", "sub_1", epoch.Add(-month), epoch))
	h.ingest(t, "evt_b", "invoice.paid", invoiceObject("inv_b", "sub_1", epoch, epoch.Add(month)))

	cycles, err := h.engine.ListCycles(ctx, sub.ID, cycle.ListOpts{})
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, int64(2), cycles[0].CycleNumber)
	assert.Equal(t, "inv_b", cycles[0].ProviderInvoiceID)
	assert.Equal(t, int64(1), cycles[1].CycleNumber)

	for _, c := range cycles {
		entries, err := h.engine.ListEntries(ctx, c.ID, entry.ListOpts{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(32), entries[0].Balance)
	}

	updated, err := h.engine.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, updated.CurrentPeriodEnd.Equal(epoch.Add(month)))
}

func TestLateInvoiceDoesNotRewindPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "STARTER")

	h.ingest(t, "evt_new", "invoice.paid", invoiceObject("inv_new", "sub_1", epoch, epoch.Add(month)))
	h.ingest(t, "evt_old", "invoice.paid", invoiceObject("inv_old", "sub_1", epoch.Add(-month), epoch))

	updated, err := h.engine.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, updated.CurrentPeriodEnd.Equal(epoch.Add(month)))
}

func TestRenewalForUnknownSubscriptionIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outcome := h.ingest(t, "evt_ghost", "invoice.paid", invoiceObject("inv_x", "sub_ghost", epoch, epoch.Add(month)))
	assert.Equal(t, tokenledger.OutcomeSkipped, outcome)

	rec, err := h.engine.GetEventRecord(ctx, "evt_ghost")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessed, rec.Status)
	assert.Equal(t, event.OutcomeSkipped, rec.Outcome)
	assert.Contains(t, rec.Note, "sub_ghost")
	assert.Zero(t, rec.RetryCount)
}

func TestInvoiceWithoutSubscriptionReferenceIsSkipped(t *testing.T) {
	h := newHarness(t)

	outcome := h.ingest(t, "evt_bare", "invoice.paid", map[string]any{"id": "in_bare"})
	assert.Equal(t, tokenledger.OutcomeSkipped, outcome)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outcome := h.ingest(t, "evt_misc", "customer.created", map[string]any{"id": "cus_1"})
	assert.Equal(t, tokenledger.OutcomeIgnored, outcome)

	rec, err := h.engine.GetEventRecord(ctx, "evt_misc")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessed, rec.Status)
	assert.Equal(t, event.OutcomeIgnored, rec.Outcome)
}

func TestFailedEventIsRerunOnRedelivery(t *testing.T) {
	fs := &flakyStore{Store: memory.New(), failures: 1}
	clock := newClock()
	engine := tokenledger.New(fs,
		tokenledger.WithLogger(quietLogger()),
		tokenledger.WithClock(clock.Now),
		tokenledger.WithReplayConfig(0, 0, 0),
	)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, tokenledger.ProviderEvent{
		ID: "evt_sub", Type: "customer.subscription.created",
		Payload: mustJSON(t, subscriptionObject("sub_1", "cus_1", "CREATOR", "active")),
	})
	require.NoError(t, err)

	inv := tokenledger.ProviderEvent{
		ID: "evt_inv", Type: "invoice.paid",
		Payload: mustJSON(t, invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month))),
	}

	outcome, err := engine.Ingest(ctx, inv)
	assert.Equal(t, tokenledger.OutcomeFailed, outcome)
	require.ErrorIs(t, err, errTransient)

	rec, err := engine.GetEventRecord(ctx, "evt_inv")
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Contains(t, rec.ErrorMessage, "connection reset")

	outcome, err = engine.Ingest(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, tokenledger.OutcomeProcessed, outcome)

	sub, err := engine.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	cycles, err := engine.ListCycles(ctx, sub.ID, cycle.ListOpts{})
	require.NoError(t, err)
	require.Len(t, cycles, 1, "the retry reuses the cycle opened by the failed attempt")
	assert.Equal(t, int64(16), cycles[0].TokensAllocated)
}

func TestReplayPendingRerunsFailedEvents(t *testing.T) {
	fs := &flakyStore{Store: memory.New(), failures: 1}
	clock := newClock()
	engine := tokenledger.New(fs,
		tokenledger.WithLogger(quietLogger()),
		tokenledger.WithClock(clock.Now),
		tokenledger.WithReplayConfig(0, 3, 10),
	)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, tokenledger.ProviderEvent{
		ID: "evt_sub", Type: "customer.subscription.created",
		Payload: mustJSON(t, subscriptionObject("sub_1", "cus_1", "STARTER", "active")),
	})
	require.NoError(t, err)

	_, err = engine.Ingest(ctx, tokenledger.ProviderEvent{
		ID: "evt_inv", Type: "invoice.paid",
		Payload: mustJSON(t, invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month))),
	})
	require.Error(t, err)

	report, err := engine.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Processed)

	rec, err := engine.GetEventRecord(ctx, "evt_inv")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessed, rec.Status)

	report, err = engine.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
}

func TestReplayPendingRespectsRetryLimit(t *testing.T) {
	fs := &flakyStore{Store: memory.New(), failures: 100}
	engine := tokenledger.New(fs,
		tokenledger.WithLogger(quietLogger()),
		tokenledger.WithReplayConfig(0, 2, 10),
	)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, tokenledger.ProviderEvent{
		ID: "evt_sub", Type: "customer.subscription.created",
		Payload: mustJSON(t, subscriptionObject("sub_1", "cus_1", "STARTER", "active")),
	})
	require.NoError(t, err)
	_, err = engine.Ingest(ctx, tokenledger.ProviderEvent{
		ID: "evt_inv", Type: "invoice.paid",
		Payload: mustJSON(t, invoiceObject("inv_1", "sub_1", time.Now(), time.Now().Add(month))),
	})
	require.Error(t, err)

	report, err := engine.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	report, err = engine.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned, "retry count reached the limit")
}

func TestBeginProcessingLease(t *testing.T) {
	h := newHarness(t, tokenledger.WithLeaseTimeout(time.Minute))
	ctx := context.Background()

	claim, err := h.engine.BeginProcessing(ctx, "evt_1", "invoice.paid", nil, epoch)
	require.NoError(t, err)
	assert.Equal(t, tokenledger.ClaimAcquired, claim)

	claim, err = h.engine.BeginProcessing(ctx, "evt_1", "invoice.paid", nil, epoch)
	require.NoError(t, err)
	assert.Equal(t, tokenledger.ClaimInFlight, claim)

	h.clock.Advance(2 * time.Minute)
	claim, err = h.engine.BeginProcessing(ctx, "evt_1", "invoice.paid", nil, epoch)
	require.NoError(t, err)
	assert.Equal(t, tokenledger.ClaimAcquired, claim, "an expired lease is taken over")

	require.NoError(t, h.engine.Complete(ctx, "evt_1", event.OutcomeHandled, ""))
	claim, err = h.engine.BeginProcessing(ctx, "evt_1", "invoice.paid", nil, epoch)
	require.NoError(t, err)
	assert.True(t, claim.IsDuplicate())
}

func TestIngestInFlightReturnsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.BeginProcessing(ctx, "evt_1", "invoice.paid", nil, epoch)
	require.NoError(t, err)

	outcome, err := h.engine.Ingest(ctx, tokenledger.ProviderEvent{ID: "evt_1", Type: "invoice.paid"})
	assert.Equal(t, tokenledger.OutcomeInFlight, outcome)
	assert.ErrorIs(t, err, tokenledger.ErrEventInFlight)
	assert.True(t, tokenledger.IsRetryable(err))
}

func TestConcurrentDuplicateDeliveriesCreditOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "SCALE")

	ev := tokenledger.ProviderEvent{
		ID: "evt_inv", Type: "invoice.paid",
		Payload: mustJSON(t, invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month))),
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Ingest(ctx, ev)
		}()
	}
	wg.Wait()

	cycles, err := h.engine.ListCycles(ctx, sub.ID, cycle.ListOpts{})
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, int64(64), cycles[0].TokensAllocated)

	entries, err := h.engine.ListEntries(ctx, cycles[0].ID, entry.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentRenewalsNumberCyclesWithoutGaps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "STARTER")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := epoch.Add(time.Duration(i) * month)
			_, err := h.engine.Ingest(ctx, tokenledger.ProviderEvent{
				ID:      fmt.Sprintf("evt_%d", i),
				Type:    "invoice.paid",
				Payload: mustJSON(t, invoiceObject(fmt.Sprintf("inv_%d", i), "sub_1", start, start.Add(month))),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cycles, err := h.engine.ListCycles(ctx, sub.ID, cycle.ListOpts{})
	require.NoError(t, err)
	require.Len(t, cycles, n)
	for i, c := range cycles {
		assert.Equal(t, int64(n-i), c.CycleNumber)
	}
}

func TestTopUpQuantityFallbackChain(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     int64
	}{
		{"declared tokens", map[string]string{"intent": "TOP_UP", "tokens": "12", "priceId": "price_token_pack_32"}, 12},
		{"price id", map[string]string{"intent": "TOP_UP", "priceId": "price_token_pack_16"}, 16},
		{"snake case price id", map[string]string{"intent": "TOP_UP", "price_id": "price_token_pack_32"}, 32},
		{"garbage tokens fall through", map[string]string{"intent": "TOP_UP", "tokens": "lots", "priceId": "price_token_pack_16"}, 16},
		{"oversized tokens fall through", map[string]string{"intent": "TOP_UP", "tokens": "9223372036854775807", "priceId": "price_token_pack_16"}, 16},
		{"oversized tokens without price use default", map[string]string{"intent": "TOP_UP", "tokens": "1000001"}, 8},
		{"largest declared tokens", map[string]string{"intent": "TOP_UP", "tokens": "1000000"}, tokenledger.MaxTopUpTokens},
		{"unknown price uses default", map[string]string{"intent": "TOP_UP", "priceId": "price_mystery"}, 8},
		{"nothing uses default", map[string]string{"intent": "TOP_UP"}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			sub := h.subscribe(t, "sub_1", "cus_1", "STARTER")
			h.ingest(t, "evt_inv", "invoice.paid", invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month)))

			outcome := h.ingest(t, "evt_cs", "checkout.session.completed", checkoutObject("cs_1", "cus_1", tt.metadata))
			require.Equal(t, tokenledger.OutcomeProcessed, outcome)

			bal, err := h.engine.CurrentBalance(ctx, sub.ID)
			require.NoError(t, err)
			assert.Equal(t, 8+tt.want, bal.Balance)
		})
	}
}

func TestTopUpPriceTableOverride(t *testing.T) {
	h := newHarness(t,
		tokenledger.WithTopUpPrices(map[string]int64{"price_big": 100}),
		tokenledger.WithDefaultTopUpTokens(5),
	)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "STARTER")
	h.ingest(t, "evt_inv", "invoice.paid", invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month)))

	h.ingest(t, "evt_cs1", "checkout.session.completed", checkoutObject("cs_1", "cus_1", map[string]string{"intent": "TOP_UP", "priceId": "price_big"}))
	h.ingest(t, "evt_cs2", "checkout.session.completed", checkoutObject("cs_2", "cus_1", map[string]string{"intent": "TOP_UP", "priceId": "price_token_pack_8"}))

	bal, err := h.engine.CurrentBalance(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8+100+5), bal.Balance)
}

func TestTopUpAppliedOncePerSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "STARTER")
	h.ingest(t, "evt_inv", "invoice.paid", invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month)))

	cs := checkoutObject("cs_1", "cus_1", map[string]string{"intent": "TOP_UP", "tokens": "16"})
	h.ingest(t, "evt_cs_a", "checkout.session.completed", cs)
	h.ingest(t, "evt_cs_b", "checkout.session.completed", cs)

	bal, err := h.engine.CurrentBalance(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(24), bal.Balance)
	assert.Equal(t, 1, h.notifier.Count(), "an already applied credit sends no notification")
}

func TestTopUpWithoutCurrentCycleIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "cus_1", "STARTER")

	outcome := h.ingest(t, "evt_cs", "checkout.session.completed", checkoutObject("cs_1", "cus_1", map[string]string{"intent": "TOP_UP"}))
	assert.Equal(t, tokenledger.OutcomeSkipped, outcome)
	assert.Equal(t, 1, h.notifier.Count())

	_, err := h.engine.GetEntryByKey(context.Background(), tokenledger.TopUpKey("cs_1"))
	assert.ErrorIs(t, err, tokenledger.ErrEntryNotFound)
}

func TestTopUpAfterCycleEndsIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "cus_1", "STARTER")
	h.ingest(t, "evt_inv", "invoice.paid", invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month)))

	h.clock.Advance(month + time.Hour)
	outcome := h.ingest(t, "evt_cs", "checkout.session.completed", checkoutObject("cs_1", "cus_1", map[string]string{"intent": "TOP_UP"}))
	assert.Equal(t, tokenledger.OutcomeSkipped, outcome)
}

func TestCheckoutWithOtherIntentIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "cus_1", "STARTER")
	h.ingest(t, "evt_inv", "invoice.paid", invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month)))

	outcome := h.ingest(t, "evt_cs", "checkout.session.completed", checkoutObject("cs_1", "cus_1", map[string]string{"intent": "SUBSCRIPTION"}))
	assert.Equal(t, tokenledger.OutcomeSkipped, outcome)
	assert.Zero(t, h.notifier.Count())
}

func TestSubscriptionSnapshots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := h.subscribe(t, "sub_1", "cus_1", "starter")
	assert.Equal(t, "acct_cus_1", sub.AccountID)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, subscription.IntervalMonthly, sub.BillingInterval)
	assert.Equal(t, "price_starter", sub.PriceID)

	h.clock.Advance(time.Minute)
	upgrade := subscriptionObject("sub_1", "cus_1", "GROWTH", "past_due")
	assert.Equal(t, tokenledger.OutcomeProcessed, h.ingest(t, "evt_upd", "customer.subscription.updated", upgrade))

	updated, err := h.engine.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, updated.ID)
	assert.Equal(t, "GROWTH", string(updated.Tier))
	assert.Equal(t, int64(32), updated.Entitlements.MonthlyTokens)
	assert.True(t, updated.Entitlements.AvatarClone)
	assert.Equal(t, subscription.StatusPastDue, updated.Status)
}

func TestStaleSubscriptionSnapshotIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.subscribe(t, "sub_1", "cus_1", "CREATOR")

	h.clock.Advance(time.Hour)
	assert.Equal(t, tokenledger.OutcomeProcessed, h.ingest(t, "evt_del", "customer.subscription.deleted", subscriptionObject("sub_1", "cus_1", "CREATOR", "canceled")))

	// An update created before the deletion arrives afterwards.
	_, err := h.engine.Ingest(ctx, tokenledger.ProviderEvent{
		ID:        "evt_late_upd",
		Type:      "customer.subscription.updated",
		Payload:   mustJSON(t, subscriptionObject("sub_1", "cus_1", "SCALE", "active")),
		CreatedAt: epoch.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	sub, err := h.engine.GetSubscriptionByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, sub.Status)
	assert.Equal(t, "CREATOR", string(sub.Tier))
	require.NotNil(t, sub.CanceledAt)

	rec, err := h.engine.GetEventRecord(ctx, "evt_late_upd")
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeIgnored, rec.Outcome)
}

func TestSubscriptionDeletedForUnknownIsSkipped(t *testing.T) {
	h := newHarness(t)
	outcome := h.ingest(t, "evt_del", "customer.subscription.deleted", map[string]any{"id": "sub_unknown"})
	assert.Equal(t, tokenledger.OutcomeSkipped, outcome)
}

func TestUnknownTierFallsBackToStarter(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(t, "sub_1", "cus_1", "PLATINUM")
	assert.Equal(t, "STARTER", string(sub.Tier))
	assert.Equal(t, int64(8), sub.Entitlements.MonthlyTokens)
}

func TestAcceptDispatchesAsynchronously(t *testing.T) {
	h := newHarness(t, tokenledger.WithDispatchConfig(2, 8))
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	outcome, err := h.engine.Accept(ctx, tokenledger.ProviderEvent{
		ID: "evt_async", Type: "customer.subscription.created",
		Payload: mustJSON(t, subscriptionObject("sub_async", "cus_async", "CREATOR", "active")),
	})
	require.NoError(t, err)
	assert.Equal(t, tokenledger.OutcomeAccepted, outcome)

	require.Eventually(t, func() bool {
		rec, err := h.engine.GetEventRecord(ctx, "evt_async")
		return err == nil && rec.Status == event.StatusProcessed
	}, 2*time.Second, 10*time.Millisecond)

	sub, err := h.engine.GetSubscriptionByProviderID(ctx, "sub_async")
	require.NoError(t, err, "the dispatched event is applied, not reported in flight")
	assert.Equal(t, "CREATOR", string(sub.Tier))

	rec, err := h.engine.GetEventRecord(ctx, "evt_async")
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeHandled, rec.Outcome)
	assert.Empty(t, rec.ErrorMessage)

	outcome, err = h.engine.Accept(ctx, tokenledger.ProviderEvent{ID: "evt_async", Type: "customer.subscription.created"})
	require.NoError(t, err)
	assert.Equal(t, tokenledger.OutcomeDuplicate, outcome)
}

func TestAcceptReportsFullBuffer(t *testing.T) {
	// Not started, so nothing drains the buffer.
	h := newHarness(t, tokenledger.WithDispatchConfig(1, 1))
	ctx := context.Background()

	_, err := h.engine.Accept(ctx, tokenledger.ProviderEvent{ID: "evt_1", Type: "customer.created"})
	require.NoError(t, err)

	outcome, err := h.engine.Accept(ctx, tokenledger.ProviderEvent{ID: "evt_2", Type: "customer.created"})
	assert.Equal(t, tokenledger.OutcomeFailed, outcome)
	assert.ErrorIs(t, err, tokenledger.ErrDispatchBufferFull)

	rec, err := h.engine.GetEventRecord(ctx, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessing, rec.Status, "left for the replay worker")
}

func TestAcceptAfterStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, h.engine.Stop())

	_, err := h.engine.Accept(context.Background(), tokenledger.ProviderEvent{ID: "evt_1"})
	assert.ErrorIs(t, err, tokenledger.ErrEngineStopped)
}

func TestAcceptedEventsAreAppliedByWorkers(t *testing.T) {
	h := newHarness(t, tokenledger.WithDispatchConfig(4, 32))
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	const n = 10
	for i := 0; i < n; i++ {
		outcome, err := h.engine.Accept(ctx, tokenledger.ProviderEvent{
			ID:      fmt.Sprintf("evt_%d", i),
			Type:    "customer.subscription.created",
			Payload: mustJSON(t, subscriptionObject(fmt.Sprintf("sub_%d", i), fmt.Sprintf("cus_%d", i), "STARTER", "active")),
		})
		require.NoError(t, err)
		require.Equal(t, tokenledger.OutcomeAccepted, outcome)
	}

	require.Eventually(t, func() bool {
		for i := 0; i < n; i++ {
			if _, err := h.engine.GetSubscriptionByProviderID(ctx, fmt.Sprintf("sub_%d", i)); err != nil {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartMigratesUnlessSkipped(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		s := &migrateCountingStore{Store: memory.New()}
		eng := tokenledger.New(s, tokenledger.WithLogger(quietLogger()), tokenledger.WithReplayConfig(0, 0, 0))
		require.NoError(t, eng.Start(context.Background()))
		defer eng.Stop()
		assert.Equal(t, int32(1), s.migrations.Load())
	})

	t.Run("skip migrate still dispatches", func(t *testing.T) {
		s := &migrateCountingStore{Store: memory.New()}
		eng := tokenledger.New(s,
			tokenledger.WithLogger(quietLogger()),
			tokenledger.WithReplayConfig(0, 0, 0),
			tokenledger.WithSkipMigrate(),
		)
		ctx := context.Background()
		require.NoError(t, eng.Start(ctx))
		defer eng.Stop()
		assert.Zero(t, s.migrations.Load())

		_, err := eng.Accept(ctx, tokenledger.ProviderEvent{
			ID:      "evt_skip",
			Type:    "customer.subscription.created",
			Payload: mustJSON(t, subscriptionObject("sub_skip", "cus_skip", "STARTER", "active")),
		})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			rec, err := eng.GetEventRecord(ctx, "evt_skip")
			return err == nil && rec.Status == event.StatusProcessed
		}, 2*time.Second, 10*time.Millisecond)
	})
}
