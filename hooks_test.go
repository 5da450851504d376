package tokenledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/subscription"
)

// recorder captures the hooks the engine emits, in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnInit(context.Context, interface{}) error { r.add("init"); return nil }
func (r *recorder) OnShutdown(context.Context) error          { r.add("shutdown"); return nil }

func (r *recorder) OnEventDuplicate(_ context.Context, eventID, _ string) error {
	r.add("duplicate:" + eventID)
	return nil
}

func (r *recorder) OnEventSkipped(_ context.Context, eventID, _, _ string) error {
	r.add("skipped:" + eventID)
	return nil
}

func (r *recorder) OnSubscriptionChanged(_ context.Context, sub *subscription.Subscription) error {
	r.add("subscription:" + sub.ProviderSubscriptionID)
	return nil
}

func (r *recorder) OnSubscriptionCanceled(_ context.Context, sub *subscription.Subscription) error {
	r.add("canceled:" + sub.ProviderSubscriptionID)
	return nil
}

func (r *recorder) OnCycleOpened(_ context.Context, c *cycle.BillingCycle) error {
	r.add("cycle:" + c.ProviderInvoiceID)
	return nil
}

func (r *recorder) OnEntryAppended(_ context.Context, e *entry.Entry) error {
	r.add("entry:" + e.IdempotencyKey)
	return nil
}

func TestEngineEmitsHooks(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, tokenledger.WithPlugin(rec))
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))

	h.subscribe(t, "sub_1", "cus_1", "STARTER")
	inv := invoiceObject("inv_1", "sub_1", epoch, epoch.Add(month))
	h.ingest(t, "evt_inv", "invoice.paid", inv)
	h.ingest(t, "evt_inv", "invoice.paid", inv)
	h.ingest(t, "evt_ghost", "invoice.paid", invoiceObject("inv_2", "sub_ghost", epoch, epoch.Add(month)))
	h.clock.Advance(month / 2)
	h.ingest(t, "evt_del", "customer.subscription.deleted", subscriptionObject("sub_1", "cus_1", "STARTER", "canceled"))

	require.NoError(t, h.engine.Stop())

	assert.Equal(t, []string{
		"init",
		"subscription:sub_1",
		"cycle:inv_1",
		"entry:invoice:inv_1:cycle-credit",
		"duplicate:evt_inv",
		"skipped:evt_ghost",
		"canceled:sub_1",
		"shutdown",
	}, rec.snapshot())
}
