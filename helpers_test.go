package tokenledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/notify"
	"github.com/xraph/tokenledger/store/memory"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*notify.Notification
}

func (r *recordingNotifier) Dispatch(n *notify.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return true
}

func (r *recordingNotifier) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// flakyStore fails the next N entry inserts.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

var errTransient = errors.New("connection reset")

func (f *flakyStore) InsertEntry(ctx context.Context, e *entry.Entry) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errTransient
	}
	f.mu.Unlock()
	return f.Store.InsertEntry(ctx, e)
}

// migrateCountingStore counts schema migrations.
type migrateCountingStore struct {
	*memory.Store
	migrations atomic.Int32
}

func (m *migrateCountingStore) Migrate(ctx context.Context) error {
	m.migrations.Add(1)
	return m.Store.Migrate(ctx)
}

type harness struct {
	engine   *tokenledger.Engine
	store    *memory.Store
	clock    *fakeClock
	notifier *recordingNotifier
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...tokenledger.Option) *harness {
	t.Helper()

	h := &harness{
		store:    memory.New(),
		clock:    newClock(),
		notifier: &recordingNotifier{},
	}
	base := []tokenledger.Option{
		tokenledger.WithLogger(quietLogger()),
		tokenledger.WithClock(h.clock.Now),
		tokenledger.WithNotifier(h.notifier),
		tokenledger.WithReplayConfig(0, 0, 0),
	}
	h.engine = tokenledger.New(h.store, append(base, opts...)...)
	return h
}

func (h *harness) ingest(t *testing.T, id, typ string, payload any) tokenledger.Outcome {
	t.Helper()
	outcome, err := h.engine.Ingest(context.Background(), tokenledger.ProviderEvent{
		ID:        id,
		Type:      typ,
		Payload:   mustJSON(t, payload),
		CreatedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	return outcome
}

// subscribe creates a subscription through a customer.subscription.created
// event.
func (h *harness) subscribe(t *testing.T, providerID, customerID, tier string) *tokenledger.Subscription {
	t.Helper()
	outcome := h.ingest(t, "evt_create_"+providerID, "customer.subscription.created", subscriptionObject(providerID, customerID, tier, "active"))
	require.Equal(t, tokenledger.OutcomeProcessed, outcome)

	sub, err := h.engine.GetSubscriptionByProviderID(context.Background(), providerID)
	require.NoError(t, err)
	return sub
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func subscriptionObject(id, customer, tier, status string) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "subscription",
		"customer": customer,
		"status":   status,
		"metadata": map[string]string{"tier": tier, "account_id": "acct_" + customer},
		"items": map[string]any{
			"data": []map[string]any{{
				"price": map[string]any{"id": "price_" + tier, "recurring": map[string]string{"interval": "month"}},
			}},
		},
	}
}

func invoiceObject(id, subscriptionID string, start, end time.Time) map[string]any {
	return map[string]any{
		"id":           id,
		"object":       "invoice",
		"subscription": subscriptionID,
		"amount_paid":  2900,
		"currency":     "usd",
		"lines": map[string]any{
			"data": []map[string]any{{
				"period": map[string]int64{"start": start.Unix(), "end": end.Unix()},
			}},
		},
	}
}

func checkoutObject(id, customer string, metadata map[string]string) map[string]any {
	return map[string]any{
		"id":           id,
		"object":       "checkout.session",
		"customer":     customer,
		"amount_total": 900,
		"currency":     "usd",
		"metadata":     metadata,
	}
}
