package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/api"
	"github.com/xraph/tokenledger/provider/stripe"
	"github.com/xraph/tokenledger/store/memory"
)

const secret = "whsec_api_test"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	engine *tokenledger.Engine
	app    *fiber.App
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	engine := tokenledger.New(memory.New(),
		tokenledger.WithLogger(quietLogger()),
		tokenledger.WithReplayConfig(0, 0, 0),
	)
	srv := api.New(engine, stripe.NewVerifier(secret), append([]api.Option{api.WithLogger(quietLogger())}, opts...)...)
	return &fixture{engine: engine, app: srv.App()}
}

func eventBody(t *testing.T, eventID, eventType string, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) deliver(t *testing.T, body []byte, key string) (int, map[string]any) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    key,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func subscriptionObject(id, customer, tier string) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "subscription",
		"customer": customer,
		"status":   "active",
		"metadata": map[string]string{"tier": tier, "account_id": "acct_" + customer},
	}
}

func invoiceObject(id, subscriptionID string) map[string]any {
	now := time.Now()
	return map[string]any{
		"id":           id,
		"object":       "invoice",
		"subscription": subscriptionID,
		"lines": map[string]any{
			"data": []map[string]any{{
				"period": map[string]int64{"start": now.Add(-time.Hour).Unix(), "end": now.Add(30 * 24 * time.Hour).Unix()},
			}},
		},
	}
}

func TestWebhookCreditsAndReadPath(t *testing.T) {
	f := newFixture(t)

	code, body := f.deliver(t, eventBody(t, "evt_sub", "customer.subscription.created", subscriptionObject("sub_1", "cus_1", "CREATOR")), secret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])

	inv := eventBody(t, "evt_inv", "invoice.paid", invoiceObject("in_1", "sub_1"))
	code, body = f.deliver(t, inv, secret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "processed", body["status"])

	code, body = f.deliver(t, inv, secret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", body["status"])

	sub, err := f.engine.GetSubscriptionByProviderID(context.Background(), "sub_1")
	require.NoError(t, err)

	code, body = f.get(t, "/api/subscriptions/"+sub.ID.String()+"/balance")
	require.Equal(t, http.StatusOK, code)
	assert.InDelta(t, 16, body["balance"], 0)
	assert.InDelta(t, 1, body["cycle_number"], 0)

	code, body = f.get(t, "/api/subscriptions/by-provider/sub_1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sub.ID.String(), body["id"])

	code, body = f.get(t, "/api/subscriptions/"+sub.ID.String()+"/cycles")
	require.Equal(t, http.StatusOK, code)
	cycles, ok := body["cycles"].([]any)
	require.True(t, ok)
	require.Len(t, cycles, 1)
	cycleID, _ := cycles[0].(map[string]any)["id"].(string) //nolint:errcheck // asserted by the request below

	code, body = f.get(t, "/api/cycles/"+cycleID+"/entries")
	require.Equal(t, http.StatusOK, code)
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 1)

	code, body = f.get(t, "/api/events/evt_inv")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])
}

func TestWebhookSkippedAndIgnoredAreAcknowledged(t *testing.T) {
	f := newFixture(t)

	code, body := f.deliver(t, eventBody(t, "evt_ghost", "invoice.paid", invoiceObject("in_9", "sub_ghost")), secret)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "skipped", body["status"])

	code, body = f.deliver(t, eventBody(t, "evt_other", "charge.refunded", map[string]any{"id": "ch_1"}), secret)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", body["status"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	code, body := f.deliver(t, eventBody(t, "evt_1", "invoice.paid", invoiceObject("in_1", "sub_1")), "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid signature", body["error"])

	_, err := f.engine.GetEventRecord(context.Background(), "evt_1")
	assert.ErrorIs(t, err, tokenledger.ErrEventNotFound, "unverified deliveries are never recorded")
}

func TestWebhookAsyncAccepts(t *testing.T) {
	f := newFixture(t, api.WithAsync(true))
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() { _ = f.engine.Stop() }) //nolint:errcheck // test cleanup

	code, body := f.deliver(t, eventBody(t, "evt_async", "customer.subscription.created", subscriptionObject("sub_a", "cus_a", "STARTER")), secret)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "accepted", body["status"])

	require.Eventually(t, func() bool {
		_, err := f.engine.GetSubscriptionByProviderID(context.Background(), "sub_a")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadPathErrors(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/api/subscriptions/not-an-id")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", body["error"])

	code, _ = f.get(t, "/api/subscriptions/by-provider/sub_missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.get(t, "/api/events/evt_missing")
	assert.Equal(t, http.StatusNotFound, code)
}

// stubLedger scripts webhook outcomes.
type stubLedger struct {
	api.Ledger
	outcome tokenledger.Outcome
	err     error
	pingErr error
}

func (s *stubLedger) Ingest(context.Context, tokenledger.ProviderEvent) (tokenledger.Outcome, error) {
	return s.outcome, s.err
}

func (s *stubLedger) Accept(context.Context, tokenledger.ProviderEvent) (tokenledger.Outcome, error) {
	return s.outcome, s.err
}

func (s *stubLedger) Ping(context.Context) error { return s.pingErr }

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		ledger *stubLedger
		async  bool
		code   int
		status string
	}{
		{"in flight", &stubLedger{outcome: tokenledger.OutcomeInFlight, err: tokenledger.ErrEventInFlight}, false, http.StatusConflict, "in_flight"},
		{"failed", &stubLedger{outcome: tokenledger.OutcomeFailed, err: errors.New("db down")}, false, http.StatusInternalServerError, "failed"},
		{"buffer full", &stubLedger{outcome: tokenledger.OutcomeFailed, err: tokenledger.ErrDispatchBufferFull}, true, http.StatusAccepted, "deferred"},
		{"duplicate async", &stubLedger{outcome: tokenledger.OutcomeDuplicate}, true, http.StatusOK, "duplicate"},
		{"stopped", &stubLedger{outcome: tokenledger.OutcomeFailed, err: tokenledger.ErrEngineStopped}, true, http.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := api.New(tt.ledger, stripe.NewVerifier(secret), api.WithAsync(tt.async), api.WithLogger(quietLogger()))
			f := &fixture{app: srv.App()}
			code, body := f.deliver(t, eventBody(t, "evt_1", "invoice.paid", map[string]any{"id": "in_1"}), secret)
			assert.Equal(t, tt.code, code)
			if tt.status != "" {
				assert.Equal(t, tt.status, body["status"])
			}
		})
	}
}

func TestWebhookBodyLimit(t *testing.T) {
	srv := api.New(&stubLedger{outcome: tokenledger.OutcomeProcessed}, stripe.NewVerifier(secret),
		api.WithBodyLimit(64), api.WithLogger(quietLogger()))
	f := &fixture{app: srv.App()}

	big := eventBody(t, "evt_big", "invoice.paid", map[string]any{"id": strings.Repeat("x", 256)})
	code, _ := f.deliver(t, big, secret)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tokenledger_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	ledger := &stubLedger{}
	srv := api.New(ledger, stripe.NewVerifier(secret), api.WithGatherer(reg), api.WithLogger(quietLogger()))
	f := &fixture{app: srv.App()}

	code, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	ledger.pingErr = errors.New("closed")
	code, _ = f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "tokenledger_test_total 1")
}
