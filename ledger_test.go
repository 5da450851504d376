package tokenledger_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/id"
)

// openCycle creates a subscription and an empty cycle for it.
func openCycle(t *testing.T, h *harness) *cycle.BillingCycle {
	t.Helper()
	sub := h.subscribe(t, "sub_ledger", "cus_ledger", "STARTER")
	c, opened, err := h.engine.OpenCycle(context.Background(), sub.ID, epoch, epoch.Add(month), 8, "inv_ledger")
	require.NoError(t, err)
	require.True(t, opened)
	return c
}

func credit(cycleID id.CycleID, amount int64, key string) tokenledger.CreditRequest {
	return tokenledger.CreditRequest{
		CycleID:        cycleID,
		Type:           entry.TypeCreditAdjustment,
		Amount:         amount,
		ReferenceType:  "test",
		ReferenceID:    key,
		IdempotencyKey: key,
	}
}

func TestOpenCycleIsIdempotentPerInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := openCycle(t, h)

	assert.Equal(t, int64(1), c.CycleNumber)
	assert.Zero(t, c.TokensAllocated)
	assert.Equal(t, int64(8), c.TokenAllotment)

	again, opened, err := h.engine.OpenCycle(ctx, c.SubscriptionID, epoch, epoch.Add(month), 8, "inv_ledger")
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, c.ID, again.ID)

	next, opened, err := h.engine.OpenCycle(ctx, c.SubscriptionID, epoch.Add(month), epoch.Add(2*month), 8, "inv_next")
	require.NoError(t, err)
	assert.True(t, opened)
	assert.Equal(t, int64(2), next.CycleNumber)
}

func TestOpenCycleValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.subscribe(t, "sub_1", "cus_1", "STARTER")

	_, _, err := h.engine.OpenCycle(ctx, id.SubscriptionID{}, epoch, epoch.Add(month), 8, "inv")
	assert.Error(t, err)

	_, _, err = h.engine.OpenCycle(ctx, sub.ID, epoch, epoch, 8, "inv")
	var verr tokenledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "period_end", verr.Field)

	_, _, err = h.engine.OpenCycle(ctx, sub.ID, epoch, epoch.Add(month), -1, "inv")
	assert.Error(t, err)
}

func TestCreditAppliesOncePerKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := openCycle(t, h)

	first, err := h.engine.Credit(ctx, credit(c.ID, 5, "adj_1"))
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)
	assert.Equal(t, int64(1), first.Entry.Sequence)
	assert.Equal(t, int64(5), first.Entry.Balance)

	second, err := h.engine.Credit(ctx, credit(c.ID, 5, "adj_1"))
	require.NoError(t, err)
	assert.True(t, second.AlreadyApplied)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	got, err := h.engine.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.TokensAllocated)
	assert.Equal(t, int64(1), got.LedgerSeq)
}

func TestCreditValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := openCycle(t, h)

	tests := []struct {
		name string
		req  tokenledger.CreditRequest
		want error
	}{
		{"zero amount", credit(c.ID, 0, "k"), tokenledger.ErrInvalidAmount},
		{"negative credit", credit(c.ID, -3, "k"), tokenledger.ErrInvalidAmount},
		{"missing key", credit(c.ID, 3, ""), tokenledger.ErrMissingIdempotencyKey},
		{"positive debit", tokenledger.CreditRequest{CycleID: c.ID, Type: entry.TypeDebitUsage, Amount: 3, IdempotencyKey: "k"}, tokenledger.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Credit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := h.engine.Credit(ctx, tokenledger.CreditRequest{CycleID: c.ID, Type: "BONUS", Amount: 3, IdempotencyKey: "k"})
	var verr tokenledger.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDebit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := openCycle(t, h)

	_, err := h.engine.Credit(ctx, credit(c.ID, 10, "adj_1"))
	require.NoError(t, err)

	res, err := h.engine.Debit(ctx, c.ID, 4, "job_1", "render")
	require.NoError(t, err)
	assert.Equal(t, int64(-4), res.Entry.Amount)
	assert.Equal(t, int64(6), res.Entry.Balance)
	assert.Equal(t, "usage:job_1:debit", res.Entry.IdempotencyKey)

	res, err = h.engine.Debit(ctx, c.ID, 4, "job_1", "render")
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)

	_, err = h.engine.Debit(ctx, c.ID, 7, "job_2", "render")
	assert.ErrorIs(t, err, tokenledger.ErrInsufficientTokens)

	_, err = h.engine.Debit(ctx, c.ID, 0, "job_3", "render")
	assert.ErrorIs(t, err, tokenledger.ErrInvalidAmount)

	got, err := h.engine.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.TokensAllocated)
	assert.Equal(t, int64(4), got.TokensUsed)
	assert.Equal(t, int64(6), got.Balance())
}

func TestCreditRejectsOverflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := openCycle(t, h)

	_, err := h.engine.Credit(ctx, credit(c.ID, 10, "adj_1"))
	require.NoError(t, err)

	_, err = h.engine.Credit(ctx, credit(c.ID, math.MaxInt64, "adj_huge"))
	assert.ErrorIs(t, err, tokenledger.ErrInvalidAmount)

	_, err = h.engine.Credit(ctx, tokenledger.CreditRequest{
		CycleID: c.ID, Type: entry.TypeDebitUsage, Amount: math.MinInt64, IdempotencyKey: "usage:min",
	})
	assert.ErrorIs(t, err, tokenledger.ErrInvalidAmount)

	_, err = h.engine.GetEntryByKey(ctx, "adj_huge")
	assert.ErrorIs(t, err, tokenledger.ErrEntryNotFound)

	got, err := h.engine.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.TokensAllocated)
	assert.Equal(t, int64(10), got.Balance())

	res, err := h.engine.Credit(ctx, credit(c.ID, math.MaxInt64-10, "adj_fill"))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), res.Entry.Balance)

	_, err = h.engine.Credit(ctx, credit(c.ID, 1, "adj_one_more"))
	assert.ErrorIs(t, err, tokenledger.ErrInvalidAmount)
}

func TestCreditUnknownCycle(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Credit(context.Background(), credit(id.NewCycleID(), 5, "adj_1"))
	assert.ErrorIs(t, err, tokenledger.ErrCycleNotFound)
}

func TestConcurrentCreditsKeepSequenceDense(t *testing.T) {
	h := newHarness(t, tokenledger.WithMaxAttempts(64))
	ctx := context.Background()
	c := openCycle(t, h)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Credit(ctx, credit(c.ID, int64(i+1), fmt.Sprintf("adj_%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := h.engine.ListEntries(ctx, c.ID, entry.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, n)

	var running int64
	for i, en := range entries {
		assert.Equal(t, int64(i+1), en.Sequence)
		running += en.Amount
		assert.Equal(t, running, en.Balance)
	}

	got, err := h.engine.GetCycle(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n*(n+1)/2), got.TokensAllocated)
	assert.Equal(t, running, got.Balance())
}

func TestCurrentCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := openCycle(t, h)

	cur, err := h.engine.CurrentCycle(ctx, c.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, cur.ID)

	h.clock.Advance(2 * month)
	_, err = h.engine.CurrentCycle(ctx, c.SubscriptionID)
	assert.ErrorIs(t, err, tokenledger.ErrNoCurrentCycle)
}

// ──────────────────────────────────────────────────
// Properties
// ──────────────────────────────────────────────────

func TestLedgerBalanceReconciles(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cycle balance equals the latest entry balance", prop.ForAll(
		func(ops []int64) bool {
			h := newHarness(t)
			ctx := context.Background()
			c := openCycle(t, h)

			for i, op := range ops {
				key := fmt.Sprintf("op_%d", i)
				var err error
				if op >= 0 {
					_, err = h.engine.Credit(ctx, credit(c.ID, op+1, key))
				} else {
					_, err = h.engine.Debit(ctx, c.ID, -op, key, "")
				}
				if err != nil && !assert.ErrorIs(t, err, tokenledger.ErrInsufficientTokens) {
					return false
				}
			}

			got, err := h.engine.GetCycle(ctx, c.ID)
			if err != nil || got.Balance() < 0 {
				return false
			}
			entries, err := h.engine.ListEntries(ctx, c.ID, entry.ListOpts{})
			if err != nil || int64(len(entries)) != got.LedgerSeq {
				return false
			}
			if len(entries) == 0 {
				return got.Balance() == 0
			}

			var allocated, used int64
			for _, en := range entries {
				a, u := en.Deltas()
				allocated += a
				used += u
			}
			return allocated == got.TokensAllocated &&
				used == got.TokensUsed &&
				entries[len(entries)-1].Balance == got.Balance()
		},
		gen.SliceOf(gen.Int64Range(-20, 20)),
	))

	properties.TestingRun(t)
}

func TestCycleNumbersAreDense(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("redelivered invoices never skip a cycle number", prop.ForAll(
		func(invoices []uint8) bool {
			h := newHarness(t)
			ctx := context.Background()
			sub := h.subscribe(t, "sub_prop", "cus_prop", "CREATOR")

			distinct := map[uint8]bool{}
			for i, inv := range invoices {
				start := epoch.Add(time.Duration(inv) * time.Hour)
				_, err := h.engine.Ingest(ctx, tokenledger.ProviderEvent{
					ID:      fmt.Sprintf("evt_%d", i),
					Type:    "invoice.paid",
					Payload: mustJSON(t, invoiceObject(fmt.Sprintf("inv_%d", inv), "sub_prop", start, start.Add(month))),
				})
				if err != nil {
					return false
				}
				distinct[inv] = true
			}

			cycles, err := h.engine.ListCycles(ctx, sub.ID, cycle.ListOpts{})
			if err != nil || len(cycles) != len(distinct) {
				return false
			}
			for i, c := range cycles {
				if c.CycleNumber != int64(len(cycles)-i) || c.TokensAllocated != 16 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8Range(0, 5)),
	))

	properties.TestingRun(t)
}
