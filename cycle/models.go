package cycle

import (
	"time"

	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/types"
)

type BillingCycle struct {
	types.Entity
	ID                id.CycleID        `json:"id"`
	SubscriptionID    id.SubscriptionID `json:"subscription_id"`
	CycleNumber       int64             `json:"cycle_number"`
	PeriodStart       time.Time         `json:"period_start"`
	PeriodEnd         time.Time         `json:"period_end"`
	TokenAllotment    int64             `json:"token_allotment"`
	TokensAllocated   int64             `json:"tokens_allocated"`
	TokensUsed        int64             `json:"tokens_used"`
	TokensExpired     int64             `json:"tokens_expired"`
	ProviderInvoiceID string            `json:"provider_invoice_id,omitempty"`

	// LedgerSeq is the sequence of the last ledger entry whose amount has
	// been rolled into the counters above.
	LedgerSeq int64 `json:"ledger_seq"`
}

// Balance returns TokensAllocated - TokensUsed.
func (c *BillingCycle) Balance() int64 {
	return c.TokensAllocated - c.TokensUsed
}

// IsCurrent reports whether the cycle has not ended at t.
func (c *BillingCycle) IsCurrent(t time.Time) bool {
	return !c.PeriodEnd.Before(t)
}

// Period returns the cycle window.
func (c *BillingCycle) Period() types.Period {
	return types.Period{Start: c.PeriodStart, End: c.PeriodEnd}
}
