package entry

import (
	"time"

	"github.com/xraph/tokenledger/id"
)

type Type string

const (
	TypeCreditSubscription Type = "CREDIT_SUBSCRIPTION"
	TypeCreditTopUp        Type = "CREDIT_TOPUP"
	TypeCreditAdjustment   Type = "CREDIT_ADJUSTMENT"
	TypeDebitUsage         Type = "DEBIT_USAGE"
)

// IsCredit reports whether entries of this type carry a positive amount.
func (t Type) IsCredit() bool {
	switch t {
	case TypeCreditSubscription, TypeCreditTopUp, TypeCreditAdjustment:
		return true
	}
	return false
}

// IsDebit reports whether entries of this type carry a negative amount.
func (t Type) IsDebit() bool {
	return t == TypeDebitUsage
}

// Valid reports whether t is a known entry type.
func (t Type) Valid() bool {
	return t.IsCredit() || t.IsDebit()
}

// Entry is an immutable balance-affecting record. Amount is signed: credits
// are positive, debits negative. Balance is the cycle balance after the
// entry was applied.
type Entry struct {
	ID             id.EntryID `json:"id"`
	CycleID        id.CycleID `json:"cycle_id"`
	Sequence       int64      `json:"sequence"`
	Type           Type       `json:"type"`
	Amount         int64      `json:"amount"`
	Balance        int64      `json:"balance"`
	ReferenceType  string     `json:"reference_type"`
	ReferenceID    string     `json:"reference_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Description    string     `json:"description,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Deltas splits the entry amount into allocation and usage counter deltas.
func (e *Entry) Deltas() (allocated, used int64) {
	if e.Amount < 0 {
		return 0, -e.Amount
	}
	return e.Amount, 0
}
