package tokenledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/id"
)

// RenewalKey is the idempotency key of the subscription credit for an invoice.
func RenewalKey(invoiceID string) string { return "invoice:" + invoiceID + ":cycle-credit" }

// TopUpKey is the idempotency key of the credit for a one-time purchase.
func TopUpKey(sessionID string) string { return "purchase:" + sessionID + ":topup" }

// UsageKey is the idempotency key of a usage debit.
func UsageKey(reference string) string { return "usage:" + reference + ":debit" }

// CreditRequest describes one balance change. Amount is signed and must match
// the sign of Type.
type CreditRequest struct {
	CycleID        id.CycleID
	Type           entry.Type
	Amount         int64
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	Description    string
}

// CreditResult is returned by Credit. AlreadyApplied is set when an entry with
// the same idempotency key existed; Entry is then the existing entry.
type CreditResult struct {
	Entry          *entry.Entry
	AlreadyApplied bool
}

func (r CreditRequest) validate() error {
	switch {
	case r.CycleID.IsNil():
		return ValidationError{Field: "cycle_id", Message: "required"}
	case r.IdempotencyKey == "":
		return ErrMissingIdempotencyKey
	case !r.Type.Valid():
		return ValidationError{Field: "type", Message: fmt.Sprintf("unknown entry type %q", r.Type)}
	case r.Amount == 0:
		return fmt.Errorf("%w: amount must not be zero", ErrInvalidAmount)
	case r.Amount == math.MinInt64:
		return fmt.Errorf("%w: amount out of range", ErrInvalidAmount)
	case r.Type.IsCredit() && r.Amount < 0:
		return fmt.Errorf("%w: %s requires a positive amount", ErrInvalidAmount, r.Type)
	case r.Type.IsDebit() && r.Amount > 0:
		return fmt.Errorf("%w: %s requires a negative amount", ErrInvalidAmount, r.Type)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────

// Credit appends one ledger entry for req exactly once per idempotency key and
// applies its amount to the cycle counters.
//
// The entry takes sequence LedgerSeq+1 of its cycle. Entries are unique on
// both (cycle, sequence) and idempotency key, so two writers racing for the
// same key cannot both append, and a writer that loses a sequence race
// retries against the new balance. Counters are advanced only by a
// conditional update on LedgerSeq, so each entry is rolled forward once, by
// whichever caller gets there first.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		existing, err := e.store.GetEntryByKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if _, err := e.settleCycle(ctx, existing.CycleID); err != nil {
				return nil, err
			}
			e.logger.Debug("ledger entry already applied",
				"idempotency_key", req.IdempotencyKey,
				"entry_id", existing.ID.String(),
			)
			return &CreditResult{Entry: existing, AlreadyApplied: true}, nil
		case !errors.Is(err, ErrEntryNotFound):
			return nil, fmt.Errorf("tokenledger: lookup idempotency key: %w", err)
		}

		c, err := e.settleCycle(ctx, req.CycleID)
		if err != nil {
			return nil, err
		}

		prior := c.Balance()
		if req.Amount > 0 && (prior > math.MaxInt64-req.Amount || c.TokensAllocated > math.MaxInt64-req.Amount) {
			return nil, fmt.Errorf("%w: crediting %d would overflow cycle %s", ErrInvalidAmount, req.Amount, c.ID)
		}
		if req.Amount < 0 && prior+req.Amount < 0 {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientTokens, prior, -req.Amount)
		}

		en := &entry.Entry{
			ID:             id.NewEntryID(),
			CycleID:        c.ID,
			Sequence:       c.LedgerSeq + 1,
			Type:           req.Type,
			Amount:         req.Amount,
			Balance:        prior + req.Amount,
			ReferenceType:  req.ReferenceType,
			ReferenceID:    req.ReferenceID,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
			CreatedAt:      e.now(),
		}

		if err := e.store.InsertEntry(ctx, en); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			return nil, fmt.Errorf("tokenledger: append entry: %w", err)
		}

		if err := e.rollForward(ctx, c.ID, c.LedgerSeq, en); err != nil {
			return nil, err
		}

		e.logger.Info("ledger entry appended",
			"cycle_id", c.ID.String(),
			"entry_id", en.ID.String(),
			"type", string(en.Type),
			"amount", en.Amount,
			"balance", en.Balance,
			"sequence", en.Sequence,
		)
		e.plugins.EmitEntryAppended(ctx, en)

		return &CreditResult{Entry: en}, nil
	}

	return nil, ErrLedgerContention
}

// Debit records usage against a cycle. amount is the positive number of
// tokens consumed and reference identifies the unit of work.
func (e *Engine) Debit(ctx context.Context, cycleID id.CycleID, amount int64, reference, description string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive", ErrInvalidAmount)
	}
	if reference == "" {
		return nil, ValidationError{Field: "reference", Message: "required"}
	}
	return e.Credit(ctx, CreditRequest{
		CycleID:        cycleID,
		Type:           entry.TypeDebitUsage,
		Amount:         -amount,
		ReferenceType:  "usage",
		ReferenceID:    reference,
		IdempotencyKey: UsageKey(reference),
		Description:    description,
	})
}

// settleCycle loads the cycle and rolls forward any entries appended past
// its LedgerSeq, returning the settled cycle.
func (e *Engine) settleCycle(ctx context.Context, cycleID id.CycleID) (*cycle.BillingCycle, error) {
	for {
		c, err := e.store.GetCycle(ctx, cycleID)
		if err != nil {
			return nil, err
		}

		pending, err := e.store.GetEntryBySequence(ctx, cycleID, c.LedgerSeq+1)
		if errors.Is(err, ErrEntryNotFound) {
			return c, nil
		}
		if err != nil {
			return nil, fmt.Errorf("tokenledger: load pending entry: %w", err)
		}

		e.logger.Debug("rolling forward unsettled ledger entry",
			"cycle_id", cycleID.String(),
			"sequence", pending.Sequence,
		)
		if err := e.rollForward(ctx, cycleID, c.LedgerSeq, pending); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) rollForward(ctx context.Context, cycleID id.CycleID, afterSeq int64, en *entry.Entry) error {
	allocated, used := en.Deltas()

	var err error
	if allocated > 0 {
		_, err = e.IncrementAllocation(ctx, cycleID, afterSeq, allocated)
	} else {
		_, err = e.RecordUsage(ctx, cycleID, afterSeq, used)
	}
	if err != nil {
		return fmt.Errorf("tokenledger: advance cycle %s: %w", cycleID, err)
	}
	return nil
}

// GetEntryByKey returns the entry recorded under an idempotency key.
func (e *Engine) GetEntryByKey(ctx context.Context, idempotencyKey string) (*entry.Entry, error) {
	return e.store.GetEntryByKey(ctx, idempotencyKey)
}

// ListEntries lists a cycle's entries in sequence order.
func (e *Engine) ListEntries(ctx context.Context, cycleID id.CycleID, opts entry.ListOpts) ([]*entry.Entry, error) {
	return e.store.ListEntries(ctx, cycleID, opts)
}
