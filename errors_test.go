package tokenledger_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tokenledger"
)

func TestErrorClassification(t *testing.T) {
	skipped := &tokenledger.SkipError{Reason: "unknown subscription", Err: tokenledger.ErrSubscriptionNotFound}
	wrapped := fmt.Errorf("handle invoice.paid: %w", skipped)

	assert.True(t, tokenledger.IsUnknownReference(skipped))
	assert.True(t, tokenledger.IsUnknownReference(wrapped))
	assert.False(t, tokenledger.IsUnknownReference(tokenledger.ErrSubscriptionNotFound))
	assert.False(t, tokenledger.IsUnknownReference(errors.New("db down")))

	assert.True(t, tokenledger.IsNotFound(wrapped))
	assert.True(t, tokenledger.IsNotFound(tokenledger.ErrEntryNotFound))
	assert.False(t, tokenledger.IsNotFound(tokenledger.ErrLedgerContention))

	assert.True(t, tokenledger.IsRetryable(fmt.Errorf("advance: %w", tokenledger.ErrLedgerContention)))
	assert.False(t, tokenledger.IsRetryable(tokenledger.ErrInvalidAmount))
}
