package tokenledger

import (
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/subscription"
	"github.com/xraph/tokenledger/tier"
	"github.com/xraph/tokenledger/types"
)

// Re-export common types for convenience so users don't have to import the
// model packages.

// Entity is re-exported from types package.
type Entity = types.Entity

// Period is re-exported from types package.
type Period = types.Period

// Subscription is re-exported from subscription package.
type Subscription = subscription.Subscription

// BillingCycle is re-exported from cycle package.
type BillingCycle = cycle.BillingCycle

// Entry is re-exported from entry package.
type Entry = entry.Entry

// EntryType is re-exported from entry package.
type EntryType = entry.Type

// Entitlements is re-exported from tier package.
type Entitlements = tier.Entitlements

// Re-export entry types.
const (
	CreditSubscription = entry.TypeCreditSubscription
	CreditTopUp        = entry.TypeCreditTopUp
	CreditAdjustment   = entry.TypeCreditAdjustment
	DebitUsage         = entry.TypeDebitUsage
)

// Re-export constructors.
var (
	NewEntity      = types.NewEntity
	DefaultCatalog = tier.DefaultCatalog
)
