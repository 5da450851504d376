package subscription

import (
	"time"

	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/tier"
	"github.com/xraph/tokenledger/types"
)

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusPastDue    Status = "PAST_DUE"
	StatusCanceled   Status = "CANCELED"
	StatusIncomplete Status = "INCOMPLETE"
	StatusTrialing   Status = "TRIALING"
	StatusPaused     Status = "PAUSED"
)

type Interval string

const (
	IntervalMonthly Interval = "MONTHLY"
	IntervalYearly  Interval = "YEARLY"
)

type Subscription struct {
	types.Entity
	ID                     id.SubscriptionID `json:"id"`
	AccountID              string            `json:"account_id"`
	ProviderSubscriptionID string            `json:"provider_subscription_id"`
	ProviderCustomerID     string            `json:"provider_customer_id,omitempty"`
	PriceID                string            `json:"price_id,omitempty"`
	Tier                   tier.Name         `json:"tier"`
	BillingInterval        Interval          `json:"billing_interval"`
	Status                 Status            `json:"status"`
	CurrentPeriodStart     time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd      bool              `json:"cancel_at_period_end"`
	CanceledAt             *time.Time        `json:"canceled_at,omitempty"`
	TrialStart             *time.Time        `json:"trial_start,omitempty"`
	TrialEnd               *time.Time        `json:"trial_end,omitempty"`
	Entitlements           tier.Entitlements `json:"entitlements"`

	// ProviderEventAt is the provider timestamp of the snapshot last applied.
	// Older snapshots are not applied over newer ones.
	ProviderEventAt time.Time `json:"provider_event_at"`
}

// IsActive reports whether the subscription currently grants access.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// MapProviderStatus maps a provider subscription status to a Status.
// Unknown values map to StatusActive.
func MapProviderStatus(status string) Status {
	switch status {
	case "active":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete", "incomplete_expired":
		return StatusIncomplete
	case "trialing":
		return StatusTrialing
	case "paused":
		return StatusPaused
	default:
		return StatusActive
	}
}

// MapProviderInterval maps a provider recurring interval to an Interval.
func MapProviderInterval(interval string) Interval {
	if interval == "year" {
		return IntervalYearly
	}
	return IntervalMonthly
}
