package subscription

import (
	"context"
	"time"

	"github.com/xraph/tokenledger/id"
)

type Store interface {
	// Upsert inserts s or updates the row with the same ProviderSubscriptionID.
	// An update is applied only when s.ProviderEventAt is not older than the
	// stored snapshot; applied reports whether the row changed. The stored row
	// is returned either way.
	Upsert(ctx context.Context, s *Subscription) (stored *Subscription, applied bool, err error)
	Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	GetByCustomer(ctx context.Context, providerCustomerID string) (*Subscription, error)
	List(ctx context.Context, accountID string, opts ListOpts) ([]*Subscription, error)
	UpdatePeriod(ctx context.Context, subID id.SubscriptionID, start, end time.Time) error
	Cancel(ctx context.Context, providerSubscriptionID string, canceledAt, eventAt time.Time) (*Subscription, error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
