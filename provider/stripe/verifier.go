// Package stripe adapts Stripe webhooks and the Stripe API to the token
// ledger: signature verification into provider events, and product name
// lookups for purchase notifications.
package stripe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/tokenledger"
)

// ErrMissingSecret is returned when the verifier has no signing secret.
var ErrMissingSecret = errors.New("tokenledger/stripe: webhook secret not configured")

// Verifier checks the Stripe-Signature header of a webhook delivery and
// turns the payload into a provider event.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTolerance sets the accepted clock skew between the signature timestamp
// and now. The default is webhook.DefaultTolerance.
func WithTolerance(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// NewVerifier creates a Verifier for the given endpoint signing secret.
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: webhook.DefaultTolerance,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates payload against sigHeader. Any signature problem is
// reported as tokenledger.ErrInvalidSignature. The event payload is the raw
// data object; unknown API versions are accepted since the router reads
// fields by fallback chain.
func (v *Verifier) Verify(payload []byte, sigHeader string) (tokenledger.ProviderEvent, error) {
	if v.secret == "" {
		return tokenledger.ProviderEvent{}, ErrMissingSecret
	}
	if strings.TrimSpace(sigHeader) == "" {
		return tokenledger.ProviderEvent{}, fmt.Errorf("%w: missing signature header", tokenledger.ErrInvalidSignature)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return tokenledger.ProviderEvent{}, fmt.Errorf("%w: %w", tokenledger.ErrInvalidSignature, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return tokenledger.ProviderEvent{}, fmt.Errorf("%w: event id or type missing", tokenledger.ErrInvalidSignature)
	}

	out := tokenledger.ProviderEvent{
		ID:   ev.ID,
		Type: string(ev.Type),
	}
	if ev.Data != nil {
		out.Payload = ev.Data.Raw
	}
	if ev.Created > 0 {
		out.CreatedAt = time.Unix(ev.Created, 0).UTC()
	}
	return out, nil
}
