package tokenledger

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/tokenledger/subscription"
	"github.com/xraph/tokenledger/types"
)

// Provider payloads vary by API version and by whether nested objects were
// expanded. Each handler reads exactly one notice type, built here from the
// raw object by a fixed fallback chain per field.

// RenewalNotice is a paid subscription invoice.
type RenewalNotice struct {
	InvoiceID              string `validate:"required"`
	ProviderSubscriptionID string `validate:"required"`
	CustomerID             string
	Period                 types.Period
	AmountPaid             int64
	Currency               string
}

// SubscriptionNotice is a snapshot of a provider subscription.
type SubscriptionNotice struct {
	ProviderSubscriptionID string `validate:"required"`
	CustomerID             string
	AccountID              string `validate:"required"`
	PriceID                string
	Tier                   string
	Status                 subscription.Status
	Interval               subscription.Interval
	Period                 types.Period
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
}

// CancellationNotice is a deleted provider subscription.
type CancellationNotice struct {
	ProviderSubscriptionID string `validate:"required"`
	CanceledAt             time.Time
}

// PurchaseNotice is a completed one-time checkout.
type PurchaseNotice struct {
	SessionID     string `validate:"required"`
	CustomerID    string `validate:"required"`
	CustomerEmail string
	Intent        string
	Tokens        string
	PriceID       string
	ProductID     string
	ProductName   string
	AmountTotal   int64
	Currency      string
}

// IntentTopUp marks a checkout session as a token pack purchase.
const IntentTopUp = "TOP_UP"

// ──────────────────────────────────────────────────
// Payload shapes
// ──────────────────────────────────────────────────

// ref is a provider reference that is either an ID string or an expanded
// object carrying an id.
type ref string

func (r *ref) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = ref(obj.ID)
	return nil
}

type metadata map[string]any

// get returns the first non-empty value among keys.
func (m metadata) get(keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoicePayload struct {
	ID           string `json:"id"`
	Customer     ref    `json:"customer"`
	Subscription ref    `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Subscription ref    `json:"subscription"`
			Period       period `json:"period"`
			Parent       struct {
				SubscriptionItemDetails struct {
					Subscription ref `json:"subscription"`
				} `json:"subscription_item_details"`
			} `json:"parent"`
		} `json:"data"`
	} `json:"lines"`
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`
	AmountPaid  int64  `json:"amount_paid"`
	Currency    string `json:"currency"`
}

type subscriptionItem struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID        string `json:"id"`
		Recurring struct {
			Interval string `json:"interval"`
		} `json:"recurring"`
	} `json:"price"`
	Plan struct {
		ID       string `json:"id"`
		Interval string `json:"interval"`
	} `json:"plan"`
}

type subscriptionPayload struct {
	ID                 string   `json:"id"`
	Customer           ref      `json:"customer"`
	Status             string   `json:"status"`
	CurrentPeriodStart int64    `json:"current_period_start"`
	CurrentPeriodEnd   int64    `json:"current_period_end"`
	CancelAtPeriodEnd  bool     `json:"cancel_at_period_end"`
	CanceledAt         int64    `json:"canceled_at"`
	EndedAt            int64    `json:"ended_at"`
	TrialStart         int64    `json:"trial_start"`
	TrialEnd           int64    `json:"trial_end"`
	Metadata           metadata `json:"metadata"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type checkoutPayload struct {
	ID              string `json:"id"`
	Customer        ref    `json:"customer"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	AmountTotal int64    `json:"amount_total"`
	Currency    string   `json:"currency"`
	Metadata    metadata `json:"metadata"`
}

// ──────────────────────────────────────────────────
// Normalizers
// ──────────────────────────────────────────────────

func (e *Engine) normalizeRenewal(raw json.RawMessage) (*RenewalNotice, error) {
	var p invoicePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	n := &RenewalNotice{
		InvoiceID:  p.ID,
		CustomerID: string(p.Customer),
		AmountPaid: p.AmountPaid,
		Currency:   p.Currency,
	}

	n.ProviderSubscriptionID = firstNonEmpty(
		string(p.Subscription),
		string(p.Parent.SubscriptionDetails.Subscription),
	)

	var line period
	if len(p.Lines.Data) > 0 {
		l := p.Lines.Data[0]
		line = l.Period
		n.ProviderSubscriptionID = firstNonEmpty(
			n.ProviderSubscriptionID,
			string(l.Subscription),
			string(l.Parent.SubscriptionItemDetails.Subscription),
		)
	}

	if line.Start > 0 && line.End > 0 {
		n.Period = e.period(line.Start, line.End)
	} else {
		n.Period = e.period(p.PeriodStart, p.PeriodEnd)
	}

	if err := e.validateNotice(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (e *Engine) normalizeSubscription(raw json.RawMessage) (*SubscriptionNotice, error) {
	var p subscriptionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	var item subscriptionItem
	if len(p.Items.Data) > 0 {
		item = p.Items.Data[0]
	}

	n := &SubscriptionNotice{
		ProviderSubscriptionID: p.ID,
		CustomerID:             string(p.Customer),
		PriceID:                firstNonEmpty(item.Price.ID, item.Plan.ID),
		Tier:                   p.Metadata.get("tier"),
		Status:                 subscription.MapProviderStatus(p.Status),
		Interval:               subscription.MapProviderInterval(firstNonEmpty(item.Plan.Interval, item.Price.Recurring.Interval)),
		CancelAtPeriodEnd:      p.CancelAtPeriodEnd,
		CanceledAt:             unixPtr(p.CanceledAt),
		TrialStart:             unixPtr(p.TrialStart),
		TrialEnd:               unixPtr(p.TrialEnd),
	}
	n.AccountID = firstNonEmpty(p.Metadata.get("account_id", "accountId"), n.CustomerID)

	if p.CurrentPeriodStart > 0 || p.CurrentPeriodEnd > 0 {
		n.Period = e.period(p.CurrentPeriodStart, p.CurrentPeriodEnd)
	} else {
		n.Period = e.period(item.CurrentPeriodStart, item.CurrentPeriodEnd)
	}

	if err := e.validateNotice(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (e *Engine) normalizeCancellation(raw json.RawMessage, eventAt time.Time) (*CancellationNotice, error) {
	var p subscriptionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	n := &CancellationNotice{ProviderSubscriptionID: p.ID}
	switch {
	case p.CanceledAt > 0:
		n.CanceledAt = time.Unix(p.CanceledAt, 0).UTC()
	case p.EndedAt > 0:
		n.CanceledAt = time.Unix(p.EndedAt, 0).UTC()
	case !eventAt.IsZero():
		n.CanceledAt = eventAt.UTC()
	default:
		n.CanceledAt = e.now()
	}

	if err := e.validateNotice(n); err != nil {
		return nil, err
	}
	return n, nil
}

// normalizePurchase does not validate, so that non top-up sessions can be
// told apart before required fields are checked.
func (e *Engine) normalizePurchase(raw json.RawMessage) (*PurchaseNotice, error) {
	var p checkoutPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	return &PurchaseNotice{
		SessionID:     p.ID,
		CustomerID:    string(p.Customer),
		CustomerEmail: firstNonEmpty(p.CustomerDetails.Email, p.CustomerEmail),
		Intent:        strings.ToUpper(p.Metadata.get("intent")),
		Tokens:        p.Metadata.get("tokens"),
		PriceID:       p.Metadata.get("priceId", "price_id"),
		ProductID:     p.Metadata.get("productId", "product_id"),
		ProductName:   p.Metadata.get("productName", "product_name"),
		AmountTotal:   p.AmountTotal,
		Currency:      p.Currency,
	}, nil
}

// topUpQuantity resolves the token quantity of a purchase: the declared
// metadata amount, then the price table, then the default. It never fails.
func (e *Engine) topUpQuantity(n *PurchaseNotice) (int64, string) {
	if n.Tokens != "" {
		if q, err := strconv.ParseInt(n.Tokens, 10, 64); err == nil && q > 0 && q <= MaxTopUpTokens {
			return q, "metadata"
		}
	}
	if n.PriceID != "" {
		if q, ok := e.topUpPrices[n.PriceID]; ok && q > 0 {
			return q, "price"
		}
	}
	return e.defaultTopUpTokens, "default"
}

// period builds a billing period from unix bounds, defaulting missing or
// inverted bounds.
func (e *Engine) period(start, end int64) types.Period {
	p := types.PeriodFrom(start, end, e.now())
	if !p.Valid() {
		p.End = p.Start.Add(types.DefaultPeriodLength)
	}
	return p
}

func (e *Engine) validateNotice(n any) error {
	err := e.validate.Struct(n)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return skip("missing "+strings.Join(fields, ", "), err)
	}
	return err
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return skip("empty payload", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return skip("malformed payload", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
