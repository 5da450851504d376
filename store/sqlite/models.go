package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/subscription"
	"github.com/xraph/tokenledger/tier"
	"github.com/xraph/tokenledger/types"
)

// ==================== Event record models ====================

type eventRecordModel struct {
	grove.BaseModel `grove:"table:tokenledger_events"`

	EventID           string          `grove:"event_id,pk"`
	EventType         string          `grove:"event_type"`
	Status            string          `grove:"status"`
	Outcome           string          `grove:"outcome"`
	Note              string          `grove:"note"`
	ErrorMessage      string          `grove:"error_message"`
	RetryCount        int             `grove:"retry_count"`
	Payload           json.RawMessage `grove:"payload"`
	ProviderCreatedAt time.Time       `grove:"provider_created_at"`
	FirstSeenAt       time.Time       `grove:"first_seen_at"`
	ClaimedAt         time.Time       `grove:"claimed_at"`
	LastRetryAt       *time.Time      `grove:"last_retry_at"`
	ProcessedAt       *time.Time      `grove:"processed_at"`
}

func toEventRecordModel(r *event.Record) *eventRecordModel {
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return &eventRecordModel{
		EventID:           r.EventID,
		EventType:         r.EventType,
		Status:            string(r.Status),
		Outcome:           string(r.Outcome),
		Note:              r.Note,
		ErrorMessage:      r.ErrorMessage,
		RetryCount:        r.RetryCount,
		Payload:           payload,
		ProviderCreatedAt: r.ProviderCreatedAt,
		FirstSeenAt:       r.FirstSeenAt,
		ClaimedAt:         r.ClaimedAt,
		LastRetryAt:       r.LastRetryAt,
		ProcessedAt:       r.ProcessedAt,
	}
}

func fromEventRecordModel(m *eventRecordModel) *event.Record {
	var payload json.RawMessage
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		payload = m.Payload
	}
	return &event.Record{
		EventID:           m.EventID,
		EventType:         m.EventType,
		Status:            event.Status(m.Status),
		Outcome:           event.Outcome(m.Outcome),
		Note:              m.Note,
		ErrorMessage:      m.ErrorMessage,
		RetryCount:        m.RetryCount,
		Payload:           payload,
		ProviderCreatedAt: m.ProviderCreatedAt,
		FirstSeenAt:       m.FirstSeenAt,
		ClaimedAt:         m.ClaimedAt,
		LastRetryAt:       m.LastRetryAt,
		ProcessedAt:       m.ProcessedAt,
	}
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tokenledger_subscriptions"`

	ID                     string          `grove:"id,pk"`
	AccountID              string          `grove:"account_id"`
	ProviderSubscriptionID string          `grove:"provider_subscription_id"`
	ProviderCustomerID     string          `grove:"provider_customer_id"`
	PriceID                string          `grove:"price_id"`
	Tier                   string          `grove:"tier"`
	BillingInterval        string          `grove:"billing_interval"`
	Status                 string          `grove:"status"`
	CurrentPeriodStart     time.Time       `grove:"current_period_start"`
	CurrentPeriodEnd       time.Time       `grove:"current_period_end"`
	CancelAtPeriodEnd      bool            `grove:"cancel_at_period_end"`
	CanceledAt             *time.Time      `grove:"canceled_at"`
	TrialStart             *time.Time      `grove:"trial_start"`
	TrialEnd               *time.Time      `grove:"trial_end"`
	Entitlements           json.RawMessage `grove:"entitlements"`
	ProviderEventAt        time.Time       `grove:"provider_event_at"`
	CreatedAt              time.Time       `grove:"created_at"`
	UpdatedAt              time.Time       `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	ent, _ := json.Marshal(s.Entitlements) //nolint:errcheck // plain struct
	return &subscriptionModel{
		ID:                     s.ID.String(),
		AccountID:              s.AccountID,
		ProviderSubscriptionID: s.ProviderSubscriptionID,
		ProviderCustomerID:     s.ProviderCustomerID,
		PriceID:                s.PriceID,
		Tier:                   string(s.Tier),
		BillingInterval:        string(s.BillingInterval),
		Status:                 string(s.Status),
		CurrentPeriodStart:     s.CurrentPeriodStart,
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		CanceledAt:             s.CanceledAt,
		TrialStart:             s.TrialStart,
		TrialEnd:               s.TrialEnd,
		Entitlements:           ent,
		ProviderEventAt:        s.ProviderEventAt,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}

	var ent tier.Entitlements
	if len(m.Entitlements) > 0 {
		if err := json.Unmarshal(m.Entitlements, &ent); err != nil {
			return nil, err
		}
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                     subID,
		AccountID:              m.AccountID,
		ProviderSubscriptionID: m.ProviderSubscriptionID,
		ProviderCustomerID:     m.ProviderCustomerID,
		PriceID:                m.PriceID,
		Tier:                   tier.Name(m.Tier),
		BillingInterval:        subscription.Interval(m.BillingInterval),
		Status:                 subscription.Status(m.Status),
		CurrentPeriodStart:     m.CurrentPeriodStart,
		CurrentPeriodEnd:       m.CurrentPeriodEnd,
		CancelAtPeriodEnd:      m.CancelAtPeriodEnd,
		CanceledAt:             m.CanceledAt,
		TrialStart:             m.TrialStart,
		TrialEnd:               m.TrialEnd,
		Entitlements:           ent,
		ProviderEventAt:        m.ProviderEventAt,
	}, nil
}

// ==================== Cycle models ====================

type cycleModel struct {
	grove.BaseModel `grove:"table:tokenledger_cycles"`

	ID                string    `grove:"id,pk"`
	SubscriptionID    string    `grove:"subscription_id"`
	CycleNumber       int64     `grove:"cycle_number"`
	PeriodStart       time.Time `grove:"period_start"`
	PeriodEnd         time.Time `grove:"period_end"`
	TokenAllotment    int64     `grove:"token_allotment"`
	TokensAllocated   int64     `grove:"tokens_allocated"`
	TokensUsed        int64     `grove:"tokens_used"`
	TokensExpired     int64     `grove:"tokens_expired"`
	ProviderInvoiceID string    `grove:"provider_invoice_id"`
	LedgerSeq         int64     `grove:"ledger_seq"`
	CreatedAt         time.Time `grove:"created_at"`
	UpdatedAt         time.Time `grove:"updated_at"`
}

func fromCycleModel(m *cycleModel) (*cycle.BillingCycle, error) {
	cycleID, err := id.ParseCycleID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &cycle.BillingCycle{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                cycleID,
		SubscriptionID:    subID,
		CycleNumber:       m.CycleNumber,
		PeriodStart:       m.PeriodStart,
		PeriodEnd:         m.PeriodEnd,
		TokenAllotment:    m.TokenAllotment,
		TokensAllocated:   m.TokensAllocated,
		TokensUsed:        m.TokensUsed,
		TokensExpired:     m.TokensExpired,
		ProviderInvoiceID: m.ProviderInvoiceID,
		LedgerSeq:         m.LedgerSeq,
	}, nil
}

// ==================== Entry models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:tokenledger_entries"`

	ID             string    `grove:"id,pk"`
	CycleID        string    `grove:"cycle_id"`
	Sequence       int64     `grove:"sequence"`
	Type           string    `grove:"type"`
	Amount         int64     `grove:"amount"`
	Balance        int64     `grove:"balance"`
	ReferenceType  string    `grove:"reference_type"`
	ReferenceID    string    `grove:"reference_id"`
	IdempotencyKey string    `grove:"idempotency_key"`
	Description    string    `grove:"description"`
	CreatedAt      time.Time `grove:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	return &entryModel{
		ID:             e.ID.String(),
		CycleID:        e.CycleID.String(),
		Sequence:       e.Sequence,
		Type:           string(e.Type),
		Amount:         e.Amount,
		Balance:        e.Balance,
		ReferenceType:  e.ReferenceType,
		ReferenceID:    e.ReferenceID,
		IdempotencyKey: e.IdempotencyKey,
		Description:    e.Description,
		CreatedAt:      e.CreatedAt,
	}
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	cycleID, err := id.ParseCycleID(m.CycleID)
	if err != nil {
		return nil, err
	}

	return &entry.Entry{
		ID:             entryID,
		CycleID:        cycleID,
		Sequence:       m.Sequence,
		Type:           entry.Type(m.Type),
		Amount:         m.Amount,
		Balance:        m.Balance,
		ReferenceType:  m.ReferenceType,
		ReferenceID:    m.ReferenceID,
		IdempotencyKey: m.IdempotencyKey,
		Description:    m.Description,
		CreatedAt:      m.CreatedAt,
	}, nil
}
