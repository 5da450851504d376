package mongo

import (
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

	EventID           string     `grove:"event_id,pk"         bson:"_id"`
	EventType         string     `grove:"event_type"          bson:"event_type"`
	Status            string     `grove:"status"              bson:"status"`
	Outcome           string     `grove:"outcome"             bson:"outcome"`
	Note              string     `grove:"note"                bson:"note"`
	ErrorMessage      string     `grove:"error_message"       bson:"error_message"`
	RetryCount        int        `grove:"retry_count"         bson:"retry_count"`
	Payload           string     `grove:"payload"             bson:"payload,omitempty"`
	ProviderCreatedAt time.Time  `grove:"provider_created_at" bson:"provider_created_at"`
	FirstSeenAt       time.Time  `grove:"first_seen_at"       bson:"first_seen_at"`
	ClaimedAt         time.Time  `grove:"claimed_at"          bson:"claimed_at"`
	LastRetryAt       *time.Time `grove:"last_retry_at"       bson:"last_retry_at,omitempty"`
	ProcessedAt       *time.Time `grove:"processed_at"        bson:"processed_at,omitempty"`
}

func toEventRecordModel(r *event.Record) *eventRecordModel {
	return &eventRecordModel{
		EventID:           r.EventID,
		EventType:         r.EventType,
		Status:            string(r.Status),
		Outcome:           string(r.Outcome),
		Note:              r.Note,
		ErrorMessage:      r.ErrorMessage,
		RetryCount:        r.RetryCount,
		Payload:           string(r.Payload),
		ProviderCreatedAt: r.ProviderCreatedAt,
		FirstSeenAt:       r.FirstSeenAt,
		ClaimedAt:         r.ClaimedAt,
		LastRetryAt:       r.LastRetryAt,
		ProcessedAt:       r.ProcessedAt,
	}
}

func fromEventRecordModel(m *eventRecordModel) *event.Record {
	r := &event.Record{
		EventID:           m.EventID,
		EventType:         m.EventType,
		Status:            event.Status(m.Status),
		Outcome:           event.Outcome(m.Outcome),
		Note:              m.Note,
		ErrorMessage:      m.ErrorMessage,
		RetryCount:        m.RetryCount,
		ProviderCreatedAt: m.ProviderCreatedAt,
		FirstSeenAt:       m.FirstSeenAt,
		ClaimedAt:         m.ClaimedAt,
		LastRetryAt:       m.LastRetryAt,
		ProcessedAt:       m.ProcessedAt,
	}
	if m.Payload != "" {
		r.Payload = []byte(m.Payload)
	}
	return r
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:tokenledger_subscriptions"`

	ID                     string            `grove:"id,pk"                    bson:"_id"`
	AccountID              string            `grove:"account_id"               bson:"account_id"`
	ProviderSubscriptionID string            `grove:"provider_subscription_id" bson:"provider_subscription_id"`
	ProviderCustomerID     string            `grove:"provider_customer_id"     bson:"provider_customer_id"`
	PriceID                string            `grove:"price_id"                 bson:"price_id"`
	Tier                   string            `grove:"tier"                     bson:"tier"`
	BillingInterval        string            `grove:"billing_interval"         bson:"billing_interval"`
	Status                 string            `grove:"status"                   bson:"status"`
	CurrentPeriodStart     time.Time         `grove:"current_period_start"     bson:"current_period_start"`
	CurrentPeriodEnd       time.Time         `grove:"current_period_end"       bson:"current_period_end"`
	CancelAtPeriodEnd      bool              `grove:"cancel_at_period_end"     bson:"cancel_at_period_end"`
	CanceledAt             *time.Time        `grove:"canceled_at"              bson:"canceled_at,omitempty"`
	TrialStart             *time.Time        `grove:"trial_start"              bson:"trial_start,omitempty"`
	TrialEnd               *time.Time        `grove:"trial_end"                bson:"trial_end,omitempty"`
	Entitlements           entitlementsModel `grove:"entitlements"             bson:"entitlements"`
	ProviderEventAt        time.Time         `grove:"provider_event_at"        bson:"provider_event_at"`
	CreatedAt              time.Time         `grove:"created_at"               bson:"created_at"`
	UpdatedAt              time.Time         `grove:"updated_at"               bson:"updated_at"`
}

type entitlementsModel struct {
	Tier          string `bson:"tier"`
	MonthlyTokens int64  `bson:"monthly_tokens"`
	MaxFormats    int    `bson:"max_formats"`
	MaxRevisions  int    `bson:"max_revisions"`
	QueuePriority string `bson:"queue_priority"`
	VoiceClone    bool   `bson:"voice_clone"`
	AvatarClone   bool   `bson:"avatar_clone"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
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
		Entitlements: entitlementsModel{
			Tier:          string(s.Entitlements.Tier),
			MonthlyTokens: s.Entitlements.MonthlyTokens,
			MaxFormats:    s.Entitlements.MaxFormats,
			MaxRevisions:  s.Entitlements.MaxRevisions,
			QueuePriority: string(s.Entitlements.QueuePriority),
			VoiceClone:    s.Entitlements.VoiceClone,
			AvatarClone:   s.Entitlements.AvatarClone,
		},
		ProviderEventAt: s.ProviderEventAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
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
		Entitlements: tier.Entitlements{
			Tier:          tier.Name(m.Entitlements.Tier),
			MonthlyTokens: m.Entitlements.MonthlyTokens,
			MaxFormats:    m.Entitlements.MaxFormats,
			MaxRevisions:  m.Entitlements.MaxRevisions,
			QueuePriority: tier.QueuePriority(m.Entitlements.QueuePriority),
			VoiceClone:    m.Entitlements.VoiceClone,
			AvatarClone:   m.Entitlements.AvatarClone,
		},
		ProviderEventAt: m.ProviderEventAt,
	}, nil
}

// ==================== Cycle models ====================

type cycleModel struct {
	grove.BaseModel `grove:"table:tokenledger_cycles"`

	ID                string    `grove:"id,pk"               bson:"_id"`
	SubscriptionID    string    `grove:"subscription_id"     bson:"subscription_id"`
	CycleNumber       int64     `grove:"cycle_number"        bson:"cycle_number"`
	PeriodStart       time.Time `grove:"period_start"        bson:"period_start"`
	PeriodEnd         time.Time `grove:"period_end"          bson:"period_end"`
	TokenAllotment    int64     `grove:"token_allotment"     bson:"token_allotment"`
	TokensAllocated   int64     `grove:"tokens_allocated"    bson:"tokens_allocated"`
	TokensUsed        int64     `grove:"tokens_used"         bson:"tokens_used"`
	TokensExpired     int64     `grove:"tokens_expired"      bson:"tokens_expired"`
	ProviderInvoiceID string    `grove:"provider_invoice_id" bson:"provider_invoice_id,omitempty"`
	LedgerSeq         int64     `grove:"ledger_seq"          bson:"ledger_seq"`
	CreatedAt         time.Time `grove:"created_at"          bson:"created_at"`
	UpdatedAt         time.Time `grove:"updated_at"          bson:"updated_at"`
}

func toCycleModel(c *cycle.BillingCycle) *cycleModel {
	return &cycleModel{
		ID:                c.ID.String(),
		SubscriptionID:    c.SubscriptionID.String(),
		CycleNumber:       c.CycleNumber,
		PeriodStart:       c.PeriodStart,
		PeriodEnd:         c.PeriodEnd,
		TokenAllotment:    c.TokenAllotment,
		TokensAllocated:   c.TokensAllocated,
		TokensUsed:        c.TokensUsed,
		TokensExpired:     c.TokensExpired,
		ProviderInvoiceID: c.ProviderInvoiceID,
		LedgerSeq:         c.LedgerSeq,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
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

	ID             string    `grove:"id,pk"           bson:"_id"`
	CycleID        string    `grove:"cycle_id"        bson:"cycle_id"`
	Sequence       int64     `grove:"sequence"        bson:"sequence"`
	Type           string    `grove:"type"            bson:"type"`
	Amount         int64     `grove:"amount"          bson:"amount"`
	Balance        int64     `grove:"balance"         bson:"balance"`
	ReferenceType  string    `grove:"reference_type"  bson:"reference_type"`
	ReferenceID    string    `grove:"reference_id"    bson:"reference_id"`
	IdempotencyKey string    `grove:"idempotency_key" bson:"idempotency_key"`
	Description    string    `grove:"description"     bson:"description"`
	CreatedAt      time.Time `grove:"created_at"      bson:"created_at"`
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
