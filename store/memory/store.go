package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/id"
	"github.com/xraph/tokenledger/store"
	"github.com/xraph/tokenledger/subscription"
)

var _ store.Store = (*Store)(nil)

// Store is an in-process store. A single mutex serializes writes, which gives
// it the same atomicity the SQL backends get from unique indexes and
// conditional updates. Values are copied in and out.
type Store struct {
	mu sync.RWMutex

	// Event records by event ID
	events map[string]*event.Record

	// Subscriptions by ID, with a provider ID index
	subscriptions map[string]*subscription.Subscription
	subsByProvider map[string]string

	// Cycles by ID
	cycles map[string]*cycle.BillingCycle

	// Entries by ID, with key and (cycle, sequence) indexes
	entries    map[string]*entry.Entry
	entryByKey map[string]string
	entryBySeq map[seqKey]string

	closed bool
}

type seqKey struct {
	cycleID string
	seq     int64
}

func New() *Store {
	return &Store{
		events:         make(map[string]*event.Record),
		subscriptions:  make(map[string]*subscription.Subscription),
		subsByProvider: make(map[string]string),
		cycles:         make(map[string]*cycle.BillingCycle),
		entries:        make(map[string]*entry.Entry),
		entryByKey:     make(map[string]string),
		entryBySeq:     make(map[seqKey]string),
	}
}

// ──────────────────────────────────────────────────
// Event records
// ──────────────────────────────────────────────────

func (s *Store) InsertEventRecord(_ context.Context, r *event.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[r.EventID]; exists {
		return false, nil
	}
	cp := *r
	s.events[r.EventID] = &cp
	return true, nil
}

func (s *Store) GetEventRecord(_ context.Context, eventID string) (*event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.events[eventID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, tokenledger.ErrEventNotFound
}

func (s *Store) ClaimEventRecord(_ context.Context, eventID string, staleBefore, claimedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.events[eventID]
	if !ok {
		return false, tokenledger.ErrEventNotFound
	}
	if r.Status != event.StatusFailed && !r.LeaseExpired(staleBefore) {
		return false, nil
	}
	r.Status = event.StatusProcessing
	r.ClaimedAt = claimedAt
	return true, nil
}

func (s *Store) CompleteEventRecord(_ context.Context, eventID string, outcome event.Outcome, note string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.events[eventID]
	if !ok {
		return tokenledger.ErrEventNotFound
	}
	r.Status = event.StatusProcessed
	r.Outcome = outcome
	r.Note = note
	r.ErrorMessage = ""
	r.ProcessedAt = &processedAt
	return nil
}

func (s *Store) FailEventRecord(_ context.Context, eventID, message string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.events[eventID]
	if !ok {
		return tokenledger.ErrEventNotFound
	}
	r.Status = event.StatusFailed
	r.ErrorMessage = message
	r.RetryCount++
	r.LastRetryAt = &failedAt
	return nil
}

func (s *Store) ListEventRecords(_ context.Context, opts event.ListOpts) ([]*event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*event.Record
	for _, r := range s.events {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.Type != "" && r.EventType != opts.Type {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FirstSeenAt.After(result[j].FirstSeenAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListReplayableEvents(_ context.Context, staleBefore time.Time, maxRetries, limit int) ([]*event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*event.Record
	for _, r := range s.events {
		failed := r.Status == event.StatusFailed && r.RetryCount < maxRetries
		if !failed && !r.LeaseExpired(staleBefore) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FirstSeenAt.Before(result[j].FirstSeenAt)
	})

	return paginate(result, 0, limit), nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (s *Store) UpsertSubscription(_ context.Context, sub *subscription.Subscription) (*subscription.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subID, ok := s.subsByProvider[sub.ProviderSubscriptionID]; ok {
		existing := s.subscriptions[subID]
		if sub.ProviderEventAt.Before(existing.ProviderEventAt) {
			cp := *existing
			return &cp, false, nil
		}

		updated := *sub
		updated.ID = existing.ID
		updated.AccountID = existing.AccountID
		updated.CreatedAt = existing.CreatedAt
		s.subscriptions[subID] = &updated

		cp := updated
		return &cp, true, nil
	}

	cp := *sub
	s.subscriptions[sub.ID.String()] = &cp
	s.subsByProvider[sub.ProviderSubscriptionID] = sub.ID.String()

	out := cp
	return &out, true, nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, tokenledger.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if subID, ok := s.subsByProvider[providerSubscriptionID]; ok {
		cp := *s.subscriptions[subID]
		return &cp, nil
	}
	return nil, tokenledger.ErrSubscriptionNotFound
}

// GetSubscriptionByCustomer prefers an active subscription and then the most
// recently updated one.
func (s *Store) GetSubscriptionByCustomer(_ context.Context, providerCustomerID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.ProviderCustomerID != providerCustomerID {
			continue
		}
		if best == nil || preferSubscription(sub, best) {
			best = sub
		}
	}
	if best == nil {
		return nil, tokenledger.ErrSubscriptionNotFound
	}
	cp := *best
	return &cp, nil
}

func preferSubscription(a, b *subscription.Subscription) bool {
	if a.IsActive() != b.IsActive() {
		return a.IsActive()
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func (s *Store) ListSubscriptions(_ context.Context, accountID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.AccountID != accountID {
			continue
		}
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		cp := *sub
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSubscriptionPeriod(_ context.Context, subID id.SubscriptionID, start, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return tokenledger.ErrSubscriptionNotFound
	}
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CancelSubscription(_ context.Context, providerSubscriptionID string, canceledAt, eventAt time.Time) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subID, ok := s.subsByProvider[providerSubscriptionID]
	if !ok {
		return nil, tokenledger.ErrSubscriptionNotFound
	}

	sub := s.subscriptions[subID]
	sub.Status = subscription.StatusCanceled
	sub.CanceledAt = &canceledAt
	if eventAt.After(sub.ProviderEventAt) {
		sub.ProviderEventAt = eventAt
	}
	sub.UpdatedAt = time.Now().UTC()

	cp := *sub
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Billing cycles
// ──────────────────────────────────────────────────

func (s *Store) CreateCycle(_ context.Context, c *cycle.BillingCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cycles[c.ID.String()]; exists {
		return tokenledger.ErrAlreadyExists
	}

	var maxNumber int64
	for _, existing := range s.cycles {
		if existing.SubscriptionID != c.SubscriptionID {
			continue
		}
		if c.ProviderInvoiceID != "" && existing.ProviderInvoiceID == c.ProviderInvoiceID {
			return tokenledger.ErrAlreadyExists
		}
		if existing.CycleNumber > maxNumber {
			maxNumber = existing.CycleNumber
		}
	}

	c.CycleNumber = maxNumber + 1
	cp := *c
	s.cycles[c.ID.String()] = &cp
	return nil
}

func (s *Store) GetCycle(_ context.Context, cycleID id.CycleID) (*cycle.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.cycles[cycleID.String()]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, tokenledger.ErrCycleNotFound
}

func (s *Store) GetCycleByInvoice(_ context.Context, subID id.SubscriptionID, providerInvoiceID string) (*cycle.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.cycles {
		if c.SubscriptionID == subID && c.ProviderInvoiceID == providerInvoiceID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, tokenledger.ErrCycleNotFound
}

func (s *Store) CurrentCycle(_ context.Context, subID id.SubscriptionID, asOf time.Time) (*cycle.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current *cycle.BillingCycle
	for _, c := range s.cycles {
		if c.SubscriptionID != subID || c.PeriodEnd.Before(asOf) {
			continue
		}
		if current == nil ||
			c.PeriodEnd.After(current.PeriodEnd) ||
			(c.PeriodEnd.Equal(current.PeriodEnd) && c.CycleNumber > current.CycleNumber) {
			current = c
		}
	}
	if current == nil {
		return nil, tokenledger.ErrCycleNotFound
	}
	cp := *current
	return &cp, nil
}

func (s *Store) ListCycles(_ context.Context, subID id.SubscriptionID, opts cycle.ListOpts) ([]*cycle.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*cycle.BillingCycle
	for _, c := range s.cycles {
		if c.SubscriptionID == subID {
			cp := *c
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CycleNumber > result[j].CycleNumber
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) AdvanceCycle(_ context.Context, cycleID id.CycleID, afterSeq, allocatedDelta, usedDelta int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[cycleID.String()]
	if !ok {
		return false, tokenledger.ErrCycleNotFound
	}
	if c.LedgerSeq != afterSeq {
		return false, nil
	}
	c.TokensAllocated += allocatedDelta
	c.TokensUsed += usedDelta
	c.LedgerSeq = afterSeq + 1
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ──────────────────────────────────────────────────
// Ledger entries
// ──────────────────────────────────────────────────

func (s *Store) InsertEntry(_ context.Context, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := seqKey{cycleID: e.CycleID.String(), seq: e.Sequence}
	if _, exists := s.entryByKey[e.IdempotencyKey]; exists {
		return tokenledger.ErrAlreadyExists
	}
	if _, exists := s.entryBySeq[sk]; exists {
		return tokenledger.ErrAlreadyExists
	}

	cp := *e
	s.entries[e.ID.String()] = &cp
	s.entryByKey[e.IdempotencyKey] = e.ID.String()
	s.entryBySeq[sk] = e.ID.String()
	return nil
}

func (s *Store) GetEntryByKey(_ context.Context, idempotencyKey string) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, ok := s.entryByKey[idempotencyKey]; ok {
		cp := *s.entries[entryID]
		return &cp, nil
	}
	return nil, tokenledger.ErrEntryNotFound
}

func (s *Store) GetEntryBySequence(_ context.Context, cycleID id.CycleID, seq int64) (*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, ok := s.entryBySeq[seqKey{cycleID: cycleID.String(), seq: seq}]; ok {
		cp := *s.entries[entryID]
		return &cp, nil
	}
	return nil, tokenledger.ErrEntryNotFound
}

func (s *Store) ListEntries(_ context.Context, cycleID id.CycleID, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*entry.Entry
	for _, e := range s.entries {
		if e.CycleID != cycleID {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Core
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return tokenledger.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
