package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/id"
	tlstore "github.com/xraph/tokenledger/store"
	"github.com/xraph/tokenledger/subscription"
)

// Collection name constants.
const (
	colEvents        = "tokenledger_events"
	colSubscriptions = "tokenledger_subscriptions"
	colCycles        = "tokenledger_cycles"
	colEntries       = "tokenledger_entries"
)

// compile-time interface check
var _ tlstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// MongoDB offers no multi-statement numbering, so uniqueness is enforced by
// the indexes created in Migrate and conflicts surface as duplicate-key
// errors. Migrate must run before the store takes writes.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all ledger collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: mongo %s indexes: %w", tokenledger.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Event record store ====================

func (s *Store) InsertEventRecord(ctx context.Context, r *event.Record) (bool, error) {
	m := toEventRecordModel(r)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("tokenledger/mongo: insert event record: %w", err)
	}
	return true, nil
}

func (s *Store) GetEventRecord(ctx context.Context, eventID string) (*event.Record, error) {
	var m eventRecordModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": eventID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tokenledger.ErrEventNotFound
		}
		return nil, fmt.Errorf("tokenledger/mongo: get event record: %w", err)
	}
	return fromEventRecordModel(&m), nil
}

func (s *Store) ClaimEventRecord(ctx context.Context, eventID string, staleBefore, claimedAt time.Time) (bool, error) {
	res, err := s.mdb.NewUpdate((*eventRecordModel)(nil)).
		Filter(bson.M{
			"_id": eventID,
			"$or": bson.A{
				bson.M{"status": string(event.StatusFailed)},
				bson.M{"status": string(event.StatusProcessing), "claimed_at": bson.M{"$lt": staleBefore}},
			},
		}).
		Set("status", string(event.StatusProcessing)).
		Set("claimed_at", claimedAt).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("tokenledger/mongo: claim event record: %w", err)
	}
	return res.MatchedCount() == 1, nil
}

func (s *Store) CompleteEventRecord(ctx context.Context, eventID string, outcome event.Outcome, note string, processedAt time.Time) error {
	res, err := s.mdb.NewUpdate((*eventRecordModel)(nil)).
		Filter(bson.M{"_id": eventID}).
		Set("status", string(event.StatusProcessed)).
		Set("outcome", string(outcome)).
		Set("note", note).
		Set("error_message", "").
		Set("processed_at", processedAt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tokenledger/mongo: complete event record: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tokenledger.ErrEventNotFound
	}
	return nil
}

func (s *Store) FailEventRecord(ctx context.Context, eventID, message string, failedAt time.Time) error {
	res, err := s.mdb.NewUpdate((*eventRecordModel)(nil)).
		Filter(bson.M{"_id": eventID}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"status":        string(event.StatusFailed),
				"error_message": message,
				"last_retry_at": failedAt,
			},
			"$inc": bson.M{"retry_count": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tokenledger/mongo: fail event record: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tokenledger.ErrEventNotFound
	}
	return nil
}

func (s *Store) ListEventRecords(ctx context.Context, opts event.ListOpts) ([]*event.Record, error) {
	var models []eventRecordModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Type != "" {
		filter["event_type"] = opts.Type
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "first_seen_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tokenledger/mongo: list event records: %w", err)
	}

	result := make([]*event.Record, len(models))
	for i := range models {
		result[i] = fromEventRecordModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListReplayableEvents(ctx context.Context, staleBefore time.Time, maxRetries, limit int) ([]*event.Record, error) {
	var models []eventRecordModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"$or": bson.A{
			bson.M{"status": string(event.StatusFailed), "retry_count": bson.M{"$lt": maxRetries}},
			bson.M{"status": string(event.StatusProcessing), "claimed_at": bson.M{"$lt": staleBefore}},
		}}).
		Sort(bson.D{{Key: "first_seen_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tokenledger/mongo: list replayable events: %w", err)
	}

	result := make([]*event.Record, len(models))
	for i := range models {
		result[i] = fromEventRecordModel(&models[i])
	}
	return result, nil
}

// ==================== Subscription store ====================

// UpsertSubscription inserts the snapshot, or overwrites the stored document
// when the snapshot is not older. Identity, account and creation time are
// kept from the first insert.
func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, bool, error) {
	m := toSubscriptionModel(sub)

	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err == nil {
		return sub, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("tokenledger/mongo: upsert subscription: %w", err)
	}

	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{
			"provider_subscription_id": m.ProviderSubscriptionID,
			"provider_event_at":        bson.M{"$lte": m.ProviderEventAt},
		}).
		SetUpdate(bson.M{"$set": bson.M{
			"provider_customer_id": m.ProviderCustomerID,
			"price_id":             m.PriceID,
			"tier":                 m.Tier,
			"billing_interval":     m.BillingInterval,
			"status":               m.Status,
			"current_period_start": m.CurrentPeriodStart,
			"current_period_end":   m.CurrentPeriodEnd,
			"cancel_at_period_end": m.CancelAtPeriodEnd,
			"canceled_at":          m.CanceledAt,
			"trial_start":          m.TrialStart,
			"trial_end":            m.TrialEnd,
			"entitlements":         m.Entitlements,
			"provider_event_at":    m.ProviderEventAt,
			"updated_at":           m.UpdatedAt,
		}}).
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("tokenledger/mongo: upsert subscription: %w", err)
	}

	stored, err := s.GetSubscriptionByProviderID(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, false, err
	}
	return stored, res.MatchedCount() == 1, nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"_id": subID.String()})
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"provider_subscription_id": providerSubscriptionID})
}

// GetSubscriptionByCustomer prefers an active or trialing subscription and
// otherwise returns the most recently updated one.
func (s *Store) GetSubscriptionByCustomer(ctx context.Context, providerCustomerID string) (*subscription.Subscription, error) {
	var models []subscriptionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"provider_customer_id": providerCustomerID}).
		Sort(bson.D{{Key: "updated_at", Value: -1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokenledger/mongo: get subscription by customer: %w", err)
	}
	if len(models) == 0 {
		return nil, tokenledger.ErrSubscriptionNotFound
	}

	pick := &models[0]
	for i := range models {
		st := subscription.Status(models[i].Status)
		if st == subscription.StatusActive || st == subscription.StatusTrialing {
			pick = &models[i]
			break
		}
	}
	return fromSubscriptionModel(pick)
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"account_id": accountID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tokenledger/mongo: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) UpdateSubscriptionPeriod(ctx context.Context, subID id.SubscriptionID, start, end time.Time) error {
	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": subID.String()}).
		Set("current_period_start", start).
		Set("current_period_end", end).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("tokenledger/mongo: update subscription period: %w", err)
	}
	if res.MatchedCount() == 0 {
		return tokenledger.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) CancelSubscription(ctx context.Context, providerSubscriptionID string, canceledAt, eventAt time.Time) (*subscription.Subscription, error) {
	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"provider_subscription_id": providerSubscriptionID}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"status":      string(subscription.StatusCanceled),
				"canceled_at": canceledAt,
				"updated_at":  now(),
			},
			"$max": bson.M{"provider_event_at": eventAt},
		}).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokenledger/mongo: cancel subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		return nil, tokenledger.ErrSubscriptionNotFound
	}
	return s.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
}

func (s *Store) findSubscription(ctx context.Context, filter bson.M) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tokenledger.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("tokenledger/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

// ==================== Cycle store ====================

// CreateCycle takes the next number after the highest stored one. A racing
// insert of the same number or invoice trips a unique index and reports
// ErrAlreadyExists.
func (s *Store) CreateCycle(ctx context.Context, c *cycle.BillingCycle) error {
	var last []cycleModel
	err := s.mdb.NewFind(&last).
		Filter(bson.M{"subscription_id": c.SubscriptionID.String()}).
		Sort(bson.D{{Key: "cycle_number", Value: -1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("tokenledger/mongo: create cycle: %w", err)
	}

	number := int64(1)
	if len(last) > 0 {
		number = last[0].CycleNumber + 1
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	c.UpdatedAt = c.CreatedAt

	m := toCycleModel(c)
	m.CycleNumber = number
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tokenledger.ErrAlreadyExists
		}
		return fmt.Errorf("tokenledger/mongo: create cycle: %w", err)
	}

	c.CycleNumber = number
	return nil
}

func (s *Store) GetCycle(ctx context.Context, cycleID id.CycleID) (*cycle.BillingCycle, error) {
	return s.findCycle(ctx, bson.M{"_id": cycleID.String()}, nil)
}

func (s *Store) GetCycleByInvoice(ctx context.Context, subID id.SubscriptionID, providerInvoiceID string) (*cycle.BillingCycle, error) {
	return s.findCycle(ctx, bson.M{
		"subscription_id":     subID.String(),
		"provider_invoice_id": providerInvoiceID,
	}, nil)
}

func (s *Store) CurrentCycle(ctx context.Context, subID id.SubscriptionID, asOf time.Time) (*cycle.BillingCycle, error) {
	return s.findCycle(ctx, bson.M{
		"subscription_id": subID.String(),
		"period_end":      bson.M{"$gte": asOf},
	}, bson.D{{Key: "period_end", Value: -1}, {Key: "cycle_number", Value: -1}})
}

func (s *Store) ListCycles(ctx context.Context, subID id.SubscriptionID, opts cycle.ListOpts) ([]*cycle.BillingCycle, error) {
	var models []cycleModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"subscription_id": subID.String()}).
		Sort(bson.D{{Key: "cycle_number", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tokenledger/mongo: list cycles: %w", err)
	}

	result := make([]*cycle.BillingCycle, len(models))
	for i := range models {
		c, err := fromCycleModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = c
	}
	return result, nil
}

func (s *Store) AdvanceCycle(ctx context.Context, cycleID id.CycleID, afterSeq, allocatedDelta, usedDelta int64) (bool, error) {
	res, err := s.mdb.NewUpdate((*cycleModel)(nil)).
		Filter(bson.M{"_id": cycleID.String(), "ledger_seq": afterSeq}).
		SetUpdate(bson.M{
			"$inc": bson.M{
				"tokens_allocated": allocatedDelta,
				"tokens_used":      usedDelta,
			},
			"$set": bson.M{
				"ledger_seq": afterSeq + 1,
				"updated_at": now(),
			},
		}).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("tokenledger/mongo: advance cycle: %w", err)
	}
	if res.MatchedCount() == 1 {
		return true, nil
	}

	if _, err := s.GetCycle(ctx, cycleID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) findCycle(ctx context.Context, filter bson.M, sort bson.D) (*cycle.BillingCycle, error) {
	var m cycleModel
	q := s.mdb.NewFind(&m).Filter(filter)
	if sort != nil {
		q = q.Sort(sort)
	}
	if err := q.Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, tokenledger.ErrCycleNotFound
		}
		return nil, fmt.Errorf("tokenledger/mongo: get cycle: %w", err)
	}
	return fromCycleModel(&m)
}

// ==================== Entry store ====================

func (s *Store) InsertEntry(ctx context.Context, e *entry.Entry) error {
	m := toEntryModel(e)
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return tokenledger.ErrAlreadyExists
		}
		return fmt.Errorf("tokenledger/mongo: insert entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntryByKey(ctx context.Context, idempotencyKey string) (*entry.Entry, error) {
	return s.findEntry(ctx, bson.M{"idempotency_key": idempotencyKey})
}

func (s *Store) GetEntryBySequence(ctx context.Context, cycleID id.CycleID, seq int64) (*entry.Entry, error) {
	return s.findEntry(ctx, bson.M{"cycle_id": cycleID.String(), "sequence": seq})
}

func (s *Store) ListEntries(ctx context.Context, cycleID id.CycleID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel

	filter := bson.M{"cycle_id": cycleID.String()}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "sequence", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("tokenledger/mongo: list entries: %w", err)
	}

	result := make([]*entry.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) findEntry(ctx context.Context, filter bson.M) (*entry.Entry, error) {
	var m entryModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tokenledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("tokenledger/mongo: get entry: %w", err)
	}
	return fromEntryModel(&m)
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all ledger collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEvents: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "claimed_at", Value: 1}}},
			{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "first_seen_at", Value: -1}}},
		},
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "provider_subscription_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "provider_customer_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		colCycles: {
			{
				Keys:    bson.D{{Key: "subscription_id", Value: 1}, {Key: "cycle_number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "provider_invoice_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"provider_invoice_id": bson.M{"$exists": true}}),
			},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "period_end", Value: -1}}},
		},
		colEntries: {
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "cycle_id", Value: 1}, {Key: "sequence", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
