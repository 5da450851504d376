package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/tokenledger"
	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/event"
	"github.com/xraph/tokenledger/id"
	ledgerstore "github.com/xraph/tokenledger/store"
	"github.com/xraph/tokenledger/subscription"
)

// compile-time interface check
var _ ledgerstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
//
// Uniqueness of event IDs, provider subscription IDs, (subscription, cycle
// number), (subscription, invoice), idempotency keys and (cycle, sequence)
// is enforced by unique indexes. Every write that must not be applied twice
// is an insert with ON CONFLICT DO NOTHING or an update guarded by a WHERE
// clause on the expected prior state.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("tokenledger/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", tokenledger.ErrMigrationFailed, err)
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
	res, err := s.sdb.NewInsert(m).
		OnConflict("(event_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) GetEventRecord(ctx context.Context, eventID string) (*event.Record, error) {
	m := new(eventRecordModel)
	err := s.sdb.NewSelect(m).
		Where("event_id = ?", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrEventNotFound
		}
		return nil, err
	}
	return fromEventRecordModel(m), nil
}

func (s *Store) ClaimEventRecord(ctx context.Context, eventID string, staleBefore, claimedAt time.Time) (bool, error) {
	res, err := s.sdb.NewUpdate((*eventRecordModel)(nil)).
		Set("status = ?", string(event.StatusProcessing)).
		Set("claimed_at = ?", claimedAt).
		Where("event_id = ?", eventID).
		Where("(status = ? OR (status = ? AND claimed_at < ?))",
			string(event.StatusFailed), string(event.StatusProcessing), staleBefore).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) CompleteEventRecord(ctx context.Context, eventID string, outcome event.Outcome, note string, processedAt time.Time) error {
	res, err := s.sdb.NewUpdate((*eventRecordModel)(nil)).
		Set("status = ?", string(event.StatusProcessed)).
		Set("outcome = ?", string(outcome)).
		Set("note = ?", note).
		Set("error_message = ''").
		Set("processed_at = ?", processedAt).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return affectedOrNotFound(res, err, tokenledger.ErrEventNotFound)
}

func (s *Store) FailEventRecord(ctx context.Context, eventID, message string, failedAt time.Time) error {
	res, err := s.sdb.NewUpdate((*eventRecordModel)(nil)).
		Set("status = ?", string(event.StatusFailed)).
		Set("error_message = ?", message).
		Set("retry_count = retry_count + 1").
		Set("last_retry_at = ?", failedAt).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return affectedOrNotFound(res, err, tokenledger.ErrEventNotFound)
}

func (s *Store) ListEventRecords(ctx context.Context, opts event.ListOpts) ([]*event.Record, error) {
	var models []eventRecordModel
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Type != "" {
		q = q.Where("event_type = ?", opts.Type)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("first_seen_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*event.Record, len(models))
	for i := range models {
		result[i] = fromEventRecordModel(&models[i])
	}
	return result, nil
}

func (s *Store) ListReplayableEvents(ctx context.Context, staleBefore time.Time, maxRetries, limit int) ([]*event.Record, error) {
	var models []eventRecordModel
	q := s.sdb.NewSelect(&models).
		Where("((status = ? AND retry_count < ?) OR (status = ? AND claimed_at < ?))",
			string(event.StatusFailed), maxRetries, string(event.StatusProcessing), staleBefore).
		OrderExpr("first_seen_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*event.Record, len(models))
	for i := range models {
		result[i] = fromEventRecordModel(&models[i])
	}
	return result, nil
}

// ==================== Subscription store ====================

// UpsertSubscription inserts the snapshot or overwrites the stored one when
// the snapshot is not older. Identity, account and creation time are kept.
func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, bool, error) {
	m := toSubscriptionModel(sub)

	var returnedID string
	err := s.sdb.NewRaw(`
		INSERT INTO tokenledger_subscriptions (
			id, account_id, provider_subscription_id, provider_customer_id, price_id,
			tier, billing_interval, status, current_period_start, current_period_end,
			cancel_at_period_end, canceled_at, trial_start, trial_end, entitlements,
			provider_event_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			provider_customer_id = EXCLUDED.provider_customer_id,
			price_id             = EXCLUDED.price_id,
			tier                 = EXCLUDED.tier,
			billing_interval     = EXCLUDED.billing_interval,
			status               = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end   = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at          = EXCLUDED.canceled_at,
			trial_start          = EXCLUDED.trial_start,
			trial_end            = EXCLUDED.trial_end,
			entitlements         = EXCLUDED.entitlements,
			provider_event_at    = EXCLUDED.provider_event_at,
			updated_at           = EXCLUDED.updated_at
		WHERE tokenledger_subscriptions.provider_event_at <= EXCLUDED.provider_event_at
		RETURNING id
	`,
		m.ID, m.AccountID, m.ProviderSubscriptionID, m.ProviderCustomerID, m.PriceID,
		m.Tier, m.BillingInterval, m.Status, m.CurrentPeriodStart, m.CurrentPeriodEnd,
		m.CancelAtPeriodEnd, m.CanceledAt, m.TrialStart, m.TrialEnd, string(m.Entitlements),
		m.ProviderEventAt, m.CreatedAt, m.UpdatedAt,
	).Scan(ctx, &returnedID)

	applied := true
	if err != nil {
		if !isNoRows(err) {
			return nil, false, err
		}
		applied = false
	}

	stored, err := s.GetSubscriptionByProviderID(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		return nil, false, err
	}
	return stored, applied, nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByCustomer(ctx context.Context, providerCustomerID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("provider_customer_id = ?", providerCustomerID).
		OrderExpr("CASE WHEN status IN ('ACTIVE', 'TRIALING') THEN 0 ELSE 1 END, updated_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).Where("account_id = ?", accountID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("current_period_start = ?", start).
		Set("current_period_end = ?", end).
		Set("updated_at = ?", now()).
		Where("id = ?", subID.String()).
		Exec(ctx)
	return affectedOrNotFound(res, err, tokenledger.ErrSubscriptionNotFound)
}

func (s *Store) CancelSubscription(ctx context.Context, providerSubscriptionID string, canceledAt, eventAt time.Time) (*subscription.Subscription, error) {
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("status = ?", string(subscription.StatusCanceled)).
		Set("canceled_at = ?", canceledAt).
		Set("provider_event_at = MAX(provider_event_at, ?)", eventAt).
		Set("updated_at = ?", now()).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		Exec(ctx)
	if err := affectedOrNotFound(res, err, tokenledger.ErrSubscriptionNotFound); err != nil {
		return nil, err
	}
	return s.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
}

// ==================== Cycle store ====================

// CreateCycle numbers and inserts the cycle in one statement. SQLite
// serializes writers, and the unique indexes turn a duplicate invoice into a
// no-op insert.
func (s *Store) CreateCycle(ctx context.Context, c *cycle.BillingCycle) error {
	t := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t
	}
	c.UpdatedAt = c.CreatedAt

	var number int64
	err := s.sdb.NewRaw(`
		INSERT INTO tokenledger_cycles (
			id, subscription_id, cycle_number, period_start, period_end,
			token_allotment, tokens_allocated, tokens_used, tokens_expired,
			provider_invoice_id, ledger_seq, created_at, updated_at
		)
		SELECT ?, ?, COALESCE(MAX(cycle_number), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		FROM tokenledger_cycles
		WHERE subscription_id = ?
		ON CONFLICT DO NOTHING
		RETURNING cycle_number
	`,
		c.ID.String(), c.SubscriptionID.String(), c.PeriodStart, c.PeriodEnd,
		c.TokenAllotment, c.TokensAllocated, c.TokensUsed, c.TokensExpired,
		c.ProviderInvoiceID, c.LedgerSeq, c.CreatedAt, c.UpdatedAt,
		c.SubscriptionID.String(),
	).Scan(ctx, &number)
	if err != nil {
		if isNoRows(err) {
			return tokenledger.ErrAlreadyExists
		}
		return err
	}

	c.CycleNumber = number
	return nil
}

func (s *Store) GetCycle(ctx context.Context, cycleID id.CycleID) (*cycle.BillingCycle, error) {
	m := new(cycleModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", cycleID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrCycleNotFound
		}
		return nil, err
	}
	return fromCycleModel(m)
}

func (s *Store) GetCycleByInvoice(ctx context.Context, subID id.SubscriptionID, providerInvoiceID string) (*cycle.BillingCycle, error) {
	m := new(cycleModel)
	err := s.sdb.NewSelect(m).
		Where("subscription_id = ?", subID.String()).
		Where("provider_invoice_id = ?", providerInvoiceID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrCycleNotFound
		}
		return nil, err
	}
	return fromCycleModel(m)
}

func (s *Store) CurrentCycle(ctx context.Context, subID id.SubscriptionID, asOf time.Time) (*cycle.BillingCycle, error) {
	m := new(cycleModel)
	err := s.sdb.NewSelect(m).
		Where("subscription_id = ?", subID.String()).
		Where("period_end >= ?", asOf).
		OrderExpr("period_end DESC, cycle_number DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrCycleNotFound
		}
		return nil, err
	}
	return fromCycleModel(m)
}

func (s *Store) ListCycles(ctx context.Context, subID id.SubscriptionID, opts cycle.ListOpts) ([]*cycle.BillingCycle, error) {
	var models []cycleModel
	q := s.sdb.NewSelect(&models).Where("subscription_id = ?", subID.String())

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("cycle_number DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	res, err := s.sdb.NewUpdate((*cycleModel)(nil)).
		Set("tokens_allocated = tokens_allocated + ?", allocatedDelta).
		Set("tokens_used = tokens_used + ?", usedDelta).
		Set("ledger_seq = ?", afterSeq+1).
		Set("updated_at = ?", now()).
		Where("id = ?", cycleID.String()).
		Where("ledger_seq = ?", afterSeq).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 1 {
		return true, nil
	}

	if _, err := s.GetCycle(ctx, cycleID); err != nil {
		return false, err
	}
	return false, nil
}

// ==================== Entry store ====================

func (s *Store) InsertEntry(ctx context.Context, e *entry.Entry) error {
	m := toEntryModel(e)
	res, err := s.sdb.NewInsert(m).
		OnConflict("DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return tokenledger.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetEntryByKey(ctx context.Context, idempotencyKey string) (*entry.Entry, error) {
	m := new(entryModel)
	err := s.sdb.NewSelect(m).
		Where("idempotency_key = ?", idempotencyKey).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrEntryNotFound
		}
		return nil, err
	}
	return fromEntryModel(m)
}

func (s *Store) GetEntryBySequence(ctx context.Context, cycleID id.CycleID, seq int64) (*entry.Entry, error) {
	m := new(entryModel)
	err := s.sdb.NewSelect(m).
		Where("cycle_id = ?", cycleID.String()).
		Where("sequence = ?", seq).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, tokenledger.ErrEntryNotFound
		}
		return nil, err
	}
	return fromEntryModel(m)
}

func (s *Store) ListEntries(ctx context.Context, cycleID id.CycleID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel
	q := s.sdb.NewSelect(&models).Where("cycle_id = ?", cycleID.String())

	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("sequence ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// affectedOrNotFound maps an update that touched no rows to notFound.
func affectedOrNotFound(res rowsAffecter, err, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
