package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the token ledger store.
var Migrations = migrate.NewGroup("tokenledger")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_tokenledger_events",
			Version: "20250301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tokenledger_events (
    event_id            TEXT PRIMARY KEY,
    event_type          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'processing',
    outcome             TEXT NOT NULL DEFAULT '',
    note                TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    retry_count         INT NOT NULL DEFAULT 0,
    payload             JSONB,
    provider_created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    first_seen_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    claimed_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_retry_at       TIMESTAMPTZ,
    processed_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tokenledger_events_status ON tokenledger_events (status, claimed_at);
CREATE INDEX IF NOT EXISTS idx_tokenledger_events_type ON tokenledger_events (event_type, first_seen_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tokenledger_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tokenledger_subscriptions",
			Version: "20250301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tokenledger_subscriptions (
    id                       TEXT PRIMARY KEY,
    account_id               TEXT NOT NULL DEFAULT '',
    provider_subscription_id TEXT NOT NULL,
    provider_customer_id     TEXT NOT NULL DEFAULT '',
    price_id                 TEXT NOT NULL DEFAULT '',
    tier                     TEXT NOT NULL DEFAULT 'STARTER',
    billing_interval         TEXT NOT NULL DEFAULT 'MONTHLY',
    status                   TEXT NOT NULL DEFAULT 'ACTIVE',
    current_period_start     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    current_period_end       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
    canceled_at              TIMESTAMPTZ,
    trial_start              TIMESTAMPTZ,
    trial_end                TIMESTAMPTZ,
    entitlements             JSONB NOT NULL DEFAULT '{}',
    provider_event_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tokenledger_subs_provider ON tokenledger_subscriptions (provider_subscription_id);
CREATE INDEX IF NOT EXISTS idx_tokenledger_subs_account ON tokenledger_subscriptions (account_id, status);
CREATE INDEX IF NOT EXISTS idx_tokenledger_subs_customer ON tokenledger_subscriptions (provider_customer_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tokenledger_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tokenledger_cycles",
			Version: "20250301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tokenledger_cycles (
    id                  TEXT PRIMARY KEY,
    subscription_id     TEXT NOT NULL REFERENCES tokenledger_subscriptions (id),
    cycle_number        BIGINT NOT NULL,
    period_start        TIMESTAMPTZ NOT NULL,
    period_end          TIMESTAMPTZ NOT NULL,
    token_allotment     BIGINT NOT NULL DEFAULT 0,
    tokens_allocated    BIGINT NOT NULL DEFAULT 0,
    tokens_used         BIGINT NOT NULL DEFAULT 0,
    tokens_expired      BIGINT NOT NULL DEFAULT 0,
    provider_invoice_id TEXT NOT NULL DEFAULT '',
    ledger_seq          BIGINT NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (tokens_allocated >= tokens_used)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tokenledger_cycles_number ON tokenledger_cycles (subscription_id, cycle_number);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tokenledger_cycles_invoice ON tokenledger_cycles (subscription_id, provider_invoice_id) WHERE provider_invoice_id != '';
CREATE INDEX IF NOT EXISTS idx_tokenledger_cycles_period ON tokenledger_cycles (subscription_id, period_end);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tokenledger_cycles`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_tokenledger_entries",
			Version: "20250301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tokenledger_entries (
    id              TEXT PRIMARY KEY,
    cycle_id        TEXT NOT NULL REFERENCES tokenledger_cycles (id),
    sequence        BIGINT NOT NULL,
    type            TEXT NOT NULL,
    amount          BIGINT NOT NULL,
    balance         BIGINT NOT NULL,
    reference_type  TEXT NOT NULL DEFAULT '',
    reference_id    TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (amount != 0),
    CHECK (balance >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tokenledger_entries_key ON tokenledger_entries (idempotency_key);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tokenledger_entries_seq ON tokenledger_entries (cycle_id, sequence);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS tokenledger_entries`)
				return err
			},
		},
	)
}
