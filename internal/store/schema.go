package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Schema is the full DDL. The seeder applies it; statements are idempotent
// so re-running is safe.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         BIGSERIAL PRIMARY KEY,
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id                 UUID PRIMARY KEY,
	account_id         BIGINT NOT NULL REFERENCES accounts(id),
	type               TEXT NOT NULL,
	amount             BIGINT NOT NULL,
	status             TEXT NOT NULL,
	idempotency_key    TEXT NOT NULL UNIQUE,
	related_order_id   TEXT,
	related_deposit_id TEXT,
	description        TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account
	ON transactions (account_id, created_at DESC);

-- At most one purchase and one refund row per order.
CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_order_purchase
	ON transactions (related_order_id) WHERE type = 'purchase';
CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_order_refund
	ON transactions (related_order_id) WHERE type = 'refund';

CREATE TABLE IF NOT EXISTS deposit_methods (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	destination  TEXT NOT NULL,
	min_amount   BIGINT NOT NULL,
	max_amount   BIGINT NOT NULL,
	fee_percent  TEXT NOT NULL DEFAULT '0',
	fee_fixed    BIGINT NOT NULL DEFAULT 0,
	enabled      BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS deposit_intents (
	id                 UUID PRIMARY KEY,
	account_id         BIGINT NOT NULL REFERENCES accounts(id),
	requested_amount   BIGINT NOT NULL,
	method_id          TEXT NOT NULL REFERENCES deposit_methods(id),
	fee                BIGINT NOT NULL,
	net_amount         BIGINT NOT NULL,
	payment_descriptor TEXT NOT NULL,
	reject_reason      TEXT,
	status             TEXT NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deposit_intents_status
	ON deposit_intents (status, expires_at);

CREATE TABLE IF NOT EXISTS orders (
	id          UUID PRIMARY KEY,
	account_id  BIGINT NOT NULL REFERENCES accounts(id),
	total_due   BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id          UUID PRIMARY KEY,
	account_id  BIGINT NOT NULL REFERENCES accounts(id),
	label       TEXT NOT NULL,
	period_days INT NOT NULL,
	renew_price BIGINT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`

// ApplySchema runs the DDL over a single connection.
func ApplySchema(ctx context.Context, conn *pgx.Conn) error {
	if _, err := conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("schema apply failed: %w", err)
	}
	return nil
}
