package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	price       NUMERIC(12,2) NOT NULL CHECK (price >= 0),
	stock       INTEGER NOT NULL CHECK (stock >= 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE products ADD COLUMN IF NOT EXISTS description TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS products_name_idx ON products (name, id);

CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	total_amount  NUMERIC(12,2) NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS order_items (
	id                 TEXT PRIMARY KEY,
	order_id           TEXT NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
	position           INTEGER NOT NULL,
	product_id         TEXT NOT NULL REFERENCES products (id),
	product_name       TEXT NOT NULL,
	quantity           INTEGER NOT NULL CHECK (quantity > 0),
	price_at_purchase  NUMERIC(12,2) NOT NULL
);
CREATE INDEX IF NOT EXISTS order_items_order_idx ON order_items (order_id, position);

CREATE TABLE IF NOT EXISTS inventory_movements (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	product_id  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	old_stock   INTEGER NOT NULL,
	new_stock   INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (order_id, product_id, reason)
);

CREATE TABLE IF NOT EXISTS outbox (
	id            BIGSERIAL PRIMARY KEY,
	event_id      TEXT NOT NULL UNIQUE,
	queue         TEXT NOT NULL,
	payload       JSONB NOT NULL,
	headers       JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	locked_by     TEXT,
	locked_until  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (id) WHERE status = 'pending';
`

// migrationLockKey is the pg_advisory_lock key every binary migrates under.
const migrationLockKey = 0x6f726466 // "ordf"

// Migrate creates the tables if they do not exist yet. Concurrent callers
// are serialised on an advisory lock; CREATE ... IF NOT EXISTS is not safe
// to race.
func (db *PostgresDB) Migrate(ctx context.Context) error {
	conn, err := db.Conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection for migration: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			db.logger.Warn("⚠️ Failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	db.logger.Info("✅ Database schema ready")
	return nil
}
