package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL,
	price_cents   BIGINT NOT NULL CHECK (price_cents >= 0),
	total_qty     INT NOT NULL CHECK (total_qty >= 0),
	sellable_qty  INT NOT NULL CHECK (sellable_qty >= 0),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS clients (
	id          BIGSERIAL PRIMARY KEY,
	debt_cents  BIGINT NOT NULL DEFAULT 0 CHECK (debt_cents >= 0)
);

CREATE TABLE IF NOT EXISTS reservations (
	client_id   BIGINT NOT NULL REFERENCES clients(id),
	product_id  BIGINT NOT NULL REFERENCES products(id),
	qty         INT NOT NULL CHECK (qty BETWEEN 1 AND 5),
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (client_id, product_id)
);

CREATE INDEX IF NOT EXISTS reservations_product_idx ON reservations(product_id);
CREATE INDEX IF NOT EXISTS reservations_created_idx ON reservations(created_at);

CREATE TABLE IF NOT EXISTS sales_history (
	id           UUID PRIMARY KEY,
	client_id    BIGINT NOT NULL REFERENCES clients(id),
	product_id   BIGINT NOT NULL REFERENCES products(id),
	qty          INT NOT NULL,
	total_cents  BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS sales_history_client_idx ON sales_history(client_id);
`

// EnsureSchema is idempotent; the api binary runs it before serving.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, schema)
	return err
}
