package cart

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore implements Store on Postgres. Lock order inside every transaction
// is client row first, then product rows in id order, so concurrent
// operations on the same client serialize and never deadlock.
type PgStore struct{ DB *pgxpool.Pool }

// IsRetryable reports whether err is a transient transaction conflict worth
// another attempt (serialization failure or deadlock).
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *PgStore) GetProduct(ctx context.Context, productID int64) (Product, error) {
	var p Product
	err := s.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, total_qty, sellable_qty, created_at, updated_at
		FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.TotalQty, &p.SellableQty, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

func (s *PgStore) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, price_cents, total_qty, sellable_qty, created_at, updated_at
		FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.TotalQty, &p.SellableQty, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgStore) ListCart(ctx context.Context, clientID int64) ([]Reservation, error) {
	return s.scanReservations(ctx, `
		SELECT client_id, product_id, qty, created_at, updated_at
		FROM reservations WHERE client_id=$1 ORDER BY product_id`, clientID)
}

func (s *PgStore) ListReservations(ctx context.Context) ([]Reservation, error) {
	return s.scanReservations(ctx, `
		SELECT client_id, product_id, qty, created_at, updated_at
		FROM reservations ORDER BY client_id, product_id`)
}

func (s *PgStore) scanReservations(ctx context.Context, q string, args ...any) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ClientID, &r.ProductID, &r.Qty, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) ListExpired(ctx context.Context, cutoff time.Time) ([]Key, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT client_id, product_id FROM reservations WHERE created_at <= $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ClientID, &k.ProductID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PgStore) Reserve(ctx context.Context, clientID, productID int64, qty int, now time.Time) (Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockClient(ctx, tx, clientID); err != nil {
		return Reservation{}, err
	}

	var sellable int
	err = tx.QueryRow(ctx, `SELECT sellable_qty FROM products WHERE id=$1 FOR UPDATE`, productID).Scan(&sellable)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrProductNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	if sellable < qty {
		return Reservation{}, ErrInsufficientStock
	}

	var active int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM reservations WHERE client_id=$1`, clientID).Scan(&active); err != nil {
		return Reservation{}, err
	}
	if active >= maxCartSize {
		return Reservation{}, ErrCartFull
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO reservations(client_id, product_id, qty, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (client_id, product_id) DO NOTHING`,
		clientID, productID, qty, now)
	if err != nil {
		return Reservation{}, err
	}
	if ct.RowsAffected() == 0 {
		return Reservation{}, ErrDuplicateReservation
	}

	if _, err := tx.Exec(ctx, `
		UPDATE products SET sellable_qty = sellable_qty - $2, updated_at=$3 WHERE id=$1`,
		productID, qty, now); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}
	return Reservation{ClientID: clientID, ProductID: productID, Qty: qty, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PgStore) Cancel(ctx context.Context, clientID, productID int64) (int, error) {
	qty, released, err := s.Release(ctx, clientID, productID)
	if err != nil {
		return 0, err
	}
	if !released {
		return 0, ErrReservationNotFound
	}
	return qty, nil
}

func (s *PgStore) Release(ctx context.Context, clientID, productID int64) (int, bool, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockClient(ctx, tx, clientID); err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}

	var qty int
	err = tx.QueryRow(ctx, `
		DELETE FROM reservations WHERE client_id=$1 AND product_id=$2 RETURNING qty`,
		clientID, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE products SET sellable_qty = sellable_qty + $2, updated_at=NOW() WHERE id=$1`,
		productID, qty); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func (s *PgStore) Adjust(ctx context.Context, clientID, productID int64, qty int, now time.Time) (Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockClient(ctx, tx, clientID); err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return Reservation{}, ErrReservationNotFound
		}
		return Reservation{}, err
	}

	var cur int
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT qty, created_at FROM reservations
		WHERE client_id=$1 AND product_id=$2 FOR UPDATE`,
		clientID, productID).Scan(&cur, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, err
	}

	diff := cur - qty
	if diff == 0 {
		return Reservation{}, ErrNoOpUpdate
	}

	var sellable int
	if err := tx.QueryRow(ctx, `SELECT sellable_qty FROM products WHERE id=$1 FOR UPDATE`, productID).Scan(&sellable); err != nil {
		return Reservation{}, err
	}
	// growing the reservation needs the extra units to still be available
	if diff < 0 && sellable < -diff {
		return Reservation{}, ErrInsufficientStock
	}

	if _, err := tx.Exec(ctx, `
		UPDATE products SET sellable_qty = sellable_qty + $2, updated_at=$3 WHERE id=$1`,
		productID, diff, now); err != nil {
		return Reservation{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET qty=$3, updated_at=$4 WHERE client_id=$1 AND product_id=$2`,
		clientID, productID, qty, now); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}
	return Reservation{ClientID: clientID, ProductID: productID, Qty: qty, CreatedAt: createdAt, UpdatedAt: now}, nil
}

func (s *PgStore) CheckoutAll(ctx context.Context, clientID int64, now time.Time) (Receipt, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Receipt{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockClient(ctx, tx, clientID); err != nil {
		return Receipt{}, err
	}

	// lock reservation rows and their products in one go, ordered by
	// product_id to keep the global lock order
	rows, err := tx.Query(ctx, `
		SELECT r.product_id, r.qty, p.price_cents
		FROM reservations r JOIN products p ON p.id = r.product_id
		WHERE r.client_id=$1 ORDER BY r.product_id FOR UPDATE`, clientID)
	if err != nil {
		return Receipt{}, err
	}
	var purchases []Purchase
	for rows.Next() {
		var pu Purchase
		if err := rows.Scan(&pu.ProductID, &pu.Qty, &pu.PriceCents); err != nil {
			rows.Close()
			return Receipt{}, err
		}
		pu.TotalCents = int64(pu.Qty) * pu.PriceCents
		purchases = append(purchases, pu)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Receipt{}, err
	}
	if len(purchases) == 0 {
		return Receipt{}, ErrEmptyCart
	}

	var total int64
	for _, pu := range purchases {
		total += pu.TotalCents
		if _, err := tx.Exec(ctx, `
			INSERT INTO sales_history(id, client_id, product_id, qty, total_cents, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			uuid.NewString(), clientID, pu.ProductID, pu.Qty, pu.TotalCents, now); err != nil {
			return Receipt{}, err
		}
		// the checked-out units are consumed for good: total shrinks,
		// sellable stays untouched
		if _, err := tx.Exec(ctx, `
			UPDATE products SET total_qty = total_qty - $2, updated_at=$3 WHERE id=$1`,
			pu.ProductID, pu.Qty, now); err != nil {
			return Receipt{}, err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE client_id=$1`, clientID); err != nil {
		return Receipt{}, err
	}

	var debt int64
	if err := tx.QueryRow(ctx, `
		UPDATE clients SET debt_cents = debt_cents + $2 WHERE id=$1 RETURNING debt_cents`,
		clientID, total).Scan(&debt); err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, err
	}
	return Receipt{TotalCents: total, TotalDebtCents: debt, Purchases: purchases}, nil
}

func (s *PgStore) Clear(ctx context.Context, clientID int64) ([]Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockClient(ctx, tx, clientID); err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT client_id, product_id, qty, created_at, updated_at
		FROM reservations WHERE client_id=$1 ORDER BY product_id FOR UPDATE`, clientID)
	if err != nil {
		return nil, err
	}
	var released []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ClientID, &r.ProductID, &r.Qty, &r.CreatedAt, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		released = append(released, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range released {
		if _, err := tx.Exec(ctx, `
			UPDATE products SET sellable_qty = sellable_qty + $2, updated_at=NOW() WHERE id=$1`,
			r.ProductID, r.Qty); err != nil {
			return nil, err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE client_id=$1`, clientID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return released, nil
}

func (s *PgStore) FindDrift(ctx context.Context) ([]Drift, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT p.id, p.total_qty, p.sellable_qty, COALESCE(SUM(r.qty), 0)
		FROM products p LEFT JOIN reservations r ON r.product_id = p.id
		GROUP BY p.id, p.total_qty, p.sellable_qty
		HAVING p.sellable_qty + COALESCE(SUM(r.qty), 0) <> p.total_qty`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.ProductID, &d.TotalQty, &d.SellableQty, &d.ReservedQty); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func lockClient(ctx context.Context, tx pgx.Tx, clientID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM clients WHERE id=$1 FOR UPDATE`, clientID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrClientNotFound
	}
	return err
}
