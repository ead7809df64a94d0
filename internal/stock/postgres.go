package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	sku         TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	image       TEXT NOT NULL DEFAULT '',
	price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
	stock       INTEGER NOT NULL CHECK (stock >= 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stock_reservations (
	reservation_id TEXT PRIMARY KEY,
	product_id     TEXT NOT NULL REFERENCES products(id),
	quantity       INTEGER NOT NULL CHECK (quantity > 0),
	order_ref      TEXT NOT NULL,
	status         TEXT NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_order_ref ON stock_reservations(order_ref);
CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON stock_reservations(expires_at) WHERE status = 'RESERVED';
`

const reservationCols = `reservation_id, product_id, quantity, order_ref, status, expires_at, created_at, updated_at`

type PostgresStore struct{ DB *pgxpool.Pool }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var r Reservation
	var status string
	err := row.Scan(&r.ID, &r.ProductID, &r.Quantity, &r.OrderRef, &status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	r.Status = Status(status)
	return r, err
}

func (s *PostgresStore) Stock(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, productID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return n, err
}

// Reserve uses a conditional decrement instead of SELECT ... FOR UPDATE
// followed by UPDATE: the row lock taken by the UPDATE serializes concurrent
// reservations and the WHERE clause re-evaluates stock after the lock.
func (s *PostgresStore) Reserve(ctx context.Context, r Reservation) (bool, int, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var left int
	err = tx.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock`, r.ProductID, r.Quantity).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		var current int
		err = tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, r.ProductID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, ErrProductNotFound
		}
		if err != nil {
			return false, 0, err
		}
		return false, current, nil
	}
	if err != nil {
		return false, 0, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_reservations(`+reservationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.ProductID, r.Quantity, r.OrderRef, string(r.Status), r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
	); err != nil {
		return false, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, left, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, to Status, at time.Time) (Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanReservation(tx.QueryRow(ctx, `
		UPDATE stock_reservations SET status=$2, updated_at=$3
		WHERE reservation_id=$1 AND status='RESERVED'
		RETURNING `+reservationCols, id, string(to), at))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := get(ctx, tx, id)
		if gerr != nil {
			return Reservation{}, gerr
		}
		return current, ErrWrongState
	}
	if err != nil {
		return Reservation{}, err
	}

	if to == StatusReleased {
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, r.ProductID, r.Quantity); err != nil {
			return Reservation{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

func get(ctx context.Context, q querier, id string) (Reservation, error) {
	r, err := scanReservation(q.QueryRow(ctx, `SELECT `+reservationCols+` FROM stock_reservations WHERE reservation_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	return r, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Reservation, error) {
	return get(ctx, s.DB, id)
}

func (s *PostgresStore) ListByOrderRef(ctx context.Context, orderRef string) ([]Reservation, error) {
	return s.list(ctx, `SELECT `+reservationCols+` FROM stock_reservations WHERE order_ref=$1 ORDER BY created_at`, orderRef)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	return s.list(ctx, `SELECT `+reservationCols+` FROM stock_reservations
		WHERE status='RESERVED' AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
}

func (s *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Restock(ctx context.Context, productID string, qty int) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1 RETURNING stock`, productID, qty).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return n, err
}
