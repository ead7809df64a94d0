package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema lives in the orders database next to the orders it creates.
const Schema = `
CREATE TABLE IF NOT EXISTS purchase_attempts (
	idempotency_key TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	phase           TEXT NOT NULL,
	reservation_ids TEXT[] NOT NULL DEFAULT '{}',
	order_id        TEXT NOT NULL DEFAULT '',
	payment_id      TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	stock_touched   BOOLEAN NOT NULL DEFAULT FALSE,
	money_touched   BOOLEAN NOT NULL DEFAULT FALSE,
	shortages       JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_open ON purchase_attempts(updated_at)
	WHERE phase NOT IN ('SETTLED', 'AWAITING_PAYMENT', 'REJECTED', 'ABORTED');
`

const attemptCols = `idempotency_key, user_id, phase, reservation_ids, order_id, payment_id, reason,
	stock_touched, money_touched, shortages, created_at, updated_at`

type PostgresAttempts struct{ DB *pgxpool.Pool }

func scanAttempt(row pgx.Row) (Attempt, error) {
	var a Attempt
	var phase string
	var shortages []byte
	err := row.Scan(&a.Key, &a.UserID, &phase, &a.ReservationIDs, &a.OrderID, &a.PaymentID, &a.Reason,
		&a.StockTouched, &a.MoneyTouched, &shortages, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Attempt{}, err
	}
	a.Phase = Phase(phase)
	if len(shortages) > 0 {
		if err := json.Unmarshal(shortages, &a.Shortages); err != nil {
			return Attempt{}, err
		}
	}
	return a, nil
}

func attemptArgs(a Attempt) []any {
	shortages, _ := json.Marshal(a.Shortages)
	ids := a.ReservationIDs
	if ids == nil {
		ids = []string{}
	}
	return []any{a.Key, a.UserID, string(a.Phase), ids, a.OrderID, a.PaymentID, a.Reason,
		a.StockTouched, a.MoneyTouched, shortages, a.CreatedAt, a.UpdatedAt}
}

func (s *PostgresAttempts) Create(ctx context.Context, a Attempt) (Attempt, bool, error) {
	ct, err := s.DB.Exec(ctx, `INSERT INTO purchase_attempts(`+attemptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (idempotency_key) DO NOTHING`, attemptArgs(a)...)
	if err != nil {
		return Attempt{}, false, err
	}
	if ct.RowsAffected() == 1 {
		return a, true, nil
	}
	cur, err := s.Get(ctx, a.Key)
	return cur, false, err
}

func (s *PostgresAttempts) Get(ctx context.Context, key string) (Attempt, error) {
	a, err := scanAttempt(s.DB.QueryRow(ctx, `SELECT `+attemptCols+` FROM purchase_attempts WHERE idempotency_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, ErrAttemptNotFound
	}
	return a, err
}

func (s *PostgresAttempts) Save(ctx context.Context, a Attempt) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO purchase_attempts(`+attemptCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			phase=EXCLUDED.phase, reservation_ids=EXCLUDED.reservation_ids, order_id=EXCLUDED.order_id,
			payment_id=EXCLUDED.payment_id, reason=EXCLUDED.reason, stock_touched=EXCLUDED.stock_touched,
			money_touched=EXCLUDED.money_touched, shortages=EXCLUDED.shortages, updated_at=EXCLUDED.updated_at`,
		attemptArgs(a)...)
	return err
}

func (s *PostgresAttempts) ListStale(ctx context.Context, before time.Time, limit int) ([]Attempt, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+attemptCols+` FROM purchase_attempts
		WHERE phase NOT IN ('SETTLED', 'AWAITING_PAYMENT', 'REJECTED', 'ABORTED') AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
