package payment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-settlement/internal/postgres"
)

const Schema = `
CREATE TABLE IF NOT EXISTS payments (
	id                 TEXT PRIMARY KEY,
	order_id           TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	amount             BIGINT NOT NULL CHECK (amount >= 0),
	currency           TEXT NOT NULL,
	method             TEXT NOT NULL,
	status             TEXT NOT NULL,
	gateway_payment_id TEXT NOT NULL DEFAULT '',
	card_brand         TEXT NOT NULL DEFAULT '',
	card_last_four     TEXT NOT NULL DEFAULT '',
	failure_reason     TEXT NOT NULL DEFAULT '',
	failure_code       TEXT NOT NULL DEFAULT '',
	ambiguous          BOOLEAN NOT NULL DEFAULT FALSE,
	refunded_amount    BIGINT NOT NULL DEFAULT 0 CHECK (refunded_amount >= 0 AND refunded_amount <= amount),
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	processed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS refunds (
	id                TEXT PRIMARY KEY,
	payment_id        TEXT NOT NULL REFERENCES payments(id),
	amount            BIGINT NOT NULL CHECK (amount > 0),
	reason            TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	gateway_refund_id TEXT NOT NULL DEFAULT '',
	failure_reason    TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	processed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id);
CREATE INDEX IF NOT EXISTS idx_payments_ambiguous ON payments(created_at) WHERE ambiguous;
CREATE INDEX IF NOT EXISTS idx_refunds_payment ON refunds(payment_id);
`

const paymentCols = `id, order_id, user_id, amount, currency, method, status, gateway_payment_id,
	card_brand, card_last_four, failure_reason, failure_code, ambiguous, refunded_amount,
	created_at, updated_at, processed_at`

const refundCols = `id, payment_id, amount, reason, status, gateway_refund_id, failure_reason,
	created_at, updated_at, processed_at`

type PostgresStore struct{ DB *pgxpool.Pool }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var method, status string
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &method, &status, &p.GatewayPaymentID,
		&p.CardBrand, &p.CardLastFour, &p.FailureReason, &p.FailureCode, &p.Ambiguous, &p.RefundedAmount,
		&p.CreatedAt, &p.UpdatedAt, &p.ProcessedAt)
	p.Method, p.Status = Method(method), Status(status)
	return p, err
}

func scanRefund(row pgx.Row) (Refund, error) {
	var r Refund
	var status string
	err := row.Scan(&r.ID, &r.PaymentID, &r.Amount, &r.Reason, &status, &r.GatewayRefundID, &r.FailureReason,
		&r.CreatedAt, &r.UpdatedAt, &r.ProcessedAt)
	r.Status = Status(status)
	return r, err
}

func getPayment(ctx context.Context, q querier, id string) (Payment, error) {
	p, err := scanPayment(q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	return p, err
}

func getRefund(ctx context.Context, q querier, id string) (Refund, error) {
	r, err := scanRefund(q.QueryRow(ctx, `SELECT `+refundCols+` FROM refunds WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Refund{}, ErrRefundNotFound
	}
	return r, err
}

func (s *PostgresStore) Insert(ctx context.Context, p Payment) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payments(id, order_id, user_id, amount, currency, method, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Currency, string(p.Method), string(p.Status), p.CreatedAt, p.UpdatedAt)
	if postgres.IsUniqueViolation(err, "payments_pkey") {
		return ErrDuplicatePayment
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Payment, error) {
	return getPayment(ctx, s.DB, id)
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]Payment, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id=$1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Settle(ctx context.Context, id string, from Status, o Outcome, at time.Time) (Payment, error) {
	p, err := scanPayment(s.DB.QueryRow(ctx, `
		UPDATE payments SET status=$3, gateway_payment_id=$4, card_brand=$5, card_last_four=$6,
			failure_reason=$7, failure_code=$8, ambiguous=$9, updated_at=$10, processed_at=$10
		WHERE id=$1 AND status=$2
		RETURNING `+paymentCols,
		id, string(from), string(o.Status), o.GatewayPaymentID, o.CardBrand, o.CardLastFour,
		o.FailureReason, o.FailureCode, o.Ambiguous, at))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := getPayment(ctx, s.DB, id)
		if gerr != nil {
			return Payment{}, gerr
		}
		return cur, ErrStatusChanged
	}
	return p, err
}

func (s *PostgresStore) HoldRefund(ctx context.Context, r Refund, at time.Time) (Payment, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Payment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET refunded_amount = refunded_amount + $2, updated_at=$3
		WHERE id=$1 AND status='COMPLETED' AND refunded_amount + $2 <= amount
		RETURNING `+paymentCols, r.PaymentID, r.Amount, at))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := getPayment(ctx, tx, r.PaymentID)
		if gerr != nil {
			return Payment{}, gerr
		}
		if cur.Status != StatusCompleted {
			return cur, ErrNotRefundable
		}
		return cur, ErrRefundTooLarge
	}
	if err != nil {
		return Payment{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refunds(id, payment_id, amount, reason, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.PaymentID, r.Amount, r.Reason, string(r.Status), r.CreatedAt, r.UpdatedAt); err != nil {
		return Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (s *PostgresStore) FinishRefund(ctx context.Context, refundID string, to Status, gatewayRefundID, failureReason string, at time.Time) (Refund, Payment, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Refund{}, Payment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanRefund(tx.QueryRow(ctx, `
		UPDATE refunds SET status=$2, gateway_refund_id=$3, failure_reason=$4, updated_at=$5, processed_at=$5
		WHERE id=$1 AND status IN ('PROCESSING','PENDING')
		RETURNING `+refundCols, refundID, string(to), gatewayRefundID, failureReason, at))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := getRefund(ctx, tx, refundID)
		if gerr != nil {
			return Refund{}, Payment{}, gerr
		}
		p, _ := getPayment(ctx, tx, cur.PaymentID)
		return cur, p, ErrStatusChanged
	}
	if err != nil {
		return Refund{}, Payment{}, err
	}

	switch to {
	case StatusFailed:
		_, err = tx.Exec(ctx, `UPDATE payments SET refunded_amount = refunded_amount - $2, updated_at=$3 WHERE id=$1`,
			r.PaymentID, r.Amount, at)
	case StatusCompleted:
		_, err = tx.Exec(ctx, `
			UPDATE payments SET status='REFUNDED', updated_at=$2
			WHERE id=$1 AND status='COMPLETED'
			  AND amount = (SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id=$1 AND status='COMPLETED')`,
			r.PaymentID, at)
	}
	if err != nil {
		return Refund{}, Payment{}, err
	}
	p, err := getPayment(ctx, tx, r.PaymentID)
	if err != nil {
		return Refund{}, Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Refund{}, Payment{}, err
	}
	return r, p, nil
}

func (s *PostgresStore) GetRefund(ctx context.Context, id string) (Refund, error) {
	return getRefund(ctx, s.DB, id)
}

func (s *PostgresStore) ListRefunds(ctx context.Context, paymentID string) ([]Refund, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+refundCols+` FROM refunds WHERE payment_id=$1 ORDER BY created_at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
