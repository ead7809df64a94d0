package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-settlement/internal/postgres"
)

const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id                   TEXT PRIMARY KEY,
	order_number         TEXT NOT NULL,
	external_id          TEXT,
	user_id              TEXT NOT NULL,
	store_id             TEXT NOT NULL,
	status               TEXT NOT NULL,
	total_amount         BIGINT NOT NULL CHECK (total_amount >= 0),
	shipping_fee         BIGINT NOT NULL DEFAULT 0,
	tax_amount           BIGINT NOT NULL DEFAULT 0,
	discount_amount      BIGINT NOT NULL DEFAULT 0,
	final_amount         BIGINT NOT NULL CHECK (final_amount = total_amount + shipping_fee + tax_amount - discount_amount),
	shipping_name        TEXT NOT NULL,
	shipping_phone       TEXT NOT NULL DEFAULT '',
	shipping_address     TEXT NOT NULL,
	shipping_city        TEXT NOT NULL,
	shipping_state       TEXT NOT NULL DEFAULT '',
	shipping_country     TEXT NOT NULL,
	shipping_postal_code TEXT NOT NULL DEFAULT '',
	tracking_number      TEXT NOT NULL DEFAULT '',
	shipping_company     TEXT NOT NULL DEFAULT '',
	estimated_delivery   TIMESTAMPTZ,
	notes                TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	shipped_at           TIMESTAMPTZ,
	delivered_at         TIMESTAMPTZ,
	CONSTRAINT orders_order_number_key UNIQUE (order_number),
	CONSTRAINT orders_external_id_key UNIQUE (external_id)
);

CREATE TABLE IF NOT EXISTS order_items (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	product_id    TEXT NOT NULL,
	product_name  TEXT NOT NULL,
	product_image TEXT NOT NULL DEFAULT '',
	price         BIGINT NOT NULL CHECK (price >= 0),
	quantity      INTEGER NOT NULL CHECK (quantity > 0),
	total_price   BIGINT NOT NULL CHECK (total_price = price * quantity)
);

CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id);
`

const orderCols = `id, order_number, COALESCE(external_id, ''), user_id, store_id, status,
	total_amount, shipping_fee, tax_amount, discount_amount, final_amount,
	shipping_name, shipping_phone, shipping_address, shipping_city, shipping_state, shipping_country, shipping_postal_code,
	tracking_number, shipping_company, estimated_delivery, notes,
	created_at, updated_at, shipped_at, delivered_at`

type PostgresStore struct{ DB *pgxpool.Pool }

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.OrderNumber, &o.ExternalID, &o.UserID, &o.StoreID, &status,
		&o.TotalAmount, &o.ShippingFee, &o.TaxAmount, &o.DiscountAmount, &o.FinalAmount,
		&o.Shipping.Name, &o.Shipping.Phone, &o.Shipping.Address, &o.Shipping.City, &o.Shipping.State, &o.Shipping.Country, &o.Shipping.PostalCode,
		&o.Tracking.TrackingNumber, &o.Tracking.ShippingCompany, &o.Tracking.EstimatedDelivery, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt, &o.ShippedAt, &o.DeliveredAt)
	o.Status = Status(status)
	return o, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) Insert(ctx context.Context, o Order) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, external_id, user_id, store_id, status,
			total_amount, shipping_fee, tax_amount, discount_amount, final_amount,
			shipping_name, shipping_phone, shipping_address, shipping_city, shipping_state, shipping_country, shipping_postal_code,
			notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		o.ID, o.OrderNumber, nullable(o.ExternalID), o.UserID, o.StoreID, string(o.Status),
		o.TotalAmount, o.ShippingFee, o.TaxAmount, o.DiscountAmount, o.FinalAmount,
		o.Shipping.Name, o.Shipping.Phone, o.Shipping.Address, o.Shipping.City, o.Shipping.State, o.Shipping.Country, o.Shipping.PostalCode,
		o.Notes, o.CreatedAt, o.UpdatedAt,
	)
	switch {
	case postgres.IsUniqueViolation(err, "orders_order_number_key"):
		return ErrDuplicateOrderNumber
	case postgres.IsUniqueViolation(err, "orders_external_id_key"):
		return ErrDuplicateExternalID
	case err != nil:
		return err
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, product_name, product_image, price, quantity, total_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, o.ID, it.ProductID, it.ProductName, it.ProductImage, it.Price, it.Quantity, it.TotalPrice,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Order, error) {
	return s.one(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (Order, error) {
	return s.one(ctx, `SELECT `+orderCols+` FROM orders WHERE external_id=$1`, externalID)
}

func (s *PostgresStore) one(ctx context.Context, sql string, arg any) (Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	items, err := s.items(ctx, []string{o.ID})
	if err != nil {
		return Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (s *PostgresStore) items(ctx context.Context, orderIDs []string) (map[string][]OrderItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, order_id, product_id, product_name, product_image, price, quantity, total_price
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]OrderItem{}
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.ProductImage, &it.Price, &it.Quantity, &it.TotalPrice); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByUser(ctx context.Context, f ListFilter) ([]Order, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+orderCols+` FROM orders
		WHERE user_id=$1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, order_number DESC
		LIMIT $3 OFFSET $4`,
		f.UserID, string(f.Status), f.PageSize, (f.Page-1)*f.PageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	var ids []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	items, err := s.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (Order, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=$4,
			shipped_at   = CASE WHEN $3 = 'SHIPPED'   THEN $4 ELSE shipped_at END,
			delivered_at = CASE WHEN $3 = 'DELIVERED' THEN $4 ELSE delivered_at END
		WHERE id=$1 AND status=$2`, id, string(from), string(to), at)
	if err != nil {
		return Order{}, err
	}
	o, gerr := s.Get(ctx, id)
	if gerr != nil {
		return Order{}, gerr
	}
	if ct.RowsAffected() == 0 {
		return o, ErrStatusChanged
	}
	return o, nil
}

func (s *PostgresStore) SetTracking(ctx context.Context, id string, t TrackingInfo, at time.Time) (Order, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE orders SET tracking_number=$2, shipping_company=$3, estimated_delivery=$4, updated_at=$5
		WHERE id=$1`, id, t.TrackingNumber, t.ShippingCompany, t.EstimatedDelivery, at)
	if err != nil {
		return Order{}, err
	}
	if ct.RowsAffected() == 0 {
		return Order{}, ErrOrderNotFound
	}
	return s.Get(ctx, id)
}
