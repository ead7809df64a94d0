// Package catalog prices line items. Prices always come from here, never
// from the client.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

type Product struct {
	ID        string    `json:"id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Image     string    `json:"image,omitempty"`
	Price     int64     `json:"price"`
	Stock     int       `json:"stock"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrProductNotFound = fmt.Errorf("product %w", apperr.ErrNotFound)

type Lookup interface {
	GetProduct(ctx context.Context, id string) (Product, error)
}

// Postgres reads the products table owned by the inventory database.
type Postgres struct{ DB *pgxpool.Pool }

const productCols = `id, sku, name, image, price_cents, stock, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Image, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (c *Postgres) GetProduct(ctx context.Context, id string) (Product, error) {
	p, err := scanProduct(c.DB.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

func (c *Postgres) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := c.DB.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert seeds or updates a product row, including its stock level.
func (c *Postgres) Upsert(ctx context.Context, p Product) error {
	_, err := c.DB.Exec(ctx, `
		INSERT INTO products(id, sku, name, image, price_cents, stock)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET sku=EXCLUDED.sku, name=EXCLUDED.name, image=EXCLUDED.image,
			price_cents=EXCLUDED.price_cents, stock=EXCLUDED.stock, updated_at=now()`,
		p.ID, p.SKU, p.Name, p.Image, p.Price, p.Stock)
	return err
}

// Static is an in-process catalog for tests and memory runs.
type Static struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewStatic(products ...Product) *Static {
	s := &Static{products: map[string]Product{}}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *Static) Put(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Static) GetProduct(_ context.Context, id string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (s *Static) ListProducts(_ context.Context) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}
