package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

// Amounts are integer minor currency units.
type Order struct {
	ID             string          `json:"id"`
	OrderNumber    string          `json:"order_number"`
	ExternalID     string          `json:"external_id,omitempty"`
	UserID         string          `json:"user_id"`
	StoreID        string          `json:"store_id"`
	Status         Status          `json:"status"`
	TotalAmount    int64           `json:"total_amount"`
	ShippingFee    int64           `json:"shipping_fee"`
	TaxAmount      int64           `json:"tax_amount"`
	DiscountAmount int64           `json:"discount_amount"`
	FinalAmount    int64           `json:"final_amount"`
	Shipping       ShippingAddress `json:"shipping_address"`
	Tracking       TrackingInfo    `json:"shipping_info"`
	Notes          string          `json:"notes,omitempty"`
	Items          []OrderItem     `json:"items"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ShippedAt      *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

type OrderItem struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	ProductImage string `json:"product_image,omitempty"`
	Price        int64  `json:"price"`
	Quantity     int    `json:"quantity"`
	TotalPrice   int64  `json:"total_price"`
}

// ShippingAddress is copied onto the order at creation and never updated.
type ShippingAddress struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

type TrackingInfo struct {
	TrackingNumber    string     `json:"tracking_number"`
	ShippingCompany   string     `json:"shipping_company"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

// ItemInput is an already priced line.
type ItemInput struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	ProductImage string `json:"product_image"`
	Price        int64  `json:"price"`
	Quantity     int    `json:"quantity"`
}

type CreateInput struct {
	// ExternalID makes creation idempotent: a second create with the same
	// value returns the first order.
	ExternalID     string
	UserID         string
	StoreID        string
	Items          []ItemInput
	Shipping       ShippingAddress
	ShippingFee    int64
	TaxAmount      int64
	DiscountAmount int64
	Notes          string
}

type ListFilter struct {
	UserID   string
	Status   Status // empty matches all
	Page     int    // 1-based
	PageSize int
}

var (
	ErrOrderNotFound = fmt.Errorf("order %w", apperr.ErrNotFound)
	// ErrDuplicateOrderNumber and ErrDuplicateExternalID are returned by
	// Store.Insert on the matching unique constraint.
	ErrDuplicateOrderNumber = errors.New("order number already used")
	ErrDuplicateExternalID  = errors.New("external id already used")
	// ErrStatusChanged is returned by Store.UpdateStatus when the order is no
	// longer in the expected status.
	ErrStatusChanged = fmt.Errorf("order status changed: %w", apperr.ErrStateConflict)
)

// TransitionError is an illegal status change.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return apperr.ErrStateConflict }
