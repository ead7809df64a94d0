package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

// Amounts are integer minor currency units.
type Payment struct {
	ID               string `json:"payment_id"`
	OrderID          string `json:"order_id"`
	UserID           string `json:"user_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Method           Method `json:"method"`
	Status           Status `json:"status"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	CardBrand        string `json:"card_brand,omitempty"`
	CardLastFour     string `json:"card_last_four,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	FailureCode      string `json:"failure_code,omitempty"`
	// Ambiguous marks a charge whose gateway outcome is unknown and must be
	// reconciled by idempotency key.
	Ambiguous bool `json:"ambiguous,omitempty"`
	// RefundedAmount counts completed refunds plus refunds still in flight.
	RefundedAmount int64      `json:"refunded_amount"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// Refundable is what may still be refunded.
func (p Payment) Refundable() int64 {
	return p.Amount - p.RefundedAmount
}

// Failure classifies a Failed payment: an unknown outcome wraps
// apperr.ErrTimeout and a gateway decline wraps apperr.ErrGatewayDeclined.
// It is nil for any other status.
func (p Payment) Failure() error {
	switch {
	case p.Status != StatusFailed:
		return nil
	case p.Ambiguous:
		return fmt.Errorf("charge outcome unknown (%s): %w", p.FailureCode, apperr.ErrTimeout)
	default:
		return fmt.Errorf("%w (%s): %s", apperr.ErrGatewayDeclined, p.FailureCode, p.FailureReason)
	}
}

type Refund struct {
	ID              string     `json:"refund_id"`
	PaymentID       string     `json:"payment_id"`
	Amount          int64      `json:"amount"`
	Reason          string     `json:"reason,omitempty"`
	Status          Status     `json:"status"`
	GatewayRefundID string     `json:"gateway_refund_id,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

type CreateInput struct {
	// PaymentID is optional. Supplying it makes creation idempotent and it is
	// sent to the gateway as the idempotency key.
	PaymentID   string
	OrderID     string
	UserID      string
	Amount      int64
	Currency    string
	Method      Method
	Token       string
	Description string
}

// Outcome is the terminal result written by Store.Settle.
type Outcome struct {
	Status           Status
	GatewayPaymentID string
	CardBrand        string
	CardLastFour     string
	FailureReason    string
	FailureCode      string
	Ambiguous        bool
}

const (
	FailureTimeout     = "TIMEOUT"
	FailureUnavailable = "GATEWAY_UNAVAILABLE"
	FailureError       = "GATEWAY_ERROR"
)

var (
	ErrPaymentNotFound = fmt.Errorf("payment %w", apperr.ErrNotFound)
	ErrRefundNotFound  = fmt.Errorf("refund %w", apperr.ErrNotFound)
	// ErrDuplicatePayment is returned by Store.Insert for a reused id.
	ErrDuplicatePayment = errors.New("payment id already used")
	ErrStatusChanged    = fmt.Errorf("payment status changed: %w", apperr.ErrStateConflict)
	ErrNotRefundable    = fmt.Errorf("payment is not %s: %w", StatusCompleted, apperr.ErrStateConflict)
	ErrNotPending       = fmt.Errorf("payment is not %s: %w", StatusPending, apperr.ErrStateConflict)
	ErrRefundTooLarge   = apperr.Validation("refund exceeds refundable balance")
)

func hexID(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

// NewPaymentID returns PAY_ followed by 16 upper hex chars.
func NewPaymentID() string { return hexID("PAY_") }

// NewRefundID returns REF_ followed by 16 upper hex chars.
func NewRefundID() string { return hexID("REF_") }
