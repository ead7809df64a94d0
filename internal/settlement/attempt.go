package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

// Phase is where a purchase attempt is in the saga.
type Phase string

const (
	PhaseReserving       Phase = "RESERVING"
	PhaseOrdering        Phase = "ORDERING"
	PhaseCharging        Phase = "CHARGING"
	PhaseCompensating    Phase = "COMPENSATING"
	PhaseSettled         Phase = "SETTLED"
	PhaseAwaitingPayment Phase = "AWAITING_PAYMENT"
	PhaseRejected        Phase = "REJECTED"
	PhaseAborted         Phase = "ABORTED"
)

func (p Phase) Terminal() bool {
	switch p {
	case PhaseSettled, PhaseAwaitingPayment, PhaseRejected, PhaseAborted:
		return true
	}
	return false
}

type Shortage struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// Attempt is the persisted progress of one purchase, keyed by the caller's
// idempotency key. Every id is written before the step that depends on it,
// so a crashed attempt can be compensated from this record alone.
type Attempt struct {
	Key            string     `json:"idempotency_key"`
	UserID         string     `json:"user_id"`
	Phase          Phase      `json:"phase"`
	ReservationIDs []string   `json:"reservation_ids"`
	OrderID        string     `json:"order_id,omitempty"`
	PaymentID      string     `json:"payment_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	StockTouched   bool       `json:"stock_touched"`
	MoneyTouched   bool       `json:"money_touched"`
	Shortages      []Shortage `json:"shortages,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var ErrAttemptNotFound = fmt.Errorf("purchase attempt %w", apperr.ErrNotFound)

type AttemptStore interface {
	// Create inserts a unless an attempt with the same key exists, in which
	// case the existing one is returned with created false.
	Create(ctx context.Context, a Attempt) (existing Attempt, created bool, err error)
	Get(ctx context.Context, key string) (Attempt, error)
	Save(ctx context.Context, a Attempt) error
	// ListStale returns non-terminal attempts last updated before `before`.
	ListStale(ctx context.Context, before time.Time, limit int) ([]Attempt, error)
}

type MemoryAttempts struct {
	mu       sync.Mutex
	attempts map[string]Attempt
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{attempts: map[string]Attempt{}}
}

func copyAttempt(a Attempt) Attempt {
	a.ReservationIDs = append([]string(nil), a.ReservationIDs...)
	a.Shortages = append([]Shortage(nil), a.Shortages...)
	return a
}

func (m *MemoryAttempts) Create(_ context.Context, a Attempt) (Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.attempts[a.Key]; ok {
		return copyAttempt(cur), false, nil
	}
	m.attempts[a.Key] = copyAttempt(a)
	return a, true, nil
}

func (m *MemoryAttempts) Get(_ context.Context, key string) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[key]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

func (m *MemoryAttempts) Save(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.Key] = copyAttempt(a)
	return nil
}

func (m *MemoryAttempts) ListStale(_ context.Context, before time.Time, limit int) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if !a.Phase.Terminal() && a.UpdatedAt.Before(before) {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
