package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]Payment
	refunds  map[string]Refund
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: map[string]Payment{}, refunds: map[string]Refund{}}
}

func (s *MemoryStore) Insert(_ context.Context, p Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return ErrDuplicatePayment
	}
	s.payments[p.ID] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Settle(_ context.Context, id string, from Status, o Outcome, at time.Time) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	if p.Status != from {
		return p, ErrStatusChanged
	}
	p.Status = o.Status
	p.GatewayPaymentID = o.GatewayPaymentID
	p.CardBrand = o.CardBrand
	p.CardLastFour = o.CardLastFour
	p.FailureReason = o.FailureReason
	p.FailureCode = o.FailureCode
	p.Ambiguous = o.Ambiguous
	p.UpdatedAt = at
	p.ProcessedAt = &at
	s.payments[id] = p
	return p, nil
}

func (s *MemoryStore) HoldRefund(_ context.Context, r Refund, at time.Time) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[r.PaymentID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	if p.Status != StatusCompleted {
		return p, ErrNotRefundable
	}
	if p.RefundedAmount+r.Amount > p.Amount {
		return p, ErrRefundTooLarge
	}
	p.RefundedAmount += r.Amount
	p.UpdatedAt = at
	s.payments[p.ID] = p
	s.refunds[r.ID] = r
	return p, nil
}

func (s *MemoryStore) FinishRefund(_ context.Context, refundID string, to Status, gatewayRefundID, failureReason string, at time.Time) (Refund, Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[refundID]
	if !ok {
		return Refund{}, Payment{}, ErrRefundNotFound
	}
	p := s.payments[r.PaymentID]
	if r.Status != StatusProcessing && r.Status != StatusPending {
		return r, p, ErrStatusChanged
	}
	r.Status = to
	r.GatewayRefundID = gatewayRefundID
	r.FailureReason = failureReason
	r.UpdatedAt = at
	r.ProcessedAt = &at
	s.refunds[r.ID] = r

	switch to {
	case StatusFailed:
		p.RefundedAmount -= r.Amount
	case StatusCompleted:
		var done int64
		for _, x := range s.refunds {
			if x.PaymentID == p.ID && x.Status == StatusCompleted {
				done += x.Amount
			}
		}
		if done == p.Amount && p.Status == StatusCompleted {
			p.Status = StatusRefunded
		}
	}
	p.UpdatedAt = at
	s.payments[p.ID] = p
	return r, p, nil
}

func (s *MemoryStore) GetRefund(_ context.Context, id string) (Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return Refund{}, ErrRefundNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListRefunds(_ context.Context, paymentID string) ([]Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Refund
	for _, r := range s.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
