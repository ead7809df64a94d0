package stock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps stock and reservations in process. One mutex guards
// both so every Reserve and Transition is a single atomic step.
type MemoryStore struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock:        map[string]int{},
		reservations: map[string]Reservation{},
	}
}

// SetStock seeds or overwrites a product's available quantity.
func (s *MemoryStore) SetStock(productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] = qty
}

func (s *MemoryStore) Stock(_ context.Context, productID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.stock[productID]
	if !ok {
		return 0, ErrProductNotFound
	}
	return n, nil
}

func (s *MemoryStore) Reserve(_ context.Context, r Reservation) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.stock[r.ProductID]
	if !ok {
		return false, 0, ErrProductNotFound
	}
	if n < r.Quantity {
		return false, n, nil
	}
	s.stock[r.ProductID] = n - r.Quantity
	s.reservations[r.ID] = r
	return true, n - r.Quantity, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to Status, at time.Time) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	if !CanTransition(r.Status, to) {
		return r, ErrWrongState
	}
	r.Status = to
	r.UpdatedAt = at
	s.reservations[id] = r
	if to == StatusReleased {
		s.stock[r.ProductID] += r.Quantity
	}
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListByOrderRef(_ context.Context, orderRef string) ([]Reservation, error) {
	return s.filter(func(r Reservation) bool { return r.OrderRef == orderRef }, 0, func(a, b Reservation) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	return s.filter(func(r Reservation) bool {
		return r.Status == StatusReserved && r.ExpiresAt.Before(now)
	}, limit, func(a, b Reservation) bool {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}), nil
}

func (s *MemoryStore) filter(keep func(Reservation) bool, limit int, less func(a, b Reservation) bool) []Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, r := range s.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Restock(_ context.Context, productID string, qty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.stock[productID]
	if !ok {
		return 0, ErrProductNotFound
	}
	s.stock[productID] = n + qty
	return n + qty, nil
}
