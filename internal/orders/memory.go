package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu         sync.Mutex
	orders     map[string]Order
	byExternal map[string]string
	byNumber   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     map[string]Order{},
		byExternal: map[string]string{},
		byNumber:   map[string]string{},
	}
}

func clone(o Order) Order {
	o.Items = append([]OrderItem(nil), o.Items...)
	return o
}

func (s *MemoryStore) Insert(_ context.Context, o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byNumber[o.OrderNumber]; ok {
		return ErrDuplicateOrderNumber
	}
	if o.ExternalID != "" {
		if _, ok := s.byExternal[o.ExternalID]; ok {
			return ErrDuplicateExternalID
		}
		s.byExternal[o.ExternalID] = o.ID
	}
	s.byNumber[o.OrderNumber] = o.ID
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return clone(o), nil
}

func (s *MemoryStore) FindByExternalID(_ context.Context, externalID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return clone(s.orders[id]), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, f ListFilter) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, o := range s.orders {
		if o.UserID != f.UserID || (f.Status != "" && o.Status != f.Status) {
			continue
		}
		out = append(out, clone(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderNumber > out[j].OrderNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	from := (f.Page - 1) * f.PageSize
	if from >= len(out) {
		return nil, nil
	}
	to := from + f.PageSize
	if to > len(out) {
		to = len(out)
	}
	return out[from:to], nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status != from {
		return clone(o), ErrStatusChanged
	}
	o.Status = to
	o.UpdatedAt = at
	stamp(&o, to, at)
	s.orders[id] = o
	return clone(o), nil
}

func (s *MemoryStore) SetTracking(_ context.Context, id string, t TrackingInfo, at time.Time) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	o.Tracking = t
	o.UpdatedAt = at
	s.orders[id] = o
	return clone(o), nil
}

func stamp(o *Order, to Status, at time.Time) {
	switch to {
	case StatusShipped:
		o.ShippedAt = &at
	case StatusDelivered:
		o.DeliveredAt = &at
	}
}
