package ivxp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// OrderStore persists orders and deliverables for a provider engine. Every
// method takes a context because implementations may sit on a remote or
// on-disk backend; the in-memory store simply ignores it.
//
// UpdateOrder is the single write path for existing orders: the store loads
// the record, applies mutate under a lock, and persists the result, so there
// is exactly one writer per order at a time. Reads return copies.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, id string, mutate func(*Order) error) (*Order, error)
	ListOrders(ctx context.Context) ([]*Order, error)
	DeleteOrder(ctx context.Context, id string) error

	PutDeliverable(ctx context.Context, d *Deliverable) error
	GetDeliverable(ctx context.Context, orderID string) (*Deliverable, error)

	// DeleteExpired removes unpaid quotes whose expiry has passed and
	// returns how many were purged. Paid and later orders are never touched.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is the in-process OrderStore.
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]*Order
	deliverables map[string]*Deliverable
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*Order),
		deliverables: make(map[string]*Deliverable),
	}
}

// CreateOrder stores a new order. The id must be unused.
func (s *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("store: order must have an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("store: order %s already exists", o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

// GetOrder returns a copy of the order.
func (s *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, NewOrderNotFoundError(id)
	}
	return o.Clone(), nil
}

// UpdateOrder applies mutate to the stored order under the write lock. If
// mutate returns an error nothing is persisted. The updated copy is
// returned.
func (s *MemoryStore) UpdateOrder(_ context.Context, id string, mutate func(*Order) error) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, NewOrderNotFoundError(id)
	}
	working := o.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	s.orders[id] = working
	return working.Clone(), nil
}

// ListOrders returns copies of all orders, oldest first.
func (s *MemoryStore) ListOrders(_ context.Context) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		list = append(list, o.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// DeleteOrder removes an order and its deliverable.
func (s *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return NewOrderNotFoundError(id)
	}
	delete(s.orders, id)
	delete(s.deliverables, id)
	return nil
}

// PutDeliverable stores the deliverable for an order, replacing any
// previous one.
func (s *MemoryStore) PutDeliverable(_ context.Context, d *Deliverable) error {
	if d == nil || d.OrderID == "" {
		return fmt.Errorf("store: deliverable must reference an order")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverables[d.OrderID] = d.Clone()
	return nil
}

// GetDeliverable returns a copy of the order's deliverable, or a not-found
// error when none was stored.
func (s *MemoryStore) GetDeliverable(_ context.Context, orderID string) (*Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliverables[orderID]
	if !ok {
		return nil, NewOrderNotFoundError(orderID)
	}
	return d.Clone(), nil
}

// DeleteExpired purges unpaid quotes whose expiry passed.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, o := range s.orders {
		if o.Expired(now) {
			delete(s.orders, id)
			delete(s.deliverables, id)
			purged++
		}
	}
	return purged, nil
}
