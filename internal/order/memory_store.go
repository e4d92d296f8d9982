package order

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*Order, error) {
	if hash == "" {
		return nil, ErrOrderNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.Hash == hash {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) Update(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status == status {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStuck(_ context.Context, status Status, cutoff time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status != status {
			continue
		}
		since := o.CreatedAt
		if o.TakenAt != nil {
			since = *o.TakenAt
		}
		if since.Before(cutoff) {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
