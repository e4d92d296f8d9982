package payments

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory pending-payment store for demo/development mode.
type MemoryStore struct {
	payments map[string]*PendingPayment
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory pending-payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*PendingPayment)}
}

func (m *MemoryStore) Create(_ context.Context, p *PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, p *PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, maxAttempts, limit int) ([]*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PendingPayment
	for _, p := range m.payments {
		if !p.Paid && p.Attempts < maxAttempts {
			cp := *p
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) FindActiveByTarget(_ context.Context, target string, maxAttempts int) (*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.Target == target && !p.Paid && p.Attempts < maxAttempts {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) CountActive(_ context.Context, maxAttempts int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.payments {
		if !p.Paid && p.Attempts < maxAttempts {
			n++
		}
	}
	return n, nil
}
