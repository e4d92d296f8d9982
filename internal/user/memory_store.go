package user

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for demo/development mode.
type MemoryStore struct {
	users map[string]*User
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetOrCreate(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	now := time.Now()
	u := &User{ID: id, CreatedAt: now, UpdatedAt: now}
	m.users[id] = u
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}
