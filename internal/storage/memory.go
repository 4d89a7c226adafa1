package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps users in process memory. It backs tests and single-node demos.
type MemoryStore struct {
	mu     sync.RWMutex
	table  *table
	closed bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{table: newTable()}
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return unavailable("memory", errClosed)
	}
	return nil
}

// GetOrCreate returns the user for address, creating it on first use
func (m *MemoryStore) GetOrCreate(ctx context.Context, address, referralCode string) (*User, error) {
	if err := checkAddress(address); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	u, _, err := m.table.getOrCreate(ctx, address, referralCode, time.Now())
	return u, err
}

// Get returns the user for address
func (m *MemoryStore) Get(ctx context.Context, address string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.table.get(address)
}

// Update applies mutate to the stored user under the write lock
func (m *MemoryStore) Update(ctx context.Context, address string, mutate Mutation) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.table.update(address, mutate)
}

// Leaderboard returns users by points descending
func (m *MemoryStore) Leaderboard(ctx context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.table.leaderboard(limit), nil
}

// TotalPoints sums points over every user
func (m *MemoryStore) TotalPoints(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return m.table.totalPoints(), nil
}

// ActiveMinerCount counts sessions ending after now
func (m *MemoryStore) ActiveMinerCount(ctx context.Context, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return m.table.activeMiners(now), nil
}

// AllUsers returns every user in creation order
func (m *MemoryStore) AllUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.table.all(), nil
}

// Close marks the store unusable
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
