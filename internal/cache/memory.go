package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process stand-in for RedisClient.
type Memory struct {
	mu      sync.Mutex
	locks   map[string]time.Time
	revoked map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		locks:   make(map[string]time.Time),
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.locks[key]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	m.locks[key] = until

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.locks[key].Equal(until) {
			delete(m.locks, key)
		}
	}
	return release, true, nil
}

func (m *Memory) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[tokenID] = m.now().Add(ttl)
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.revoked[tokenID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		delete(m.revoked, tokenID)
		return false, nil
	}
	return true, nil
}
