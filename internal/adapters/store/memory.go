// Package store keeps the persisted call snapshot in memory, on disk or in redis.
package store

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceCall/internal/domain"
)

type Memory struct {
	mu   sync.Mutex
	snap *domain.PersistedSnapshot
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Save(_ context.Context, snap domain.PersistedSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &snap
	return nil
}

func (m *Memory) Load(context.Context) (*domain.PersistedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil, nil
	}
	cp := *m.snap
	return &cp, nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = nil
	return nil
}
