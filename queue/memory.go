package queue

import (
	"context"
	"sync"

	"github.com/saiset-co/sai-offline/types"
)

// MemoryQueue is a non-durable queue for development and tests.
type MemoryQueue struct {
	logger  types.Logger
	entries []*types.Mutation
	seq     int64
	mu      sync.RWMutex
}

func NewMemoryQueue(logger types.Logger) *MemoryQueue {
	return &MemoryQueue{
		logger:  logger,
		entries: make([]*types.Mutation, 0),
	}
}

func (m *MemoryQueue) Start() error {
	m.logger.Info("Memory mutation queue started")
	return nil
}

func (m *MemoryQueue) Stop() error {
	m.logger.Info("Memory mutation queue stopped gracefully")
	return nil
}

func (m *MemoryQueue) IsRunning() bool {
	return true
}

func (m *MemoryQueue) Enqueue(_ context.Context, mutation *types.Mutation) (string, error) {
	stored, err := prepare(mutation)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	stored.Seq = m.seq
	m.entries = append(m.entries, stored)

	return stored.ID, nil
}

func (m *MemoryQueue) Iterate(ctx context.Context, fn func(mutation *types.Mutation) (bool, error)) error {
	return iteratePages(ctx, m.page, fn)
}

func (m *MemoryQueue) page(afterSeq int64, limit int) ([]*types.Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batch := make([]*types.Mutation, 0, limit)
	for _, entry := range m.entries {
		if entry.Seq <= afterSeq {
			continue
		}
		batch = append(batch, entry.Clone())
		if len(batch) == limit {
			break
		}
	}

	return batch, nil
}

func (m *MemoryQueue) List(_ context.Context) ([]*types.Mutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*types.Mutation, 0, len(m.entries))
	for _, entry := range m.entries {
		list = append(list, entry.Clone())
	}

	return list, nil
}

func (m *MemoryQueue) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, entry := range m.entries {
		if entry.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}

	return types.Errorf(types.ErrQueueEntryNotFound, "id: %s", id)
}

func (m *MemoryQueue) IncrementAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		if entry.ID == id {
			entry.Attempts++
			return entry.Attempts, nil
		}
	}

	return 0, types.Errorf(types.ErrQueueEntryNotFound, "id: %s", id)
}

func (m *MemoryQueue) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries), nil
}
