package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	MaxEntriesPerGeneration int `json:"max_entries_per_generation"`
}

// arena holds every entry of one generation. Dropping the arena frees the generation.
type arena struct {
	createdAt time.Time
	entries   map[string]*types.CachedResponse
}

// MemoryStore keeps generations in process memory. It is not durable and is meant for
// development and tests.
type MemoryStore struct {
	logger types.Logger
	config *MemoryConfig
	arenas map[string]*arena
	mu     sync.RWMutex
	state  atomic.Value
	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewMemoryStore(logger types.Logger, config *types.CacheConfig) (*MemoryStore, error) {
	memConfig := &MemoryConfig{}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	store := &MemoryStore{
		logger: logger,
		config: memConfig,
		arenas: make(map[string]*arena),
	}

	store.state.Store(MemoryStateStopped)

	return store, nil
}

func (m *MemoryStore) Start() error {
	if !m.state.CompareAndSwap(MemoryStateStopped, MemoryStateRunning) {
		return types.ErrServerAlreadyRunning
	}

	m.logger.Info("Memory cache store started")
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.state.CompareAndSwap(MemoryStateRunning, MemoryStateStopped) {
		return types.ErrServerNotRunning
	}

	m.logger.Info("Memory cache store stopped",
		zap.Uint64("hits", m.hits.Load()),
		zap.Uint64("misses", m.misses.Load()))
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.state.Load().(MemoryState) == MemoryStateRunning
}

func (m *MemoryStore) Open(_ context.Context, name string) (types.Generation, error) {
	gen, err := types.ParseGeneration(name)
	if err != nil {
		return types.Generation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.arenaUnsafe(name)
	return gen, nil
}

func (m *MemoryStore) Get(_ context.Context, gen types.Generation, key string) (*types.CachedResponse, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.arenas[gen.Name()]
	if !exists {
		m.misses.Add(1)
		return nil, false, nil
	}

	entry, exists := a.entries[key]
	if !exists {
		m.misses.Add(1)
		return nil, false, nil
	}

	m.hits.Add(1)
	return entry.Clone(), true, nil
}

func (m *MemoryStore) Put(_ context.Context, gen types.Generation, key string, entry *types.CachedResponse) error {
	if err := checkPut(gen, key, entry); err != nil {
		return err
	}

	stored := entry.Clone()
	stored.Key = key
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.arenaUnsafe(gen.Name())
	if _, exists := a.entries[key]; !exists && m.config.MaxEntriesPerGeneration > 0 &&
		len(a.entries) >= m.config.MaxEntriesPerGeneration {
		return types.Errorf(types.ErrStorageFailure, "generation %s is full", gen.Name())
	}

	a.entries[key] = stored
	return nil
}

func (m *MemoryStore) DeleteGeneration(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.arenas[name]; !exists {
		return false, nil
	}

	delete(m.arenas, name)
	return true, nil
}

func (m *MemoryStore) ListGenerations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.arenas))
	for name := range m.arenas {
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) arenaUnsafe(name string) *arena {
	a, exists := m.arenas[name]
	if !exists {
		a = &arena{createdAt: time.Now(), entries: make(map[string]*types.CachedResponse)}
		m.arenas[name] = a
	}
	return a
}
