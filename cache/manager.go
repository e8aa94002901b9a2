package cache

import (
	"context"
	"sync"
	"time"

	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

var customCacheCreators sync.Map

func RegisterCacheStore(cacheStoreName string, creator types.CacheStoreCreator) {
	customCacheCreators.Store(cacheStoreName, creator)
}

// NewCacheStore builds the backend named by cache.type and wraps it with metrics.
func NewCacheStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metricsManager types.MetricsManager) (types.CacheStore, error) {
	cacheConfig := config.GetConfig().Cache

	var impl types.CacheStore
	var err error

	switch cacheConfig.Type {
	case "memory":
		impl, err = NewMemoryStore(logger, cacheConfig)
	case "sqlite":
		impl, err = NewSQLiteStore(logger, cacheConfig)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, cacheConfig)
	default:
		creator, exists := customCacheCreators.Load(cacheConfig.Type)
		if !exists {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheConfig.Type)
		}
		impl, err = creator.(types.CacheStoreCreator)(cacheConfig)
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedCacheStore(metricsManager, impl), nil
}

type instrumentedCacheStore struct {
	impl    types.CacheStore
	metrics types.MetricsManager
}

func newInstrumentedCacheStore(metricsManager types.MetricsManager, impl types.CacheStore) types.CacheStore {
	return &instrumentedCacheStore{
		impl:    impl,
		metrics: metricsManager,
	}
}

func (ics *instrumentedCacheStore) Open(ctx context.Context, name string) (types.Generation, error) {
	start := time.Now()
	gen, err := ics.impl.Open(ctx, name)
	metrics.Observe(ics.metrics, "cache", "open", start, err)
	return gen, err
}

func (ics *instrumentedCacheStore) Get(ctx context.Context, gen types.Generation, key string) (*types.CachedResponse, bool, error) {
	start := time.Now()
	entry, exists, err := ics.impl.Get(ctx, gen, key)
	metrics.Observe(ics.metrics, "cache", "get", start, err)

	if err == nil && ics.metrics != nil {
		result := "miss"
		if exists {
			result = "hit"
		}
		ics.metrics.Counter("cache_lookups_total", map[string]string{
			"generation": gen.Role,
			"result":     result,
		}).Inc()
	}

	return entry, exists, err
}

func (ics *instrumentedCacheStore) Put(ctx context.Context, gen types.Generation, key string, entry *types.CachedResponse) error {
	start := time.Now()
	err := ics.impl.Put(ctx, gen, key, entry)
	metrics.Observe(ics.metrics, "cache", "put", start, err)
	return err
}

func (ics *instrumentedCacheStore) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	deleted, err := ics.impl.DeleteGeneration(ctx, name)
	metrics.Observe(ics.metrics, "cache", "delete_generation", start, err)
	return deleted, err
}

func (ics *instrumentedCacheStore) ListGenerations(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := ics.impl.ListGenerations(ctx)
	metrics.Observe(ics.metrics, "cache", "list_generations", start, err)
	return names, err
}

func (ics *instrumentedCacheStore) Start() error {
	start := time.Now()
	err := ics.impl.Start()
	metrics.Observe(ics.metrics, "cache", "start", start, err)
	return err
}

func (ics *instrumentedCacheStore) Stop() error {
	return ics.impl.Stop()
}

func (ics *instrumentedCacheStore) IsRunning() bool {
	return ics.impl.IsRunning()
}
