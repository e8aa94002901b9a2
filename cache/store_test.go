package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

func newStore(t *testing.T, cacheConfig *types.CacheConfig) types.CacheStore {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{Cache: cacheConfig})
	require.NoError(t, err)

	store, err := NewCacheStore(context.Background(), cm, logger.NewNop(), metrics.NewNoop(logger.NewNop()))
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	return store
}

func backends(t *testing.T) map[string]func(t *testing.T) types.CacheStore {
	return map[string]func(t *testing.T) types.CacheStore{
		"memory": func(t *testing.T) types.CacheStore {
			return newStore(t, &types.CacheConfig{Type: "memory"})
		},
		"sqlite": func(t *testing.T) types.CacheStore {
			return newStore(t, &types.CacheConfig{
				Type:     "sqlite",
				Compress: true,
				Config:   map[string]interface{}{"path": filepath.Join(t.TempDir(), "cache.db")},
			})
		},
		"redis": func(t *testing.T) types.CacheStore {
			mr := miniredis.RunT(t)
			return newStore(t, &types.CacheConfig{
				Type:   "redis",
				Config: map[string]interface{}{"addr": mr.Addr(), "key_prefix": "test"},
			})
		},
	}
}

func okEntry(body string) *types.CachedResponse {
	return &types.CachedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/css"}},
		Body:   []byte(body),
	}
}

func TestCacheStore_PutGetReplace(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			gen, err := store.Open(ctx, "runtime-v1")
			require.NoError(t, err)
			assert.Equal(t, types.Generation{Role: types.RoleRuntime, Version: "v1"}, gen)

			_, exists, err := store.Get(ctx, gen, "GET https://app/style.css")
			require.NoError(t, err)
			assert.False(t, exists)

			require.NoError(t, store.Put(ctx, gen, "GET https://app/style.css", okEntry("body{}")))

			entry, exists, err := store.Get(ctx, gen, "GET https://app/style.css")
			require.NoError(t, err)
			require.True(t, exists)
			assert.Equal(t, http.StatusOK, entry.Status)
			assert.Equal(t, "text/css", entry.Header.Get("Content-Type"))
			assert.Equal(t, "body{}", string(entry.Body))
			assert.False(t, entry.StoredAt.IsZero())

			require.NoError(t, store.Put(ctx, gen, "GET https://app/style.css", okEntry("p{}")))
			entry, _, err = store.Get(ctx, gen, "GET https://app/style.css")
			require.NoError(t, err)
			assert.Equal(t, "p{}", string(entry.Body))
		})
	}
}

func TestCacheStore_RejectsInvalidPuts(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			gen, err := store.Open(ctx, "runtime-v1")
			require.NoError(t, err)

			err = store.Put(ctx, gen, "k", &types.CachedResponse{Status: http.StatusNotFound})
			assert.ErrorIs(t, err, types.ErrResponseNotCacheable)

			err = store.Put(ctx, gen, "", okEntry("x"))
			assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)

			err = store.Put(ctx, types.Generation{}, "k", okEntry("x"))
			assert.ErrorIs(t, err, types.ErrGenerationNameInvalid)

			_, err = store.Open(ctx, "nodash")
			assert.ErrorIs(t, err, types.ErrGenerationNameInvalid)
		})
	}
}

func TestCacheStore_GenerationsAreIsolated(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			v1, err := store.Open(ctx, "runtime-v1")
			require.NoError(t, err)
			v2, err := store.Open(ctx, "runtime-v2")
			require.NoError(t, err)

			require.NoError(t, store.Put(ctx, v1, "k", okEntry("old")))

			_, exists, err := store.Get(ctx, v2, "k")
			require.NoError(t, err)
			assert.False(t, exists)

			names, err := store.ListGenerations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"runtime-v1", "runtime-v2"}, names)

			deleted, err := store.DeleteGeneration(ctx, "runtime-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = store.DeleteGeneration(ctx, "runtime-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			_, exists, err = store.Get(ctx, v1, "k")
			require.NoError(t, err)
			assert.False(t, exists)

			names, err = store.ListGenerations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"runtime-v2"}, names)
		})
	}
}

func TestCacheStore_ConcurrentPutsSameKey(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			gen, err := store.Open(ctx, "runtime-v1")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for _, body := range []string{"a", "b", "c", "d"} {
				wg.Add(1)
				go func(body string) {
					defer wg.Done()
					assert.NoError(t, store.Put(ctx, gen, "k", okEntry(body)))
				}(body)
			}
			wg.Wait()

			entry, exists, err := store.Get(ctx, gen, "k")
			require.NoError(t, err)
			require.True(t, exists)
			assert.Contains(t, []string{"a", "b", "c", "d"}, string(entry.Body))
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	cacheConfig := &types.CacheConfig{Type: "sqlite", Compress: true, Config: map[string]interface{}{"path": path}}

	store, err := NewSQLiteStore(logger.NewNop(), cacheConfig)
	require.NoError(t, err)
	require.NoError(t, store.Start())

	gen, err := store.Open(ctx, "precache-v1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, gen, "GET https://app/", okEntry("<html>")))
	require.NoError(t, store.Stop())

	reopened, err := NewSQLiteStore(logger.NewNop(), cacheConfig)
	require.NoError(t, err)
	require.NoError(t, reopened.Start())
	defer reopened.Stop()

	entry, exists, err := reopened.Get(ctx, gen, "GET https://app/")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "<html>", string(entry.Body))
}

func TestNewCacheStore_UnknownAndCustomTypes(t *testing.T) {
	cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{
		Cache: &types.CacheConfig{Type: "nope"},
	})
	require.NoError(t, err)

	_, err = NewCacheStore(context.Background(), cm, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrCacheTypeUnknown)

	RegisterCacheStore("custom", func(_ interface{}) (types.CacheStore, error) {
		return NewMemoryStore(logger.NewNop(), nil)
	})

	cm, err = config.NewStaticManager(context.Background(), &types.EngineConfig{
		Cache: &types.CacheConfig{Type: "custom"},
	})
	require.NoError(t, err)

	store, err := NewCacheStore(context.Background(), cm, logger.NewNop(), nil)
	require.NoError(t, err)
	assert.NoError(t, store.Start())
}
