package policy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	StrategyCacheFirst   = "cache_first"
	StrategyNetworkFirst = "network_first"
)

// backgroundWriteTimeout bounds a NetworkFirst cache write once the response has been returned.
const backgroundWriteTimeout = 30 * time.Second

// Engine implements the CacheFirst and NetworkFirst strategies over the current generations.
type Engine struct {
	logger      types.Logger
	metrics     types.MetricsManager
	transport   types.Transport
	generations *cache.Generations
	offlineDoc  string
	vary        []string
	pending     sync.WaitGroup
}

func NewEngine(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, transport types.Transport, generations *cache.Generations) *Engine {
	engineConfig := config.GetConfig()

	return &Engine{
		logger:      logger,
		metrics:     metrics,
		transport:   transport,
		generations: generations,
		offlineDoc:  engineConfig.Policy.OfflineDocument,
		vary:        engineConfig.Interceptor.VaryHeaders,
	}
}

// Key is the cache key a GET for req is stored under.
func (e *Engine) Key(req *types.Request) string {
	return utils.RequestKey(http.MethodGet, req.URL, req.Header, e.vary)
}

// CacheFirst answers from cache when possible and only touches the network on a miss.
func (e *Engine) CacheFirst(ctx context.Context, req *types.Request, fallbackOffline bool) (*types.Response, error) {
	if req.IsGet() {
		if cached, ok := e.lookup(ctx, e.Key(req)); ok {
			e.record(StrategyCacheFirst, types.SourceCache)
			return cached, nil
		}
	}

	resp, err := e.transport.Fetch(ctx, req)
	if err != nil {
		return e.fallback(ctx, StrategyCacheFirst, req, fallbackOffline, err, false)
	}

	if req.IsGet() && resp.IsOK() {
		e.store(ctx, req, resp)
	}

	e.record(StrategyCacheFirst, types.SourceNetwork)
	return resp, nil
}

// NetworkFirst returns the live response and refreshes the cache in the background.
// On a network failure it falls back to the cached copy.
func (e *Engine) NetworkFirst(ctx context.Context, req *types.Request, fallbackOffline bool) (*types.Response, error) {
	resp, err := e.transport.Fetch(ctx, req)
	if err != nil {
		return e.fallback(ctx, StrategyNetworkFirst, req, fallbackOffline, err, req.IsGet())
	}

	if req.IsGet() && resp.IsOK() {
		e.storeInBackground(ctx, req, resp.Clone())
	}

	e.record(StrategyNetworkFirst, types.SourceNetwork)
	return resp, nil
}

// Wait blocks until every background cache write has finished.
func (e *Engine) Wait() {
	e.pending.Wait()
}

func (e *Engine) fallback(ctx context.Context, strategy string, req *types.Request, fallbackOffline bool, fetchErr error, tryCache bool) (*types.Response, error) {
	if !errors.Is(fetchErr, types.ErrNetworkUnavailable) {
		return nil, fetchErr
	}

	if tryCache {
		if cached, ok := e.lookup(ctx, e.Key(req)); ok {
			e.record(strategy, types.SourceCache)
			return cached, nil
		}
	}

	if fallbackOffline && e.offlineDoc != "" {
		offlineURL := utils.ResolveURL(req.URL, e.offlineDoc)
		if cached, ok := e.lookup(ctx, utils.RequestKey(http.MethodGet, offlineURL, req.Header, e.vary)); ok {
			cached.Source = types.SourceOffline
			e.record(strategy, types.SourceOffline)
			return cached, nil
		}
	}

	e.record(strategy, "unavailable")
	return nil, fetchErr
}

func (e *Engine) lookup(ctx context.Context, key string) (*types.Response, bool) {
	entry, exists, err := e.generations.Lookup(ctx, key)
	if err != nil {
		e.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !exists {
		return nil, false
	}

	return entry.Response(), true
}

func (e *Engine) store(ctx context.Context, req *types.Request, resp *types.Response) {
	key := e.Key(req)

	err := e.generations.PutRuntime(ctx, key, types.NewCachedResponse(key, resp))
	switch {
	case err == nil:
	case errors.Is(err, types.ErrGenerationNotFound):
		e.logger.Debug("No runtime generation active, response not cached", zap.String("key", key))
	default:
		e.logger.Warn("Failed to cache response", zap.String("key", key), zap.Error(err))
		if e.metrics != nil {
			e.metrics.Counter("policy_cache_write_failures_total", nil).Inc()
		}
	}
}

func (e *Engine) storeInBackground(ctx context.Context, req *types.Request, resp *types.Response) {
	e.pending.Add(1)

	go func() {
		defer e.pending.Done()

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundWriteTimeout)
		defer cancel()

		e.store(writeCtx, req, resp)
	}()
}

func (e *Engine) record(strategy, source string) {
	if e.metrics == nil {
		return
	}

	e.metrics.Counter("policy_responses_total", map[string]string{
		"strategy": strategy,
		"source":   source,
	}).Inc()
}
