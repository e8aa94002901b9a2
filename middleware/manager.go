package middleware

import (
	"sort"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/types"
)

// Middleware wraps a proxy or control handler. Lower weights run first.
type Middleware interface {
	Name() string
	Weight() int
	Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler)
}

type Manager struct {
	logger      types.Logger
	metrics     types.MetricsManager
	middlewares []Middleware
	mu          sync.RWMutex
}

func NewManager(logger types.Logger, metrics types.MetricsManager) *Manager {
	return &Manager{
		logger:  logger,
		metrics: metrics,
	}
}

// RegisterMiddlewares installs the middlewares enabled in cfg. A nil cfg installs the defaults.
func (m *Manager) RegisterMiddlewares(cfg *types.MiddlewaresConfig) {
	if cfg == nil {
		cfg = config.DefaultMiddlewares()
	}

	if cfg.Recovery.Enabled {
		m.Register(NewRecoveryMiddleware(cfg.Recovery, m.logger, m.metrics))
		m.logger.Debug("Recovery middleware registered")
	}

	if cfg.Logging.Enabled {
		m.Register(NewLoggingMiddleware(cfg.Logging, m.logger))
		m.logger.Debug("Logging middleware registered")
	}

	if cfg.BodyLimit.Enabled {
		m.Register(NewBodyLimitMiddleware(cfg.BodyLimit, m.logger))
		m.logger.Debug("BodyLimit middleware registered")
	}
}

func (m *Manager) Register(middleware Middleware) {
	if middleware == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.middlewares {
		if existing.Name() == middleware.Name() {
			m.logger.Warn("Middleware replaced", zap.String("name", middleware.Name()))
			m.middlewares[i] = middleware
			m.sortLocked()
			return
		}
	}

	m.middlewares = append(m.middlewares, middleware)
	m.sortLocked()
}

// Wrap compiles the registered middlewares around handler.
func (m *Manager) Wrap(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	m.mu.RLock()
	chain := make([]Middleware, len(m.middlewares))
	copy(chain, m.middlewares)
	m.mu.RUnlock()

	wrapped := handler
	for i := len(chain) - 1; i >= 0; i-- {
		mw, next := chain[i], wrapped
		wrapped = func(ctx *fasthttp.RequestCtx) {
			mw.Handle(ctx, next)
		}
	}

	return wrapped
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.middlewares))
	for _, mw := range m.middlewares {
		names = append(names, mw.Name())
	}
	return names
}

func (m *Manager) sortLocked() {
	sort.SliceStable(m.middlewares, func(i, j int) bool {
		return m.middlewares[i].Weight() < m.middlewares[j].Weight()
	})
}
