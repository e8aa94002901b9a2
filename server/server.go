package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/syncer"
	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Engine is the request path and control surface the server fronts.
type Engine interface {
	Fetch(ctx context.Context, req *types.Request) (*types.Response, error)
	OnSyncTrigger(ctx context.Context, tag string) (*syncer.DrainResult, error)
	PostMessage(message *types.ActionMessage) error
	PendingMutations(ctx context.Context) ([]*types.Mutation, error)
	DiscardMutation(ctx context.Context, id string) error
	SetOnline(online bool)
	IsOffline() bool
}

// Server accepts plain HTTP proxy traffic and hands every request outside the
// control prefix to the engine.
type Server struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          types.Logger
	metrics         types.MetricsManager
	health          *health.Manager
	engine          Engine
	middlewares     *middleware.Manager
	server          *fasthttp.Server
	listener        net.Listener
	serverConfig    *types.ServerConfig
	controlPrefix   string
	origin          string
	routes          map[string]fasthttp.RequestHandler
	routesMu        sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewServer(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	health *health.Manager,
	engine Engine) *Server {
	serverCtx, cancel := context.WithCancel(ctx)
	engineConfig := config.GetConfig()
	serverConfig := engineConfig.Server

	origin := engineConfig.Lifecycle.Origin
	if origin == "" {
		origin = engineConfig.Transport.Upstream
	}

	s := &Server{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		health:          health,
		engine:          engine,
		middlewares:     middleware.NewManager(logger, metrics),
		serverConfig:    serverConfig,
		controlPrefix:   strings.TrimRight(serverConfig.ControlPrefix, "/"),
		origin:          strings.TrimRight(origin, "/"),
		routes:          make(map[string]fasthttp.RequestHandler),
		shutdownTimeout: 5 * time.Second,
	}

	s.middlewares.RegisterMiddlewares(serverConfig.Middlewares)
	s.registerControlRoutes()
	s.state.Store(StateStopped)

	return s
}

// Handle registers a control route relative to the control prefix.
func (s *Server) Handle(method, path string, handler fasthttp.RequestHandler) {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()

	s.routes[routeKey(method, s.controlPrefix+path)] = handler
}

func (s *Server) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", s.serverConfig.Host, s.serverConfig.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}

	s.listener = listener
	s.server = &fasthttp.Server{
		Handler:                      s.middlewares.Wrap(s.mainHandler),
		Name:                         s.config.GetConfig().Name,
		ReadTimeout:                  s.serverConfig.ReadTimeout,
		WriteTimeout:                 s.serverConfig.WriteTimeout,
		IdleTimeout:                  s.serverConfig.IdleTimeout,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("HTTP server failed", zap.Error(err))
			s.setState(StateStopped)
		}
	}()

	s.setState(StateRunning)

	s.logger.Info("Proxy server started successfully",
		zap.String("address", listener.Addr().String()),
		zap.String("control_prefix", s.controlPrefix),
		zap.Strings("middlewares", s.middlewares.Names()))

	return nil
}

func (s *Server) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("Server stop timeout, some connections may not have closed gracefully", zap.Error(err))
		return nil
	}

	s.logger.Info("Proxy server stopped gracefully")
	return nil
}

func (s *Server) IsRunning() bool {
	return s.getState() == StateRunning
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the wrapped request handler, for serving without a listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.middlewares.Wrap(s.mainHandler)
}

func (s *Server) mainHandler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())

	if s.isControlPath(path) {
		s.routesMu.RLock()
		handler := s.routes[routeKey(string(ctx.Method()), strings.TrimRight(path, "/"))]
		s.routesMu.RUnlock()

		if handler == nil {
			handler = s.dynamicControlRoute(ctx, path)
		}

		if handler == nil {
			writeError(ctx, fasthttp.StatusNotFound, "not_found", types.ErrPathNotFound.Error())
			return
		}

		handler(ctx)
		return
	}

	s.proxy(ctx)
}

func (s *Server) isControlPath(path string) bool {
	return path == s.controlPrefix || strings.HasPrefix(path, s.controlPrefix+"/")
}

func (s *Server) getState() State {
	return s.state.Load().(State)
}

func (s *Server) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Server) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + ":" + path
}
