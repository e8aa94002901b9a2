package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/action"
	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/cron"
	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/interceptor"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/policy"
	"github.com/saiset-co/sai-offline/push"
	"github.com/saiset-co/sai-offline/queue"
	"github.com/saiset-co/sai-offline/syncer"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	syncJobName      = "background-sync"
	reconcileJobName = "push-reconcile"
	reconcileSpec    = "@every 10m"
	QueuedHeader     = "X-Offline-Queued"
)

// Worker is the composition root: it owns every component and the order they start and stop in.
type Worker struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	engineConfig    *types.EngineConfig
	logger          types.Logger
	loggerManager   types.LoggerManager
	metrics         types.MetricsManager
	health          *health.Manager
	transport       types.Transport
	gate            *gatedTransport
	store           types.CacheStore
	generations     *cache.Generations
	queue           types.MutationQueue
	policy          *policy.Engine
	interceptor     *interceptor.Interceptor
	syncer          *syncer.Coordinator
	push            *push.Manager
	lifecycle       *lifecycle.Controller
	bus             *action.Bus
	hub             *action.Hub
	cron            types.CronManager
	offline         atomic.Bool
	activated       chan struct{}
	retryMu         sync.Mutex
	retryTimer      *time.Timer
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
}

// NewFromFile loads the YAML configuration at path and builds a worker from it.
func NewFromFile(ctx context.Context, path string, opts ...Option) (*Worker, error) {
	configManager, err := config.NewConfigurationManager(ctx, path)
	if err != nil {
		return nil, err
	}

	return New(ctx, configManager, opts...)
}

func New(ctx context.Context, configManager types.ConfigManager, opts ...Option) (*Worker, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	engineConfig := configManager.GetConfig()

	w := &Worker{
		ctx:             workerCtx,
		cancel:          cancel,
		config:          configManager,
		engineConfig:    engineConfig,
		activated:       make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}
	w.state.Store(StateStopped)

	if err := w.registerComponents(o); err != nil {
		cancel()
		return nil, err
	}

	return w, nil
}

func (w *Worker) registerComponents(o *options) error {
	var err error

	if o.logger != nil {
		w.logger = o.logger
	} else {
		w.loggerManager, err = logger.NewManager(w.config)
		if err != nil {
			return types.WrapError(err, "failed to register logger")
		}
		w.logger = w.loggerManager
	}

	w.metrics, err = metrics.NewManager(w.ctx, w.config, w.logger)
	if errors.Is(err, types.ErrMetricsIsDisabled) {
		w.metrics = metrics.NewNoop(w.logger)
	} else if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}

	w.health = health.NewManager(w.ctx, w.config, w.logger)

	network := o.transport
	if network == nil {
		network, err = client.NewTransport(w.config, w.logger, w.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register transport")
		}
	}
	w.gate = &gatedTransport{Transport: network, offline: &w.offline}
	w.transport = w.gate

	w.store, err = cache.NewCacheStore(w.ctx, w.config, w.logger, w.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cache store")
	}
	w.generations = cache.NewGenerations(w.store, w.logger)

	w.queue, err = queue.NewMutationQueue(w.ctx, w.config, w.logger, w.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register mutation queue")
	}

	w.bus = action.NewBus(w.ctx, w.logger, w.metrics)
	w.hub = action.NewHub(w.ctx, w.config, w.logger, w.metrics, w.bus)
	w.bus.Attach(w.hub)

	w.policy = policy.NewEngine(w.config, w.logger, w.metrics, w.transport, w.generations)
	w.interceptor = interceptor.New(w.config, w.logger, w.metrics, w.policy, w.transport)
	w.syncer = syncer.New(w.config, w.logger, w.metrics, w.queue, w.transport, w.bus)

	registrar := o.registrar
	if registrar == nil {
		registrar = push.NewHTTPRegistrar(w.logger, w.engineConfig.Push)
	}
	w.push = push.NewManager(w.config, w.logger, w.metrics, w.bus, o.pushService, o.permissions, registrar)

	w.lifecycle = lifecycle.NewController(w.config, w.logger, w.metrics, w.store, w.generations, w.transport, w.hub, w.bus)

	if w.engineConfig.Cron.Enabled {
		w.cron = cron.NewManager(w.ctx, w.config, w.logger, w.metrics)
	}

	if err := w.bus.Subscribe(types.ActionSkipWaiting, func(*types.ActionMessage) error {
		w.lifecycle.SkipWaiting()
		return nil
	}); err != nil {
		return types.WrapError(err, "failed to subscribe skip waiting")
	}

	w.registerHealthCheckers()
	return nil
}

func (w *Worker) Start() error {
	if !w.transitionState(StateStopped, StateStarting) {
		return types.ErrWorkerIsRunning
	}

	if err := w.startComponents(); err != nil {
		w.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	w.wg.Add(2)
	go w.runLifecycle()
	go w.retryLoop()

	w.setState(StateRunning)
	w.logger.Info("Worker started",
		zap.String("name", w.engineConfig.Name),
		zap.String("version", w.engineConfig.Version))

	return nil
}

func (w *Worker) startComponents() error {
	managers := []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"logger", w.loggerManager},
		{"metrics", w.metrics},
		{"health", w.health},
		{"action bus", w.bus},
		{"control hub", w.hub},
		{"transport", w.transport},
		{"cache store", w.store},
		{"mutation queue", w.queue},
	}

	for _, m := range managers {
		if m.manager == nil {
			continue
		}
		if err := m.manager.Start(); err != nil && !errors.Is(err, types.ErrServerAlreadyRunning) {
			return types.WrapError(err, fmt.Sprintf("failed to start %s", m.name))
		}
	}

	if w.cron != nil {
		if err := w.addCronJobs(); err != nil {
			return err
		}
		if err := w.cron.Start(); err != nil {
			return types.WrapError(err, "failed to start cron manager")
		}
	}

	return nil
}

func (w *Worker) Stop() error {
	if !w.transitionState(StateRunning, StateStopping) {
		return types.ErrWorkerIsNotRunning
	}

	w.logger.Info("Stopping worker...")

	if w.cron != nil {
		if err := w.cron.Stop(); err != nil {
			w.logger.Error("Failed to stop cron manager", zap.Error(err))
		}
	}

	w.retryMu.Lock()
	w.cancel()
	if w.retryTimer != nil {
		w.retryTimer.Stop()
	}
	w.retryMu.Unlock()

	w.wg.Wait()
	w.policy.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, m := range []types.LifecycleManager{w.hub, w.transport, w.store, w.queue} {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}
			if err := m.Stop(); err != nil && !errors.Is(err, types.ErrServerNotRunning) {
				return err
			}
			return nil
		})
	}

	var errs []error
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	for _, m := range []types.LifecycleManager{w.bus, w.health, w.metrics} {
		if err := m.Stop(); err != nil && !errors.Is(err, types.ErrServerNotRunning) && !errors.Is(err, types.ErrMetricsNotRunning) {
			errs = append(errs, err)
		}
	}

	w.setState(StateStopped)
	w.logger.Info("Worker stopped gracefully")

	if w.loggerManager != nil {
		_ = w.loggerManager.Stop()
	}

	return errors.Join(errs...)
}

func (w *Worker) IsRunning() bool {
	return w.getState() == StateRunning
}

// Fetch routes one outbound request through the interceptor. A mutation under a queue prefix that
// fails for lack of network is queued and answered with 202 and the queued marker.
func (w *Worker) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if !w.IsRunning() {
		return nil, types.ErrWorkerIsNotRunning
	}

	resp, err := w.interceptor.Handle(ctx, req)
	if err == nil || req.IsGet() || !errors.Is(err, types.ErrNetworkUnavailable) {
		return resp, err
	}

	if !utils.HasAnyPrefix(req.Path(), w.engineConfig.Sync.QueuePrefixes) {
		return nil, err
	}

	return w.enqueue(ctx, req)
}

func (w *Worker) enqueue(ctx context.Context, req *types.Request) (*types.Response, error) {
	id, err := w.queue.Enqueue(ctx, types.NewMutation(req))
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "queue mutation: %v", err)
	}

	tag := w.syncer.Tag()
	if err := w.syncer.Register(tag); err != nil {
		w.logger.Error("Failed to register background sync", zap.String("tag", tag), zap.Error(err))
	}

	pending, _ := w.queue.Len(ctx)
	w.publish(types.ActionMutationQueued, map[string]interface{}{
		"id":       id,
		"endpoint": req.URL,
		"pending":  pending,
	})

	w.logger.Info("Mutation queued while offline",
		zap.String("id", id),
		zap.String("method", req.Method),
		zap.String("endpoint", req.URL))

	body, err := utils.Marshal(map[string]interface{}{"queued": true, "id": id})
	if err != nil {
		return nil, err
	}

	return &types.Response{
		Status: http.StatusAccepted,
		Header: http.Header{
			"Content-Type": {"application/json"},
			QueuedHeader:   {id},
		},
		Body:   body,
		Source: types.SourceQueued,
	}, nil
}

// OnSyncTrigger fires the background sync event for tag.
func (w *Worker) OnSyncTrigger(ctx context.Context, tag string) (*syncer.DrainResult, error) {
	if !w.IsRunning() {
		return nil, types.ErrWorkerIsNotRunning
	}

	return w.syncer.OnSyncTrigger(ctx, tag)
}

// PostMessage delivers a message from an application instance, e.g. SKIP_WAITING.
func (w *Worker) PostMessage(message *types.ActionMessage) error {
	if message == nil || message.Action == "" {
		return types.Errorf(types.ErrInvalidParameter, "message type is required")
	}

	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	w.bus.Dispatch(message)
	return nil
}

// SetOnline records host connectivity. Going from offline to online triggers a drain.
func (w *Worker) SetOnline(online bool) {
	wasOffline := w.offline.Swap(!online)

	if online && wasOffline {
		w.logger.Info("Connectivity restored, syncing queued mutations")
		w.gate.breaker().Reset()

		if !w.track() {
			return
		}
		go func() {
			defer w.wg.Done()
			if _, err := w.syncer.OnReconnect(w.ctx); err != nil {
				w.logger.Warn("Reconnect sync incomplete", zap.Error(err))
			}
		}()
	} else if !online && !wasOffline {
		w.logger.Info("Connectivity lost")
	}
}

func (w *Worker) IsOffline() bool {
	return w.offline.Load()
}

func (w *Worker) PendingMutations(ctx context.Context) ([]*types.Mutation, error) {
	return w.queue.List(ctx)
}

// DiscardMutation removes a mutation, typically one that stalled, without replaying it.
func (w *Worker) DiscardMutation(ctx context.Context, id string) error {
	if err := w.queue.Remove(ctx, id); err != nil {
		return err
	}

	w.logger.Info("Mutation discarded", zap.String("id", id))
	return nil
}

// Activated is closed once the configured version is active.
func (w *Worker) Activated() <-chan struct{} {
	return w.activated
}

func (w *Worker) Push() *push.Manager {
	return w.push
}

func (w *Worker) Lifecycle() *lifecycle.Controller {
	return w.lifecycle
}

func (w *Worker) Hub() *action.Hub {
	return w.hub
}

func (w *Worker) Actions() types.ActionBroker {
	return w.bus
}

func (w *Worker) Health() *health.Manager {
	return w.health
}

func (w *Worker) Metrics() types.MetricsManager {
	return w.metrics
}

func (w *Worker) Logger() types.Logger {
	return w.logger
}

func (w *Worker) Config() *types.EngineConfig {
	return w.engineConfig
}

func (w *Worker) ConfigManager() types.ConfigManager {
	return w.config
}

func (w *Worker) runLifecycle() {
	defer w.wg.Done()

	if err := w.lifecycle.Run(w.ctx); err != nil {
		if w.ctx.Err() != nil {
			return
		}

		if stacked, ok := w.logger.(interface {
			ErrorWithErrStack(msg string, err error, fields ...zap.Field)
		}); ok {
			stacked.ErrorWithErrStack("Lifecycle did not reach active", err, zap.String("version", w.engineConfig.Version))
			return
		}
		w.logger.Error("Lifecycle did not reach active", zap.Error(err))
		return
	}

	close(w.activated)
}

// retryLoop turns retry requests from the coordinator into a delayed sync trigger.
// Only the latest request is kept since a drain always restarts from the queue head.
func (w *Worker) retryLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case retry := <-w.syncer.RetryRequests():
			w.retryMu.Lock()
			if w.retryTimer != nil {
				w.retryTimer.Stop()
			}
			w.retryTimer = time.AfterFunc(retry.Delay, func() {
				if !w.track() {
					return
				}
				defer w.wg.Done()
				w.retrySync(retry)
			})
			w.retryMu.Unlock()

			w.logger.Debug("Sync retry scheduled",
				zap.String("tag", retry.Tag),
				zap.Duration("delay", retry.Delay),
				zap.Int("attempts", retry.Attempts))
		}
	}
}

// track adds one background job to wg unless the worker is not running. Stop cancels the
// context under retryMu, so nothing is added once Stop has started waiting on wg.
func (w *Worker) track() bool {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()

	if !w.IsRunning() || w.ctx.Err() != nil {
		return false
	}
	w.wg.Add(1)
	return true
}

func (w *Worker) retrySync(retry syncer.RetryRequest) {
	if w.ctx.Err() != nil || w.IsOffline() {
		return
	}

	if _, err := w.syncer.OnSyncTrigger(w.ctx, retry.Tag); err != nil {
		w.logger.Debug("Retried sync incomplete", zap.Error(err))
	}
}

func (w *Worker) addCronJobs() error {
	if schedule := w.engineConfig.Sync.Schedule; schedule != "" {
		if err := w.cron.Add(syncJobName, schedule, w.periodicSync); err != nil {
			return types.WrapError(err, "failed to schedule background sync")
		}
	}

	if err := w.cron.Add(reconcileJobName, reconcileSpec, func(ctx context.Context) error {
		if w.push.Pending() == 0 {
			return nil
		}
		_, err := w.push.Reconcile(ctx)
		return err
	}); err != nil {
		return types.WrapError(err, "failed to schedule push reconcile")
	}

	return nil
}

func (w *Worker) periodicSync(ctx context.Context) error {
	if w.IsOffline() {
		return nil
	}

	tag := w.syncer.Tag()
	if !w.syncer.IsRegistered(tag) {
		pending, err := w.queue.Len(ctx)
		if err != nil || pending == 0 {
			return err
		}
	}

	_, err := w.syncer.OnSyncTrigger(ctx, tag)
	if errors.Is(err, types.ErrSyncRetry) {
		return nil
	}
	return err
}

func (w *Worker) publish(action string, payload interface{}) {
	if err := w.bus.Publish(action, payload); err != nil {
		w.logger.Warn("Failed to publish action", zap.String("action", action), zap.Error(err))
	}
}

func (w *Worker) getState() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(newState State) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *Worker) transitionState(from, to State) bool {
	return w.state.CompareAndSwap(from, to)
}
