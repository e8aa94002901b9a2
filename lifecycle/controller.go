package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "idle"
	}
}

const defaultPollInterval = 250 * time.Millisecond

// Controller moves one version through install, activation and cleanup of older generations.
type Controller struct {
	logger       types.Logger
	metrics      types.MetricsManager
	config       *types.LifecycleConfig
	version      string
	origin       string
	vary         []string
	store        types.CacheStore
	generations  *cache.Generations
	transport    types.Transport
	clients      types.ClientRegistry
	actions      types.ActionBroker
	state        atomic.Value
	skipWaiting  chan struct{}
	skipOnce     sync.Once
	pollInterval time.Duration
}

func NewController(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, store types.CacheStore, generations *cache.Generations, transport types.Transport, clients types.ClientRegistry, actions types.ActionBroker) *Controller {
	engineConfig := config.GetConfig()

	origin := engineConfig.Lifecycle.Origin
	if origin == "" {
		origin = engineConfig.Transport.Upstream
	}

	c := &Controller{
		logger:       logger,
		metrics:      metrics,
		config:       engineConfig.Lifecycle,
		version:      engineConfig.Version,
		origin:       origin,
		vary:         engineConfig.Interceptor.VaryHeaders,
		store:        store,
		generations:  generations,
		transport:    transport,
		clients:      clients,
		actions:      actions,
		skipWaiting:  make(chan struct{}),
		pollInterval: defaultPollInterval,
	}

	c.state.Store(StateIdle)
	return c
}

func (c *Controller) State() State {
	return c.state.Load().(State)
}

func (c *Controller) Version() string {
	return c.version
}

func (c *Controller) Precache() types.Generation {
	return types.Generation{Role: types.RolePrecache, Version: c.version}
}

func (c *Controller) Runtime() types.Generation {
	return types.Generation{Role: types.RoleRuntime, Version: c.version}
}

// Run brings the configured version to Active. A version whose generations survived a restart
// skips the install and only re-runs the idempotent activation.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.generations.Restore(ctx); err != nil {
		return err
	}

	precache, runtime := c.generations.Current()
	if precache == c.Precache() && runtime == c.Runtime() {
		c.state.Store(StateInstalled)
		_, err := c.Activate(ctx)
		return err
	}

	if err := c.Install(ctx); err != nil {
		return err
	}

	if err := c.AwaitActivation(ctx); err != nil {
		return err
	}

	_, err := c.Activate(ctx)
	return err
}

// Install fetches every manifest asset and writes them into the precache generation.
// Either all assets are stored or the half-built generation is removed and the state becomes Redundant.
func (c *Controller) Install(ctx context.Context) error {
	if !c.transitionState(StateIdle, StateInstalling) && !c.transitionState(StateRedundant, StateInstalling) {
		return types.Errorf(types.ErrLifecycleState, "install from %s", c.State())
	}

	start := time.Now()
	err := c.install(ctx)
	c.observe("install", start, err)

	if err != nil {
		c.state.Store(StateRedundant)
		c.logger.Error("Install failed", zap.String("version", c.version), zap.Error(err))
		return err
	}

	c.state.Store(StateInstalled)
	c.logger.Info("Installed precache", zap.String("generation", c.Precache().Name()), zap.Int("assets", len(c.config.Manifest)))

	if c.clients != nil && c.clients.CountControlledByOthers(c.version) > 0 {
		c.publish(types.ActionUpdateAvailable, map[string]string{"version": c.version})
	}

	return nil
}

func (c *Controller) install(ctx context.Context) error {
	if c.origin == "" && len(c.config.Manifest) > 0 {
		return types.Errorf(types.ErrInstallFailed, "no origin to resolve the manifest against")
	}

	installCtx := ctx
	if c.config.InstallTimeout > 0 {
		var cancel context.CancelFunc
		installCtx, cancel = context.WithTimeout(ctx, c.config.InstallTimeout)
		defer cancel()
	}

	entries := make([]*types.CachedResponse, len(c.config.Manifest))

	g, gctx := errgroup.WithContext(installCtx)
	if c.config.Concurrency > 0 {
		g.SetLimit(c.config.Concurrency)
	}

	for i, asset := range c.config.Manifest {
		g.Go(func() error {
			assetURL := utils.ResolveURL(c.origin, asset)

			resp, err := c.transport.Fetch(gctx, &types.Request{Method: http.MethodGet, URL: assetURL})
			if err != nil {
				return types.Errorf(types.ErrInstallFailed, "%s: %v", asset, err)
			}
			if resp.Status != http.StatusOK {
				return types.Errorf(types.ErrInstallFailed, "%s: status %d", asset, resp.Status)
			}

			key := utils.RequestKey(http.MethodGet, assetURL, nil, c.vary)
			entries[i] = types.NewCachedResponse(key, resp)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	precache, err := c.store.Open(ctx, c.Precache().Name())
	if err != nil {
		return types.Errorf(types.ErrInstallFailed, "open precache: %v", err)
	}

	for _, entry := range entries {
		if err := c.store.Put(ctx, precache, entry.Key, entry); err != nil {
			c.discardPrecache(ctx)
			return types.Errorf(types.ErrInstallFailed, "store %s: %v", entry.Key, err)
		}
	}

	return nil
}

// discardPrecache removes a half-written precache unless it is the one currently serving.
func (c *Controller) discardPrecache(ctx context.Context) {
	current, _ := c.generations.Current()
	if current == c.Precache() {
		return
	}

	if _, err := c.store.DeleteGeneration(context.WithoutCancel(ctx), c.Precache().Name()); err != nil {
		c.logger.Error("Failed to remove partial precache", zap.Error(err))
	}
}

// SkipWaiting lets an installed version activate without waiting for older clients to close.
func (c *Controller) SkipWaiting() {
	c.skipOnce.Do(func() {
		close(c.skipWaiting)
		c.logger.Info("Skip waiting requested", zap.String("version", c.version))
	})
}

// AwaitActivation blocks until skip-waiting is requested or no client is controlled by another version.
func (c *Controller) AwaitActivation(ctx context.Context) error {
	if state := c.State(); state != StateInstalled {
		return types.Errorf(types.ErrLifecycleState, "await activation from %s", state)
	}

	if c.config.SkipWaiting || c.noOtherClients() {
		return nil
	}

	c.logger.Info("Waiting for clients of the previous version to close", zap.String("version", c.version))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.skipWaiting:
			return nil
		case <-ticker.C:
			if c.noOtherClients() {
				return nil
			}
		case <-ctx.Done():
			return types.Errorf(types.ErrActivationDeferred, "%v", ctx.Err())
		}
	}
}

// Activate makes this version current, prunes every other generation and claims all clients.
// Calling it again after success prunes nothing and claims again.
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	if !c.transitionState(StateInstalled, StateActivating) && !c.transitionState(StateActive, StateActivating) {
		return nil, types.Errorf(types.ErrLifecycleState, "activate from %s", c.State())
	}

	start := time.Now()
	deleted, err := c.generations.Activate(ctx, c.Precache(), c.Runtime())
	c.observe("activate", start, err)

	if err != nil {
		c.state.Store(StateInstalled)
		return deleted, err
	}

	claimed := 0
	if c.clients != nil {
		claimed = c.clients.Claim(c.version)
	}

	c.state.Store(StateActive)
	c.publish(types.ActionControllerChange, map[string]interface{}{
		"version": c.version,
		"claimed": claimed,
	})

	c.logger.Info("Activated",
		zap.String("version", c.version),
		zap.Strings("pruned", deleted),
		zap.Int("claimed", claimed))

	return deleted, nil
}

func (c *Controller) noOtherClients() bool {
	return c.clients == nil || c.clients.CountControlledByOthers(c.version) == 0
}

func (c *Controller) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}

func (c *Controller) publish(action string, payload interface{}) {
	if c.actions == nil {
		return
	}

	if err := c.actions.Publish(action, payload); err != nil && !errors.Is(err, types.ErrActionNotInitialized) {
		c.logger.Warn("Failed to publish action", zap.String("action", action), zap.Error(err))
	}
}

func (c *Controller) observe(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	c.metrics.Counter("lifecycle_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
	c.metrics.Histogram("lifecycle_operation_duration_seconds", []float64{0.1, 1, 10, 60, 300}, map[string]string{
		"operation": operation,
	}).ObserveDuration(start)
}
