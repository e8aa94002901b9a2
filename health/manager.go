package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

type registration struct {
	name    string
	checker types.HealthChecker
}

// Manager runs the registered component checks on demand and serves the control health
// and version endpoints. Checks run concurrently, each bounded by checkTimeout.
type Manager struct {
	ctx          context.Context
	config       types.ConfigManager
	logger       types.Logger
	checks       []registration
	last         types.HealthReport
	started      time.Time
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) *Manager {
	hm := &Manager{
		ctx:          ctx,
		config:       config,
		logger:       logger,
		checkTimeout: 5 * time.Second,
	}
	hm.state.Store(StateStopped)
	return hm
}

// RegisterChecker adds checker under name, replacing an earlier one with the same name in place.
func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	for i := range hm.checks {
		if hm.checks[i].name == name {
			hm.checks[i].checker = checker
			return
		}
	}
	hm.checks = append(hm.checks, registration{name: name, checker: checker})
}

func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checks := append([]registration(nil), hm.checks...)
	hm.mu.RUnlock()

	results := make([]types.HealthCheck, len(checks))

	g, gCtx := errgroup.WithContext(ctx)
	for i, reg := range checks {
		g.Go(func() error {
			results[i] = hm.run(gCtx, reg)
			return nil
		})
	}
	_ = g.Wait()

	report := hm.report(results)

	hm.mu.Lock()
	hm.last = report
	hm.mu.Unlock()

	if report.Status != types.StatusHealthy {
		hm.logger.Debug("Health check not passing",
			zap.String("status", string(report.Status)),
			zap.Int("unhealthy", report.Counts.Unhealthy),
			zap.Int("degraded", report.Counts.Degraded))
	}

	return report
}

// LastResults returns the checks of the most recent Check by name without running them again.
func (hm *Manager) LastResults() map[string]types.HealthCheck {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	results := make(map[string]types.HealthCheck, len(hm.last.Checks))
	for _, check := range hm.last.Checks {
		results[check.Name] = check
	}
	return results
}

func (hm *Manager) Start() error {
	if !hm.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	hm.started = time.Now()
	hm.logger.Info("Health manager started", zap.Duration("check_timeout", hm.checkTimeout))
	return nil
}

// Stop keeps the registered checkers so a restarted manager reports the same components.
func (hm *Manager) Stop() error {
	if !hm.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	hm.logger.Info("Health manager stopped")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.state.Load().(State) == StateRunning
}

func (hm *Manager) HandleVersion(ctx *fasthttp.RequestCtx) {
	if !hm.IsRunning() {
		utils.CreateErrorResponse(ctx, fasthttp.StatusServiceUnavailable, "unavailable", types.ErrHealthIsNotRunning.Error())
		return
	}

	hm.respond(ctx, fasthttp.StatusOK, map[string]interface{}{
		"version": hm.config.GetConfig().Version,
		"build":   GetBuildInfo(),
	})
}

// HandleHealth answers 503 only for unhealthy; a degraded engine still serves from cache.
func (hm *Manager) HandleHealth(ctx *fasthttp.RequestCtx) {
	if !hm.IsRunning() {
		utils.CreateErrorResponse(ctx, fasthttp.StatusServiceUnavailable, "unavailable", types.ErrHealthIsNotRunning.Error())
		return
	}

	report := hm.Check(hm.ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}
	hm.respond(ctx, status, report)
}

func (hm *Manager) respond(ctx *fasthttp.RequestCtx, status int, payload interface{}) {
	body, err := utils.Marshal(payload)
	if err != nil {
		hm.logger.Error("Failed to encode health response", zap.Error(err))
		utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "internal", err.Error())
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

// run executes one checker. A checker that panics or outlives checkTimeout is unhealthy;
// its goroutine is left to finish on its own and the late result is dropped.
func (hm *Manager) run(ctx context.Context, reg registration) types.HealthCheck {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	done := make(chan types.HealthCheck, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.HealthCheck{Status: types.StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- reg.checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-done:
	case <-ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: "check timed out: " + ctx.Err().Error()}
	}

	if result.Status == "" {
		result.Status = types.StatusUnknown
	}
	result.Name = reg.name
	result.CheckedAt = time.Now()
	result.Took = result.CheckedAt.Sub(start)
	return result
}

func (hm *Manager) report(results []types.HealthCheck) types.HealthReport {
	config := hm.config.GetConfig()

	report := types.HealthReport{
		Status:  types.StatusHealthy,
		Name:    config.Name,
		Version: config.Version,
		Checks:  results,
	}
	if !hm.started.IsZero() {
		report.Uptime = time.Since(hm.started)
	}

	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			report.Counts.Healthy++
		case types.StatusDegraded:
			report.Counts.Degraded++
		case types.StatusUnhealthy:
			report.Counts.Unhealthy++
		default:
			report.Counts.Unknown++
		}

		if result.Status.Worse(report.Status) {
			report.Status = result.Status
		}
	}

	return report
}

// Healthy builds a passing check result.
func Healthy(message string, details map[string]interface{}) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy, Message: message, Details: details}
}

// Degraded builds a result for a component that works with reduced capability.
func Degraded(message string, details map[string]interface{}) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusDegraded, Message: message, Details: details}
}

// Unhealthy builds a failing check result from err.
func Unhealthy(err error) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
}
