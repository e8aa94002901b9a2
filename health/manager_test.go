package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

func newManager(t *testing.T) *Manager {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{Name: "offlined", Version: "v2"})
	require.NoError(t, err)

	hm := NewManager(context.Background(), cm, logger.NewNop())
	require.NoError(t, hm.Start())
	t.Cleanup(func() { _ = hm.Stop() })

	return hm
}

func TestCheckAggregatesStatus(t *testing.T) {
	hm := newManager(t)

	hm.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		return Healthy("ok", nil)
	})
	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, "v2", report.Version)
	assert.Equal(t, 1, report.Counts.Healthy)

	hm.RegisterChecker("queue", func(ctx context.Context) types.HealthCheck {
		return Unhealthy(errors.New("disk full"))
	})
	report = hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "disk full", hm.LastResults()["queue"].Message)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "cache", report.Checks[0].Name)
	assert.Equal(t, "queue", report.Checks[1].Name)
}

func TestCheckDegradedIsNotUnavailable(t *testing.T) {
	hm := newManager(t)

	hm.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		return Healthy("ok", nil)
	})
	hm.RegisterChecker("network", func(ctx context.Context) types.HealthCheck {
		return Degraded("offline", map[string]interface{}{"offline": true})
	})
	hm.RegisterChecker("silent", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{}
	})

	var ctx fasthttp.RequestCtx
	hm.HandleHealth(&ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusUnknown, report.Status)
	assert.Equal(t, types.HealthCounts{Healthy: 1, Degraded: 1, Unknown: 1}, report.Counts)

	network, ok := report.Lookup("network")
	require.True(t, ok)
	assert.Equal(t, types.StatusDegraded, network.Status)

	hm.RegisterChecker("silent", func(ctx context.Context) types.HealthCheck {
		return Healthy("ok", nil)
	})
	assert.Equal(t, types.StatusDegraded, hm.Check(context.Background()).Status)
	assert.Len(t, hm.LastResults(), 3)
}

func TestCheckRecoversPanicsAndTimeouts(t *testing.T) {
	hm := newManager(t)
	hm.checkTimeout = 50 * time.Millisecond

	hm.RegisterChecker("panics", func(ctx context.Context) types.HealthCheck {
		panic("boom")
	})
	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Healthy("late", nil)
	})

	hm.Check(context.Background())
	results := hm.LastResults()
	assert.Equal(t, types.StatusUnhealthy, results["panics"].Status)
	assert.Contains(t, results["panics"].Message, "panicked")
	assert.Equal(t, types.StatusUnhealthy, results["slow"].Status)
	assert.Contains(t, results["slow"].Message, "timed out")
}

func TestHandleHealth(t *testing.T) {
	hm := newManager(t)
	hm.RegisterChecker("queue", func(ctx context.Context) types.HealthCheck {
		return Unhealthy(errors.New("closed"))
	})

	var ctx fasthttp.RequestCtx
	hm.HandleHealth(&ctx)

	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &report))
	assert.Equal(t, types.StatusUnhealthy, report.Status)
}

func TestHandleVersion(t *testing.T) {
	hm := newManager(t)

	var ctx fasthttp.RequestCtx
	hm.HandleVersion(&ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"version":"v2"`)
}
