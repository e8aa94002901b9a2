package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func newTestManager(t *testing.T) types.MetricsManager {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "prometheus",
			Config:  map[string]interface{}{"enable_go_metrics": false},
		},
	})
	require.NoError(t, err)

	m, err := NewManager(context.Background(), cm, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func TestManagerDisabled(t *testing.T) {
	cm, err := config.NewStaticManager(context.Background(), nil)
	require.NoError(t, err)

	_, err = NewManager(context.Background(), cm, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)
}

func TestNoopDiscards(t *testing.T) {
	m := NewNoop(logger.NewNop())

	counter := m.Counter("cache_operations_total", map[string]string{"operation": "get"})
	counter.Inc()
	assert.Zero(t, counter.Get())

	_, _, err := m.Handler().ServeMetrics()
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)
}

func TestPrometheusInstruments(t *testing.T) {
	m := newTestManager(t)

	labels := map[string]string{"operation": "put", "result": "success"}
	m.Counter("cache_operations_total", labels).Add(2)
	m.Counter("cache_operations_total", labels).Inc()
	assert.Equal(t, float64(3), m.Counter("cache_operations_total", labels).Get())

	gauge := m.Gauge("queue_length", nil)
	gauge.Set(4)
	gauge.Dec()
	assert.Equal(t, float64(3), gauge.Get())

	histogram := m.Histogram("sync_drain_seconds", DefaultBuckets, nil)
	histogram.Observe(0.5)
	assert.Equal(t, uint64(1), histogram.GetCount())
	assert.InDelta(t, 0.5, histogram.GetSum(), 0.0001)
}

func TestObserveAndServe(t *testing.T) {
	m := newTestManager(t)

	Observe(m, "queue", "enqueue", time.Now(), nil)
	Observe(m, "queue", "enqueue", time.Now(), errors.New("boom"))

	success := m.Counter("queue_operations_total", map[string]string{"operation": "enqueue", "result": "success"})
	failure := m.Counter("queue_operations_total", map[string]string{"operation": "enqueue", "result": "error"})
	assert.Equal(t, float64(1), success.Get())
	assert.Equal(t, float64(1), failure.Get())

	contentType, body, err := m.Handler().ServeMetrics()
	require.NoError(t, err)
	assert.Contains(t, contentType, "text/plain")
	assert.Contains(t, string(body), "offline_queue_operations_total")
}

func TestPrometheusMismatchedLabelsAreDiscarded(t *testing.T) {
	m := newTestManager(t)

	m.Counter("sync_replays_total", map[string]string{"result": "success"}).Inc()

	mismatched := m.Counter("sync_replays_total", map[string]string{"tag": "sync-learning-progress"})
	assert.NotPanics(t, func() { mismatched.Inc() })
	assert.Zero(t, mismatched.Get())

	assert.Equal(t, float64(1), m.Counter("sync_replays_total", map[string]string{"result": "success"}).Get())

	_, body, err := m.Handler().ServeMetrics()
	require.NoError(t, err)
	assert.Contains(t, string(body), "# HELP offline_sync_replays_total Mutation replays by result.")
}

func TestManagerBackends(t *testing.T) {
	newConfig := func(kind string) types.ConfigManager {
		cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{
			Metrics: &types.MetricsConfig{Enabled: true, Type: kind},
		})
		require.NoError(t, err)
		return cm
	}

	_, err := NewManager(context.Background(), newConfig("statsd"), logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)

	var created bool
	RegisterMetricsManager("recording", func(interface{}) (types.MetricsManager, error) {
		created = true
		return NewPrometheusMetrics(context.Background(), logger.NewNop(), &types.MetricsConfig{
			Config: map[string]interface{}{"enable_go_metrics": false},
		})
	})

	m, err := NewManager(context.Background(), newConfig("recording"), logger.NewNop())
	require.NoError(t, err)
	assert.True(t, created)

	m.Counter("push_outcomes_total", map[string]string{"outcome": "subscribed"}).Inc()
	assert.Zero(t, m.Counter("push_outcomes_total", map[string]string{"outcome": "subscribed"}).Get())

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)
	m.Counter("push_outcomes_total", map[string]string{"outcome": "subscribed"}).Inc()
	assert.Equal(t, float64(1), m.Counter("push_outcomes_total", map[string]string{"outcome": "subscribed"}).Get())

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}
