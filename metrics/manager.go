package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

// DefaultBuckets are used by every operation duration histogram in the engine.
var DefaultBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1.0}

// Manager gates a metrics backend on its own lifecycle: instruments handed out while it is
// stopped discard observations, so components never check whether metrics are enabled.
type Manager struct {
	logger  types.Logger
	backend types.MetricsManager
	running atomic.Bool
}

var backends sync.Map

// RegisterMetricsManager makes creator available under metrics.type = name.
func RegisterMetricsManager(name string, creator types.MetricsManagerCreator) {
	backends.Store(name, creator)
}

// NewManager returns ErrMetricsIsDisabled when the metrics section is absent or disabled;
// callers fall back to NewNoop.
func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger) (types.MetricsManager, error) {
	metricsConfig := config.GetConfig().Metrics
	if metricsConfig == nil || !metricsConfig.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	backend, err := newBackend(ctx, logger, metricsConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	logger.Info("Metrics manager initialized", zap.String("type", metricsConfig.Type))
	return &Manager{logger: logger, backend: backend}, nil
}

// NewNoop returns a manager whose instruments discard every observation.
func NewNoop(logger types.Logger) types.MetricsManager {
	return &Manager{logger: logger}
}

func newBackend(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	if config.Type == "" || config.Type == "prometheus" {
		return NewPrometheusMetrics(ctx, logger, config)
	}

	creator, ok := backends.Load(config.Type)
	if !ok {
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
	}
	return creator.(types.MetricsManagerCreator)(config.Config)
}

func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	if m.backend != nil {
		if err := m.backend.Start(); err != nil {
			m.running.Store(false)
			return types.WrapError(err, "failed to start metrics backend")
		}
	}
	return nil
}

// Stop never fails once running; a backend error is only logged.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	if m.backend != nil {
		if err := m.backend.Stop(); err != nil {
			m.logger.Warn("Metrics backend stop failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

func (m *Manager) active() bool {
	return m.backend != nil && m.running.Load()
}

func (m *Manager) Counter(name string, labels map[string]string) types.Counter {
	if !m.active() {
		return &emptyCounter{}
	}
	return m.backend.Counter(name, labels)
}

func (m *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if !m.active() {
		return &emptyGauge{}
	}
	return m.backend.Gauge(name, labels)
}

func (m *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if !m.active() {
		return &emptyHistogram{}
	}
	return m.backend.Histogram(name, buckets, labels)
}

func (m *Manager) Handler() types.MetricsHandler {
	if m.backend == nil {
		return emptyHandler{}
	}
	return m.backend.Handler()
}

// Observe records one engine operation in the shared <component>_operations_total and
// <component>_operation_duration_seconds families.
func Observe(m types.MetricsManager, component, operation string, start time.Time, err error) {
	if m == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	m.Counter(component+"_operations_total", map[string]string{"operation": operation, "result": result}).Inc()
	m.Histogram(component+"_operation_duration_seconds", DefaultBuckets, map[string]string{"operation": operation}).
		ObserveDuration(start)
}

type emptyCounter struct{}

func (*emptyCounter) Inc()         {}
func (*emptyCounter) Add(float64)  {}
func (*emptyCounter) Get() float64 { return 0 }

type emptyGauge struct{}

func (*emptyGauge) Set(float64)  {}
func (*emptyGauge) Inc()         {}
func (*emptyGauge) Dec()         {}
func (*emptyGauge) Add(float64)  {}
func (*emptyGauge) Sub(float64)  {}
func (*emptyGauge) Get() float64 { return 0 }

type emptyHistogram struct{}

func (*emptyHistogram) Observe(float64)           {}
func (*emptyHistogram) ObserveDuration(time.Time) {}
func (*emptyHistogram) GetCount() uint64          { return 0 }
func (*emptyHistogram) GetSum() float64           { return 0 }

type emptyHandler struct{}

func (emptyHandler) ServeMetrics() (string, []byte, error) {
	return "", nil, types.ErrMetricsIsDisabled
}
