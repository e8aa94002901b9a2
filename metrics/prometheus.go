package metrics

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

// help describes the families the engine emits. Unknown names get a generic description.
var help = map[string]string{
	"cache_operations_total":               "Cache store operations by operation and result.",
	"cache_operation_duration_seconds":     "Cache store operation latency.",
	"cache_lookups_total":                  "Cache lookups by generation role and hit or miss.",
	"queue_operations_total":               "Mutation queue operations by operation and result.",
	"queue_operation_duration_seconds":     "Mutation queue operation latency.",
	"queue_depth":                          "Mutations waiting for replay.",
	"transport_operations_total":           "Network fetches by result.",
	"transport_operation_duration_seconds": "Network fetch latency.",
	"transport_breaker_state":              "Upstream circuit breaker state: 0 closed, 1 open, 2 half-open.",
	"policy_responses_total":               "Responses by strategy and source.",
	"policy_cache_write_failures_total":    "Background cache writes that failed.",
	"interceptor_requests_total":           "Intercepted requests by routing decision.",
	"sync_replays_total":                   "Mutation replays by result.",
	"sync_stalled_mutations_total":         "Mutations that reached the attempt cap.",
	"sync_drain_duration_seconds":          "Queue drain duration.",
	"push_outcomes_total":                  "Push subscription operations by outcome.",
	"lifecycle_operations_total":           "Install and activate runs by result.",
	"http_panics_total":                    "Proxy handler panics recovered.",
	"control_clients":                      "Application instances connected to the control hub.",
	"cron_operations_total":                "Scheduled job runs by job and result.",
	"cron_operation_duration_seconds":      "Scheduled job duration.",
	"cron_running_jobs":                    "Scheduled jobs currently executing.",
}

type PrometheusMetrics struct {
	logger     types.Logger
	config     *PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
	running    atomic.Bool
}

func NewPrometheusMetrics(_ context.Context, logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	promConfig := &PrometheusConfig{
		Namespace:       "offline",
		EnableGoMetrics: true,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return &PrometheusMetrics{
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

func (p *PrometheusMetrics) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return p.running.Load()
}

// Counter resolves the labelled child once. A label set that does not match the family's
// first registration is logged and yields a discarding counter.
func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	vec, err := vector(p, p.counters, name, labels, func(opts prometheus.Opts, names []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts(opts), names)
	})
	if err == nil {
		var counter prometheus.Counter
		if counter, err = vec.GetMetricWith(labels); err == nil {
			return &promCounter{counter: counter}
		}
	}

	p.rejected(name, err)
	return &emptyCounter{}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	vec, err := vector(p, p.gauges, name, labels, func(opts prometheus.Opts, names []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts(opts), names)
	})
	if err == nil {
		var gauge prometheus.Gauge
		if gauge, err = vec.GetMetricWith(labels); err == nil {
			return &promGauge{gauge: gauge}
		}
	}

	p.rejected(name, err)
	return &emptyGauge{}
}

// Histogram buckets are fixed by the first call for a family.
func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	vec, err := vector(p, p.histograms, name, labels, func(opts prometheus.Opts, names []string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        opts.Name,
			Help:        opts.Help,
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, names)
	})
	if err == nil {
		var observer prometheus.Observer
		if observer, err = vec.GetMetricWith(labels); err == nil {
			return &promHistogram{observer: observer}
		}
	}

	p.rejected(name, err)
	return &emptyHistogram{}
}

func (p *PrometheusMetrics) Handler() types.MetricsHandler {
	return p
}

// ServeMetrics renders the registry in the text exposition format.
func (p *PrometheusMetrics) ServeMetrics() (string, []byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return "", nil, types.WrapError(err, "failed to gather metrics")
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, format)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return "", nil, types.WrapError(err, "failed to encode metric family")
		}
	}

	return string(format), buf.Bytes(), nil
}

func (p *PrometheusMetrics) rejected(name string, err error) {
	p.logger.Warn("Metric rejected", zap.String("name", name), zap.Error(err))
}

// vector returns the family registered under name, creating and registering it on first use.
func vector[V prometheus.Collector](p *PrometheusMetrics, families map[string]V, name string, labels map[string]string, create func(prometheus.Opts, []string) V) (V, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := families[name]; ok {
		return vec, nil
	}

	description, ok := help[name]
	if !ok {
		description = strings.ReplaceAll(name, "_", " ")
	}

	vec := create(prometheus.Opts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        description,
		ConstLabels: p.config.Labels,
	}, labelNames(labels))

	if err := p.registry.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(V); ok {
				vec = existing
			} else {
				return vec, err
			}
		} else {
			return vec, err
		}
	}

	families[name] = vec
	return vec, nil
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type promCounter struct {
	counter prometheus.Counter
}

func (c *promCounter) Inc()              { c.counter.Inc() }
func (c *promCounter) Add(value float64) { c.counter.Add(value) }

func (c *promCounter) Get() float64 {
	var metric dto.Metric
	if err := c.counter.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (g *promGauge) Set(value float64) { g.gauge.Set(value) }
func (g *promGauge) Inc()              { g.gauge.Inc() }
func (g *promGauge) Dec()              { g.gauge.Dec() }
func (g *promGauge) Add(value float64) { g.gauge.Add(value) }
func (g *promGauge) Sub(value float64) { g.gauge.Sub(value) }

func (g *promGauge) Get() float64 {
	var metric dto.Metric
	if err := g.gauge.Write(&metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

type promHistogram struct {
	observer prometheus.Observer
}

func (h *promHistogram) Observe(value float64) {
	h.observer.Observe(value)
}

func (h *promHistogram) ObserveDuration(start time.Time) {
	h.observer.Observe(time.Since(start).Seconds())
}

func (h *promHistogram) GetCount() uint64 {
	return h.snapshot().GetSampleCount()
}

func (h *promHistogram) GetSum() float64 {
	return h.snapshot().GetSampleSum()
}

// snapshot returns nil when the observer cannot be read; dto getters are nil-safe.
func (h *promHistogram) snapshot() *dto.Histogram {
	metric, ok := h.observer.(prometheus.Metric)
	if !ok {
		return nil
	}

	var out dto.Metric
	if err := metric.Write(&out); err != nil {
		return nil
	}
	return out.GetHistogram()
}
