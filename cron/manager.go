package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateClosed
)

// Specs may carry an optional leading seconds field; descriptors such as "@every 5m" are accepted.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type scheduled struct {
	id    cron.EntryID
	run   types.CronJob
	entry types.JobEntry
}

// Manager runs named jobs on cron schedules. A scheduled run is skipped while the previous
// run of the same job is still going. Once stopped the manager cannot be restarted.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	location        *time.Location
	jobs            map[string]*scheduled
	mu              sync.Mutex
	state           atomic.Value
	running         atomic.Int32
	jobTimeout      time.Duration
	shutdownTimeout time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *Manager {
	location := time.UTC
	if cronConfig := config.GetConfig().Cron; cronConfig != nil && cronConfig.Timezone != "" {
		loc, err := time.LoadLocation(cronConfig.Timezone)
		if err != nil {
			logger.Warn("Unknown cron timezone, using UTC", zap.String("timezone", cronConfig.Timezone), zap.Error(err))
		} else {
			location = loc
		}
	}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:      managerCtx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
		location: location,
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithParser(specParser),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: logger})),
		),
		jobs:            make(map[string]*scheduled),
		jobTimeout:      5 * time.Minute,
		shutdownTimeout: 10 * time.Second,
	}
	m.state.Store(StateStopped)

	return m
}

func (m *Manager) Add(jobName, spec string, job types.CronJob) error {
	switch {
	case jobName == "":
		return types.ErrCronJobNameIsEmpty
	case job == nil:
		return types.ErrCronJobIsNil
	}

	schedule, err := specParser.Parse(spec)
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%q: %v", spec, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed() {
		return types.ErrCronSchedulerStopped
	}
	if _, exists := m.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "%s", jobName)
	}

	id := m.cron.Schedule(schedule, cron.FuncJob(func() {
		_ = m.Run(jobName)
	}))

	m.jobs[jobName] = &scheduled{
		id:    id,
		run:   job,
		entry: types.JobEntry{Name: jobName, Spec: spec},
	}

	m.logger.Info("Cron job added", zap.String("job_name", jobName), zap.String("spec", spec))
	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobName]
	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "%s", jobName)
	}

	m.cron.Remove(job.id)
	delete(m.jobs, jobName)

	m.logger.Info("Cron job removed", zap.String("job_name", jobName))
	return nil
}

// Jobs returns the registered jobs sorted by name.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, job := range m.jobs {
		entry := job.entry
		entry.NextRun = m.cron.Entry(job.id).Next
		jobs = append(jobs, entry)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// Run executes a registered job now, outside its schedule. It is also the scheduled entry point.
func (m *Manager) Run(jobName string) (err error) {
	m.mu.Lock()
	job, exists := m.jobs[jobName]
	closed := m.closed()
	m.mu.Unlock()

	switch {
	case closed:
		return types.ErrCronSchedulerStopped
	case !exists:
		return types.Errorf(types.ErrCronJobNotFound, "%s", jobName)
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
	defer cancel()

	start := time.Now()
	m.setRunning(m.running.Add(1))
	defer func() { m.setRunning(m.running.Add(-1)) }()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = types.Errorf(types.ErrCronJobFailed, "%s panicked: %v", jobName, r)
			}
		}()
		err = job.run(ctx)
	}()

	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = types.Errorf(types.ErrCronJobTimeout, "%s exceeded %v", jobName, m.jobTimeout)
	}

	took := time.Since(start)
	metrics.Observe(m.metrics, "cron", jobName, start, err)
	m.record(jobName, start, took, err)

	if err != nil {
		m.logger.Error("Cron job failed", zap.String("job_name", jobName), zap.Duration("took", took), zap.Error(err))
		return err
	}

	m.logger.Debug("Cron job completed", zap.String("job_name", jobName), zap.Duration("took", took))
	return nil
}

func (m *Manager) Start() error {
	if m.closed() {
		return types.ErrCronSchedulerStopped
	}
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.logger.Info("Cron manager started", zap.String("timezone", m.location.String()))
	return nil
}

// Stop cancels running jobs and waits up to shutdownTimeout for them to return.
func (m *Manager) Stop() error {
	m.mu.Lock()
	stopped := m.state.CompareAndSwap(StateRunning, StateClosed)
	m.mu.Unlock()

	if !stopped {
		return types.ErrServerNotRunning
	}

	m.cancel()

	select {
	case <-m.cron.Stop().Done():
		m.logger.Info("Cron manager stopped")
		return nil
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron jobs still running after shutdown timeout", zap.Int32("running", m.running.Load()))
		return types.Errorf(types.ErrCronJobTimeout, "shutdown after %v", m.shutdownTimeout)
	}
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *Manager) closed() bool {
	return m.state.Load().(State) == StateClosed
}

func (m *Manager) record(jobName string, start time.Time, took time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobName]
	if !exists {
		return
	}

	job.entry.LastRun = start
	job.entry.LastTook = took
	job.entry.Runs++
	job.entry.LastError = ""
	if err != nil {
		job.entry.Failures++
		job.entry.LastError = err.Error()
	}
}

func (m *Manager) setRunning(n int32) {
	if m.metrics != nil {
		m.metrics.Gauge("cron_running_jobs", nil).Set(float64(n))
	}
}

// cronLogger adapts types.Logger to cron.Logger. Scheduler chatter goes to debug.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
