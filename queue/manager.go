package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// pageSize bounds how many entries Iterate reads from storage at once.
const pageSize = 64

var customQueueCreators sync.Map

func RegisterMutationQueue(queueType string, creator types.MutationQueueCreator) {
	customQueueCreators.Store(queueType, creator)
}

func NewMutationQueue(ctx context.Context, config types.ConfigManager, logger types.Logger, metricsManager types.MetricsManager) (types.MutationQueue, error) {
	queueConfig := config.GetConfig().Queue

	var impl types.MutationQueue
	var err error

	switch queueConfig.Type {
	case "memory":
		impl = NewMemoryQueue(logger)
	case "clover":
		impl, err = NewCloverQueue(logger, queueConfig)
	case "sqlite":
		impl, err = NewSQLiteQueue(logger, queueConfig)
	default:
		creator, exists := customQueueCreators.Load(queueConfig.Type)
		if !exists {
			return nil, types.Errorf(types.ErrQueueTypeUnknown, "type: %s", queueConfig.Type)
		}
		impl, err = creator.(types.MutationQueueCreator)(queueConfig)
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedMutationQueue(logger, metricsManager, impl), nil
}

type instrumentedMutationQueue struct {
	impl    types.MutationQueue
	logger  types.Logger
	metrics types.MetricsManager
	state   atomic.Value
}

func newInstrumentedMutationQueue(logger types.Logger, metricsManager types.MetricsManager, impl types.MutationQueue) types.MutationQueue {
	instrumented := &instrumentedMutationQueue{
		impl:    impl,
		logger:  logger,
		metrics: metricsManager,
	}

	instrumented.state.Store(StateStopped)
	return instrumented
}

func (q *instrumentedMutationQueue) Start() error {
	if !q.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if q.getState() == StateStarting {
			q.setState(StateRunning)
		}
	}()

	if err := q.impl.Start(); err != nil {
		q.setState(StateStopped)
		return err
	}

	q.logger.Info("Mutation queue started")
	return nil
}

func (q *instrumentedMutationQueue) Stop() error {
	if !q.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		q.setState(StateStopped)
	}()

	if err := q.impl.Stop(); err != nil {
		q.logger.Error("Failed to stop mutation queue implementation", zap.Error(err))
		return err
	}

	q.logger.Info("Mutation queue stopped gracefully")
	return nil
}

func (q *instrumentedMutationQueue) IsRunning() bool {
	return q.getState() == StateRunning
}

func (q *instrumentedMutationQueue) Enqueue(ctx context.Context, mutation *types.Mutation) (string, error) {
	start := time.Now()
	id, err := q.impl.Enqueue(ctx, mutation)
	metrics.Observe(q.metrics, "queue", "enqueue", start, err)
	q.recordDepth(ctx)
	return id, err
}

func (q *instrumentedMutationQueue) Iterate(ctx context.Context, fn func(mutation *types.Mutation) (bool, error)) error {
	start := time.Now()
	err := q.impl.Iterate(ctx, fn)
	metrics.Observe(q.metrics, "queue", "iterate", start, err)
	return err
}

func (q *instrumentedMutationQueue) List(ctx context.Context) ([]*types.Mutation, error) {
	start := time.Now()
	mutations, err := q.impl.List(ctx)
	metrics.Observe(q.metrics, "queue", "list", start, err)
	return mutations, err
}

func (q *instrumentedMutationQueue) Remove(ctx context.Context, id string) error {
	start := time.Now()
	err := q.impl.Remove(ctx, id)
	metrics.Observe(q.metrics, "queue", "remove", start, err)
	q.recordDepth(ctx)
	return err
}

func (q *instrumentedMutationQueue) IncrementAttempts(ctx context.Context, id string) (int, error) {
	start := time.Now()
	attempts, err := q.impl.IncrementAttempts(ctx, id)
	metrics.Observe(q.metrics, "queue", "increment_attempts", start, err)
	return attempts, err
}

func (q *instrumentedMutationQueue) Len(ctx context.Context) (int, error) {
	return q.impl.Len(ctx)
}

func (q *instrumentedMutationQueue) recordDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}

	if n, err := q.impl.Len(ctx); err == nil {
		q.metrics.Gauge("queue_depth", nil).Set(float64(n))
	}
}

func (q *instrumentedMutationQueue) getState() State {
	return q.state.Load().(State)
}

func (q *instrumentedMutationQueue) setState(newState State) bool {
	currentState := q.getState()
	return q.state.CompareAndSwap(currentState, newState)
}

func (q *instrumentedMutationQueue) transitionState(from, to State) bool {
	return q.state.CompareAndSwap(from, to)
}

// prepare validates a mutation before it is stored and fills the id and creation time.
func prepare(mutation *types.Mutation) (*types.Mutation, error) {
	if mutation == nil || mutation.Endpoint == "" || mutation.Method == "" {
		return nil, types.Errorf(types.ErrQueueEntryInvalid, "endpoint and method are required")
	}

	stored := mutation.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.Attempts = 0

	return stored, nil
}

// iteratePages walks storage in seq order one page at a time so entries removed by fn
// are never revisited and a fresh call always re-reads storage.
func iteratePages(ctx context.Context, page func(afterSeq int64, limit int) ([]*types.Mutation, error), fn func(mutation *types.Mutation) (bool, error)) error {
	var cursor int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := page(cursor, pageSize)
		if err != nil {
			return err
		}

		for _, mutation := range batch {
			cursor = mutation.Seq

			next, err := fn(mutation)
			if err != nil {
				return err
			}
			if !next {
				return nil
			}
		}

		if len(batch) < pageSize {
			return nil
		}
	}
}
