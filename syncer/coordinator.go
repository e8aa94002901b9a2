package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-offline/types"
)

const drainKey = "drain"

// RetryRequest asks the host to fire the sync tag again after Delay.
type RetryRequest struct {
	Tag        string        `json:"tag"`
	Delay      time.Duration `json:"delay"`
	Attempts   int           `json:"attempts"`
	MutationID string        `json:"mutation_id"`
}

type DrainResult struct {
	Replayed  int      `json:"replayed"`
	Remaining int      `json:"remaining"`
	Stalled   []string `json:"stalled,omitempty"`
}

// Coordinator replays queued mutations in order. A failed replay halts the drain so
// later mutations never overtake an earlier one.
type Coordinator struct {
	logger     types.Logger
	metrics    types.MetricsManager
	queue      types.MutationQueue
	transport  types.Transport
	actions    types.ActionBroker
	config     *types.SyncConfig
	group      singleflight.Group
	retries    chan RetryRequest
	mu         sync.Mutex
	registered map[string]bool
}

func New(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, queue types.MutationQueue, transport types.Transport, actions types.ActionBroker) *Coordinator {
	return &Coordinator{
		logger:     logger,
		metrics:    metrics,
		queue:      queue,
		transport:  transport,
		actions:    actions,
		config:     config.GetConfig().Sync,
		retries:    make(chan RetryRequest, 16),
		registered: make(map[string]bool),
	}
}

func (c *Coordinator) Tag() string {
	return c.config.Tag
}

// Register records a pending background sync for tag. Only the queue tag is known.
func (c *Coordinator) Register(tag string) error {
	if tag != c.config.Tag {
		return types.Errorf(types.ErrSyncTagUnknown, "tag: %s", tag)
	}

	c.mu.Lock()
	c.registered[tag] = true
	c.mu.Unlock()

	return nil
}

func (c *Coordinator) IsRegistered(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.registered[tag]
}

func (c *Coordinator) RetryRequests() <-chan RetryRequest {
	return c.retries
}

// OnSyncTrigger drains the queue when tag is the queue tag. Other tags are ignored.
func (c *Coordinator) OnSyncTrigger(ctx context.Context, tag string) (*DrainResult, error) {
	if tag != c.config.Tag {
		c.logger.Debug("Ignoring unknown sync tag", zap.String("tag", tag))
		return nil, nil
	}

	return c.Drain(ctx)
}

func (c *Coordinator) OnReconnect(ctx context.Context) (*DrainResult, error) {
	return c.OnSyncTrigger(ctx, c.config.Tag)
}

// Drain replays the queue. Concurrent calls share a single pass.
func (c *Coordinator) Drain(ctx context.Context) (*DrainResult, error) {
	value, err, shared := c.group.Do(drainKey, func() (interface{}, error) {
		return c.drain(ctx)
	})

	if shared {
		c.logger.Debug("Joined in-flight drain")
	}

	result, _ := value.(*DrainResult)
	return result, err
}

func (c *Coordinator) drain(ctx context.Context) (*DrainResult, error) {
	start := time.Now()
	result := &DrainResult{}

	var failure error

	err := c.queue.Iterate(ctx, func(mutation *types.Mutation) (bool, error) {
		replayErr := c.replay(ctx, mutation)
		if replayErr == nil {
			if err := c.queue.Remove(ctx, mutation.ID); err != nil && !errors.Is(err, types.ErrQueueEntryNotFound) {
				return false, err
			}
			result.Replayed++
			c.recordReplay("success")
			return true, nil
		}

		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		c.recordReplay("failure")
		failure = c.handleFailure(ctx, mutation, replayErr, result)
		return false, nil
	})

	if remaining, lenErr := c.queue.Len(ctx); lenErr == nil {
		result.Remaining = remaining
	}

	if c.metrics != nil {
		c.metrics.Histogram("sync_drain_duration_seconds", []float64{0.01, 0.1, 1, 10, 60}, nil).ObserveDuration(start)
	}

	if err != nil {
		return result, types.WrapError(err, "drain interrupted")
	}

	if failure != nil {
		return result, failure
	}

	c.mu.Lock()
	delete(c.registered, c.config.Tag)
	c.mu.Unlock()

	if result.Replayed > 0 {
		c.logger.Info("Mutation queue drained", zap.Int("replayed", result.Replayed))
		c.publish(types.ActionSyncCompleted, result)
	}

	return result, nil
}

func (c *Coordinator) replay(ctx context.Context, mutation *types.Mutation) error {
	resp, err := c.transport.Fetch(ctx, mutation.Request())
	if err != nil {
		return err
	}

	if !resp.IsSuccess() {
		return fmt.Errorf("server answered %d", resp.Status)
	}

	return nil
}

func (c *Coordinator) handleFailure(ctx context.Context, mutation *types.Mutation, cause error, result *DrainResult) error {
	attempts, err := c.queue.IncrementAttempts(ctx, mutation.ID)
	if err != nil {
		c.logger.Error("Failed to record replay attempt", zap.String("id", mutation.ID), zap.Error(err))
		attempts = mutation.Attempts + 1
	}

	c.logger.Warn("Replay failed, halting drain",
		zap.String("id", mutation.ID),
		zap.String("endpoint", mutation.Endpoint),
		zap.Int("attempts", attempts),
		zap.Error(cause))

	if c.config.MaxAttempts > 0 && attempts >= c.config.MaxAttempts {
		result.Stalled = append(result.Stalled, mutation.ID)

		c.logger.Error("Mutation stalled, awaiting manual discard",
			zap.String("id", mutation.ID),
			zap.Int("attempts", attempts))

		if c.metrics != nil {
			c.metrics.Counter("sync_stalled_mutations_total", nil).Inc()
		}
		c.publish(types.ActionMutationStalled, map[string]interface{}{
			"id":       mutation.ID,
			"endpoint": mutation.Endpoint,
			"attempts": attempts,
		})
	}

	retry := RetryRequest{
		Tag:        c.config.Tag,
		Delay:      Backoff(attempts, c.config.BaseBackoff, c.config.MaxBackoff),
		Attempts:   attempts,
		MutationID: mutation.ID,
	}

	select {
	case c.retries <- retry:
	default:
		c.logger.Debug("Retry request dropped, channel full", zap.String("tag", retry.Tag))
	}

	return fmt.Errorf("%w: %w: mutation %s: %v", types.ErrReplayFailed, types.ErrSyncRetry, mutation.ID, cause)
}

// retryCeiling bounds the retry delay when sync.max_backoff is 0 (no configured cap).
const retryCeiling = 24 * time.Hour

// Backoff doubles base for every attempt after the first and caps the result at maxDelay,
// or at retryCeiling when maxDelay is not positive. It never returns less than base, and
// doubling stops before it can overflow.
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	limit := maxDelay
	if limit <= 0 {
		limit = retryCeiling
	}
	limit = max(limit, base)

	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}

	return min(delay, limit)
}

func (c *Coordinator) publish(action string, payload interface{}) {
	if c.actions == nil {
		return
	}

	if err := c.actions.Publish(action, payload); err != nil {
		c.logger.Warn("Failed to publish action", zap.String("action", action), zap.Error(err))
	}
}

func (c *Coordinator) recordReplay(result string) {
	if c.metrics == nil {
		return
	}

	c.metrics.Counter("sync_replays_total", map[string]string{"result": result}).Inc()
}
