package action

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const handlerTimeout = 30 * time.Second

// Sink receives every published message after local handlers ran. The WebSocket hub is one.
type Sink interface {
	Deliver(message *types.ActionMessage) error
}

// Bus is the in-process message channel between the engine and application instances.
type Bus struct {
	ctx           context.Context
	cancel        context.CancelFunc
	logger        types.Logger
	metrics       types.MetricsManager
	source        string
	subscriptions map[string][]types.ActionHandler
	subsMu        sync.RWMutex
	sinks         []Sink
	sinksMu       sync.RWMutex
	state         atomic.Value
}

func NewBus(ctx context.Context, logger types.Logger, metrics types.MetricsManager) *Bus {
	busCtx, cancel := context.WithCancel(ctx)

	b := &Bus{
		ctx:           busCtx,
		cancel:        cancel,
		logger:        logger,
		metrics:       metrics,
		source:        "engine",
		subscriptions: make(map[string][]types.ActionHandler),
	}

	b.state.Store(StateStopped)
	return b
}

// Attach adds a sink that receives all published messages.
func (b *Bus) Attach(sink Sink) {
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()

	b.sinks = append(b.sinks, sink)
}

// Publish runs local handlers for action and forwards the message to every sink.
func (b *Bus) Publish(action string, payload interface{}) error {
	if !b.IsRunning() {
		return types.ErrActionNotInitialized
	}

	if action == "" {
		return types.ErrActionConfigInvalid
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    b.source,
		MessageID: uuid.NewString(),
	}

	start := time.Now()
	b.Dispatch(message)

	b.sinksMu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.sinksMu.RUnlock()

	var failed int
	for _, sink := range sinks {
		if err := sink.Deliver(message); err != nil {
			failed++
			b.logger.Warn("Sink delivery failed",
				zap.String("action", action),
				zap.String("message_id", message.MessageID),
				zap.Error(err))
		}
	}

	var err error
	if failed > 0 {
		err = types.Errorf(types.ErrActionPublishFailed, "action %s: %d of %d sinks failed", action, failed, len(sinks))
	}

	b.recordMetric("publish", action, start, err)
	return err
}

// Dispatch runs the local handlers of message.Action without forwarding to sinks.
// The hub uses it for messages arriving from application instances.
func (b *Bus) Dispatch(message *types.ActionMessage) {
	b.subsMu.RLock()
	handlers := make([]types.ActionHandler, len(b.subscriptions[message.Action]))
	copy(handlers, b.subscriptions[message.Action])
	b.subsMu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("No handlers found for action",
			zap.String("action", message.Action),
			zap.String("message_id", message.MessageID))
		return
	}

	start := time.Now()

	ctx, cancel := context.WithTimeout(b.ctx, handlerTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for i, handler := range handlers {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if err := b.safeHandle(handler, message); err != nil {
				b.logger.Error("Action handler failed",
					zap.String("action", message.Action),
					zap.String("message_id", message.MessageID),
					zap.Int("handler_index", i),
					zap.Error(err))
				return err
			}
			return nil
		})
	}

	b.recordMetric("handle", message.Action, start, g.Wait())
}

func (b *Bus) Subscribe(action string, handler types.ActionHandler) error {
	if action == "" || handler == nil {
		return types.ErrActionConfigInvalid
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.subscriptions[action] = append(b.subscriptions[action], handler)

	b.logger.Debug("Subscribed to action",
		zap.String("action", action),
		zap.Int("total_handlers", len(b.subscriptions[action])))

	return nil
}

func (b *Bus) Unsubscribe(action string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	removed := len(b.subscriptions[action])
	delete(b.subscriptions, action)

	b.logger.Debug("Unsubscribed from action",
		zap.String("action", action),
		zap.Int("removed_handlers", removed))

	return nil
}

func (b *Bus) Start() error {
	if !b.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if b.getState() == StateStarting {
			b.setState(StateRunning)
		}
	}()

	b.logger.Info("Action bus started")
	return nil
}

func (b *Bus) Stop() error {
	if !b.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		b.setState(StateStopped)
		b.cancel()
	}()

	b.logger.Info("Action bus stopped gracefully")
	return nil
}

func (b *Bus) IsRunning() bool {
	return b.getState() == StateRunning
}

func (b *Bus) safeHandle(handler types.ActionHandler, message *types.ActionMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				zap.String("action", message.Action),
				zap.Any("panic", r))
			err = types.Errorf(types.ErrOperationFailed, "handler panic: %v", r)
		}
	}()

	return handler(message)
}

func (b *Bus) getState() State {
	return b.state.Load().(State)
}

func (b *Bus) setState(newState State) bool {
	currentState := b.getState()
	return b.state.CompareAndSwap(currentState, newState)
}

func (b *Bus) transitionState(from, to State) bool {
	return b.state.CompareAndSwap(from, to)
}

func (b *Bus) recordMetric(operation, action string, start time.Time, err error) {
	if b.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	b.metrics.Counter("action_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"action":    action,
	}).Inc()

	b.metrics.Histogram("action_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "action": action},
	).ObserveDuration(start)
}
