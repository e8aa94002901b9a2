package client

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker short-circuits calls to an upstream after repeated failures so that an
// offline origin is detected without waiting for every request to time out. A nil or
// disabled breaker lets every call through.
type CircuitBreaker struct {
	config   types.CircuitBreakerConfig
	logger   types.Logger
	name     string
	mu       sync.Mutex
	state    BreakerState
	failures int
	probes   int
	lastFail time.Time
	now      func() time.Time
	onChange func(from, to BreakerState)
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, name string) *CircuitBreaker {
	cb := &CircuitBreaker{logger: logger, name: name, now: time.Now}
	if config != nil {
		cb.config = *config
	}
	return cb
}

// OnStateChange registers fn to run after every transition, outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) enabled() bool {
	return cb != nil && cb.config.Enabled
}

// CanExecute reports whether a call may go out. An open breaker turns half-open once
// RecoveryTimeout has passed since the last failure.
func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.enabled() {
		return true
	}

	cb.mu.Lock()
	if cb.state != BreakerOpen {
		cb.mu.Unlock()
		return true
	}
	if cb.now().Sub(cb.lastFail) <= cb.config.RecoveryTimeout {
		cb.mu.Unlock()
		return false
	}
	notify := cb.moveTo(BreakerHalfOpen)
	cb.mu.Unlock()

	notify()
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.enabled() {
		return
	}

	cb.mu.Lock()
	notify := func() {}
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.probes++
		if cb.probes >= max(cb.config.HalfOpenRequests, 1) {
			notify = cb.moveTo(BreakerClosed)
		}
	}
	cb.mu.Unlock()

	notify()
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.enabled() {
		return
	}

	cb.mu.Lock()
	cb.lastFail = cb.now()
	notify := func() {}
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= max(cb.config.FailureThreshold, 1) {
			notify = cb.moveTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		notify = cb.moveTo(BreakerOpen)
	}
	cb.mu.Unlock()

	notify()
}

// Reset closes the breaker, for example when the host reports connectivity again.
func (cb *CircuitBreaker) Reset() {
	if !cb.enabled() {
		return
	}

	cb.mu.Lock()
	notify := cb.moveTo(BreakerClosed)
	cb.mu.Unlock()

	notify()
}

// State is "disabled" for a nil or disabled breaker.
func (cb *CircuitBreaker) State() string {
	if !cb.enabled() {
		return "disabled"
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// moveTo must be called with mu held. The returned func logs and runs the callback.
func (cb *CircuitBreaker) moveTo(to BreakerState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}

	cb.state = to
	cb.probes = 0
	if to == BreakerClosed {
		cb.failures = 0
	}

	failures, onChange := cb.failures, cb.onChange
	return func() {
		fields := []zap.Field{
			zap.String("upstream", cb.name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		}
		if to == BreakerOpen {
			cb.logger.Warn("Circuit breaker opened", append(fields, zap.Int("failures", failures))...)
		} else {
			cb.logger.Info("Circuit breaker state changed", fields...)
		}

		if onChange != nil {
			onChange(from, to)
		}
	}
}

// IsCircuitBreakerFailure counts transport errors and overload or gateway statuses against the upstream.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 408, 429, 502, 503, 504:
		return true
	}
	return false
}

// IsRetryableError reports whether a transport failure is worth another attempt.
func IsRetryableError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Timeout() || dnsErr.IsTemporary
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsRetryableError(urlErr.Err)
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
