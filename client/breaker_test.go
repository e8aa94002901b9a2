package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

func TestBreakerDisabledAlwaysExecutes(t *testing.T) {
	cb := NewCircuitBreaker(nil, logger.NewNop(), "origin")

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}

	assert.True(t, cb.CanExecute())
	assert.Equal(t, "disabled", cb.State())
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: 1,
	}, logger.NewNop(), "origin")
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.Equal(t, "closed", cb.State())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())
	assert.False(t, cb.CanExecute())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.State())

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	now = now.Add(2 * time.Minute)
	assert.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.State())

	cb.Reset()
	assert.Equal(t, "closed", cb.State())
}

func TestFailureClassification(t *testing.T) {
	assert.True(t, IsCircuitBreakerFailure(200, errors.New("dial")))
	assert.True(t, IsCircuitBreakerFailure(503, nil))
	assert.False(t, IsCircuitBreakerFailure(404, nil))
	assert.False(t, IsCircuitBreakerFailure(200, nil))

	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(errors.New("bad request")))
}

func TestBreakerReportsTransitions(t *testing.T) {
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	}, logger.NewNop(), "origin")

	var seen []string
	cb.OnStateChange(func(from, to BreakerState) {
		seen = append(seen, from.String()+">"+to.String())
	})

	cb.RecordFailure()
	cb.RecordFailure()
	assert.False(t, cb.CanExecute())
	cb.Reset()
	cb.Reset()

	assert.Equal(t, []string{"closed>open", "open>closed"}, seen)

	var nilBreaker *CircuitBreaker
	assert.True(t, nilBreaker.CanExecute())
	assert.Equal(t, "disabled", nilBreaker.State())
	assert.NotPanics(t, nilBreaker.Reset)
}
