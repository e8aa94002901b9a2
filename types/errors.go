package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrPathNotFound         = errors.New("path not found")
)

var (
	ErrNetworkUnavailable   = errors.New("network unavailable")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrStorageFailure       = errors.New("storage failure")
	ErrReplayFailed         = errors.New("replay failed")
	ErrSyncRetry            = errors.New("retry sync later")
	ErrSyncTagUnknown       = errors.New("sync tag unknown")
	ErrRequestInvalid       = errors.New("request invalid")
	ErrResponseNotCacheable = errors.New("response not cacheable")
)

var (
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheConnectionFailed = errors.New("cache connection failed")
	ErrCacheTypeUnknown      = errors.New("cache type unknown")
	ErrGenerationNameInvalid = errors.New("generation name invalid")
	ErrGenerationNotFound    = errors.New("generation not found")
)

var (
	ErrQueueTypeUnknown   = errors.New("queue type unknown")
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrQueueEntryInvalid  = errors.New("queue entry invalid")
)

var (
	ErrPushKeyMissing       = errors.New("push public key missing")
	ErrPushKeyInvalid       = errors.New("push public key invalid")
	ErrInvalidSubscription  = errors.New("invalid subscription")
	ErrRegistrationRejected = errors.New("registration rejected")
)

var (
	ErrInstallFailed      = errors.New("install failed")
	ErrActivationDeferred = errors.New("activation deferred")
	ErrLifecycleState     = errors.New("lifecycle state invalid")
)

var (
	ErrActionNotInitialized = errors.New("action not initialized")
	ErrActionPublishFailed  = errors.New("action publish failed")
	ErrActionConfigInvalid  = errors.New("action config invalid")
)

var (
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning  = errors.New("metrics manager is not running")
)

var (
	ErrClientRequestFailed = errors.New("client request failed")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
)

var (
	ErrHealthIsNotRunning = errors.New("health manager is not running")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrWorkerIsRunning    = errors.New("worker is running")
	ErrWorkerIsNotRunning = errors.New("worker is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOperationFailed  = errors.New("operation failed")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
