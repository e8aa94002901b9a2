package logger

import (
	"errors"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

// Manager owns the process logger: it builds it from the logger config section and flushes it on Stop.
type Manager struct {
	logger  types.Logger
	forward types.Logger
	state   atomic.Value
}

var customLoggerCreators sync.Map

// RegisterLogger makes creator available under logger.type = name.
func RegisterLogger(name string, creator types.LoggerCreator) {
	customLoggerCreators.Store(name, creator)
}

func NewManager(config types.ConfigManager) (*Manager, error) {
	loggerConfig := config.GetConfig().Logger
	if loggerConfig == nil {
		return nil, types.Errorf(types.ErrLoggerConfigInvalid, "logger section is missing")
	}

	logger, err := createLogger(loggerConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	m := &Manager{logger: logger, forward: logger}
	if zl, ok := logger.(*zapLogger); ok {
		m.forward = zl.withCallerSkip(1)
	}

	m.state.Store(StateStopped)
	return m, nil
}

func createLogger(config *types.LoggerConfig) (types.Logger, error) {
	switch config.Type {
	case "", "default", "zap":
		return NewZapLogger(config)
	case "nop":
		return NewNop(), nil
	}

	creator, ok := customLoggerCreators.Load(config.Type)
	if !ok {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "type: %s", config.Type)
	}

	return creator.(types.LoggerCreator)(config.Config)
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

// Stop flushes buffered entries. Syncing a terminal fails with EINVAL or ENOTTY on some
// platforms; that is not reported.
func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	syncer, ok := m.logger.(interface{ Sync() error })
	if !ok {
		return nil
	}

	if err := syncer.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		return types.WrapError(err, "failed to sync logger")
	}
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func (m *Manager) Error(msg string, fields ...zap.Field) { m.forward.Error(msg, fields...) }
func (m *Manager) Warn(msg string, fields ...zap.Field)  { m.forward.Warn(msg, fields...) }
func (m *Manager) Info(msg string, fields ...zap.Field)  { m.forward.Info(msg, fields...) }
func (m *Manager) Debug(msg string, fields ...zap.Field) { m.forward.Debug(msg, fields...) }

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.forward.Log(lvl, msg, fields...)
}

func (m *Manager) With(fields ...zap.Field) types.Logger {
	return m.logger.With(fields...)
}

func (m *Manager) ErrorWithStack(msg string, stack string, fields ...zap.Field) {
	if stacked, ok := m.forward.(interface {
		ErrorWithStack(msg string, stack string, fields ...zap.Field)
	}); ok {
		stacked.ErrorWithStack(msg, stack, fields...)
		return
	}
	m.forward.Error(msg, append(fields, zap.String("stack", stack))...)
}

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if stacked, ok := m.forward.(interface {
		ErrorWithErrStack(msg string, err error, fields ...zap.Field)
	}); ok {
		stacked.ErrorWithErrStack(msg, err, fields...)
		return
	}
	m.forward.Error(msg, append(fields, zap.Error(err))...)
}
