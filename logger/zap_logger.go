package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

// ZapConfig is the backend section of the logger config (logger.config).
type ZapConfig struct {
	Format   string            `yaml:"format" json:"format"`
	Output   string            `yaml:"output" json:"output"`
	File     string            `yaml:"file" json:"file"`
	Name     string            `yaml:"name" json:"name"`
	Sampling bool              `yaml:"sampling" json:"sampling"`
	Fields   map[string]string `yaml:"fields" json:"fields"`
}

// zapLogger adds one frame between the caller and zap; the base logger skips it.
type zapLogger struct {
	base     *zap.Logger
	stackOut io.Writer
}

func NewZapLogger(config *types.LoggerConfig) (types.Logger, error) {
	zapConfig := &ZapConfig{
		Format: "console",
		Output: "stdout",
		Name:   "offlined",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, zapConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal logger config")
		}
	}

	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	sink, err := openSink(zapConfig)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(zapConfig.Format), sink, zap.NewAtomicLevelAt(level))
	if zapConfig.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
	}

	options := []zap.Option{
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	}
	if fields := staticFields(zapConfig.Fields); len(fields) > 0 {
		options = append(options, zap.Fields(fields...))
	}

	l := &zapLogger{
		base:     zap.New(core, options...).Named(zapConfig.Name),
		stackOut: os.Stderr,
	}

	l.Debug("Logger initialized",
		zap.String("level", level.String()),
		zap.String("format", zapConfig.Format),
		zap.String("output", zapConfig.Output))

	return l, nil
}

// NewNop returns a logger that discards everything.
func NewNop() types.Logger {
	return &zapLogger{base: zap.NewNop(), stackOut: io.Discard}
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, types.Errorf(types.ErrLoggerConfigInvalid, "level %q", level)
	}
}

func newEncoder(format string) zapcore.Encoder {
	if format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
		return zapcore.NewJSONEncoder(encoderConfig)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func openSink(config *ZapConfig) (zapcore.WriteSyncer, error) {
	switch config.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "file":
		if config.File == "" {
			return nil, types.ErrLogFileIsEmpty
		}

		if dir := filepath.Dir(config.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, types.WrapError(err, "failed to create log directory")
			}
		}

		sink, _, err := zap.Open(config.File)
		if err != nil {
			return nil, types.Errorf(types.ErrLogFileWrongFormat, "%s: %v", config.File, err)
		}
		return sink, nil
	default:
		return nil, types.Errorf(types.ErrLoggerConfigInvalid, "output %q", config.Output)
	}
}

func staticFields(values map[string]string) []zap.Field {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, zap.String(key, values[key]))
	}
	return fields
}

func (l *zapLogger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *zapLogger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }

func (l *zapLogger) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	l.base.Log(lvl, msg, fields...)
}

func (l *zapLogger) With(fields ...zap.Field) types.Logger {
	return &zapLogger{base: l.base.With(fields...), stackOut: l.stackOut}
}

func (l *zapLogger) Sync() error {
	return l.base.Sync()
}

// withCallerSkip is used by wrappers that add their own frame, such as Manager.
func (l *zapLogger) withCallerSkip(skip int) *zapLogger {
	return &zapLogger{base: l.base.WithOptions(zap.AddCallerSkip(skip)), stackOut: l.stackOut}
}

// ErrorWithStack logs msg and prints stack to stderr with runtime frames removed.
func (l *zapLogger) ErrorWithStack(msg string, stack string, fields ...zap.Field) {
	l.base.Error(msg, fields...)
	l.printStack(stack)
}

// ErrorWithErrStack logs the root cause of err and, for errors created by pkg/errors, their stack.
func (l *zapLogger) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	if err == nil {
		l.base.Error(msg, fields...)
		return
	}

	all := make([]zap.Field, 0, len(fields)+2)
	all = append(all, zap.Error(err))
	if cause := errors.Cause(err); cause != err {
		all = append(all, zap.String("cause", cause.Error()))
	}
	all = append(all, fields...)

	l.base.Error(msg, all...)

	if stack := stackOf(err); stack != "" {
		l.printStack(stack)
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackOf returns the deepest pkg/errors stack in the chain, or "".
func stackOf(err error) string {
	var stack string
	for err != nil {
		if st, ok := err.(stackTracer); ok {
			stack = fmt.Sprintf("%+v", st.StackTrace())
		}

		next := errors.Unwrap(err)
		if next == nil {
			if causer, ok := err.(interface{ Cause() error }); ok {
				next = causer.Cause()
			}
		}
		err = next
	}
	return stack
}

func (l *zapLogger) printStack(stack string) {
	var b strings.Builder
	b.WriteString("stack trace:\n")

	for _, line := range strings.Split(stack, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isRuntimeFrame(line) {
			continue
		}
		b.WriteString("    ")
		b.WriteString(line)
		b.WriteByte('\n')
	}

	_, _ = io.WriteString(l.stackOut, b.String())
}

func isRuntimeFrame(line string) bool {
	return strings.HasPrefix(line, "runtime.") ||
		strings.HasPrefix(line, "runtime/debug.") ||
		strings.HasPrefix(line, "goroutine ") ||
		strings.Contains(line, "/src/runtime/") ||
		strings.Contains(line, "types/errors.go:")
}
