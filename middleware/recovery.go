package middleware

import (
	"runtime"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type RecoveryMiddleware struct {
	logger       types.Logger
	metrics      types.MetricsManager
	stackTrace   bool
	stackBufPool sync.Pool
	panicLabels  map[string]string
}

func NewRecoveryMiddleware(cfg types.RecoveryConfig, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	return &RecoveryMiddleware{
		logger:     logger,
		metrics:    metrics,
		stackTrace: cfg.StackTrace,
		stackBufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
		panicLabels: map[string]string{
			"middleware": "recovery",
		},
	}
}

func (r *RecoveryMiddleware) Name() string { return "recovery" }
func (r *RecoveryMiddleware) Weight() int  { return 0 }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	defer func() {
		if rec := recover(); rec != nil {
			var stack string
			if r.stackTrace {
				stack = r.getStackTrace()
			}

			r.logPanic(rec, stack, ctx)

			if r.metrics != nil {
				r.metrics.Counter("http_panics_total", r.panicLabels).Inc()
			}

			ctx.Response.Reset()
			utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "internal", "internal server error")
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(rec interface{}, stack string, ctx *fasthttp.RequestCtx) {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields,
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()),
	)

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if stack != "" {
		if stacked, ok := r.logger.(interface {
			ErrorWithStack(msg string, stack string, fields ...zap.Field)
		}); ok {
			stacked.ErrorWithStack("Recovered from panic", stack, fields...)
			return
		}
		fields = append(fields, zap.String("stack", stack))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func (r *RecoveryMiddleware) getStackTrace() string {
	buf := r.stackBufPool.Get().(*[]byte)
	defer r.stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)
	if n < len(*buf) {
		return string((*buf)[:n])
	}

	large := make([]byte, 65536)
	n = runtime.Stack(large, false)
	return utils.BytesToString(large[:n])
}
