package middleware

import (
	"bytes"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

// SourceHeader is set by the proxy so the access log can tell cache hits from network responses.
const SourceHeader = "X-Offline-Source"

var redactedHeaders = [][]byte{
	[]byte("Authorization"),
	[]byte("Cookie"),
	[]byte("Proxy-Authorization"),
	[]byte("X-Api-Key"),
}

// LoggingMiddleware writes one access log entry per proxied request. Fallback responses
// (offline document, queued mutation) are logged at info so they stand out from cache hits.
type LoggingMiddleware struct {
	logger     types.Logger
	logHeaders bool
}

func NewLoggingMiddleware(cfg types.LoggingConfig, logger types.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger, logHeaders: cfg.LogHeaders}
}

func (l *LoggingMiddleware) Name() string { return "logging" }
func (l *LoggingMiddleware) Weight() int  { return 20 }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	start := time.Now()
	next(ctx)

	status := ctx.Response.StatusCode()
	source := string(ctx.Response.Header.Peek(SourceHeader))

	fields := []zap.Field{
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("uri", ctx.RequestURI()),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
		zap.String("remote_ip", ctx.RemoteIP().String()),
	}
	if source != "" {
		fields = append(fields, zap.String("source", source))
	}
	if id := ctx.Request.Header.Peek("X-Request-ID"); len(id) > 0 {
		fields = append(fields, zap.ByteString("request_id", id))
	}
	if l.logHeaders {
		fields = append(fields, zap.Any("headers", requestHeaders(&ctx.Request.Header)))
	}

	switch {
	case status >= fasthttp.StatusInternalServerError:
		l.logger.Error("Request completed", fields...)
	case status >= fasthttp.StatusBadRequest:
		l.logger.Warn("Request completed", fields...)
	case source == types.SourceOffline || source == types.SourceQueued:
		l.logger.Info("Request completed", fields...)
	default:
		l.logger.Debug("Request completed", fields...)
	}
}

func requestHeaders(header *fasthttp.RequestHeader) map[string]string {
	out := make(map[string]string, header.Len())
	header.VisitAll(func(key, value []byte) {
		if isRedacted(key) {
			out[string(key)] = "[REDACTED]"
			return
		}
		out[string(key)] = string(value)
	})
	return out
}

func isRedacted(key []byte) bool {
	for _, name := range redactedHeaders {
		if bytes.EqualFold(key, name) {
			return true
		}
	}
	return false
}
