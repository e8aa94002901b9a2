package middleware

import (
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

// BodyLimitMiddleware rejects oversized request bodies before they can be queued for replay.
type BodyLimitMiddleware struct {
	logger        types.Logger
	maxBodySize   int64
	errorResponse []byte
}

func NewBodyLimitMiddleware(cfg types.BodyLimitConfig, logger types.Logger) *BodyLimitMiddleware {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1024 * 1024
	}

	return &BodyLimitMiddleware{
		logger:      logger,
		maxBodySize: maxBodySize,
		errorResponse: []byte(fmt.Sprintf(
			`{"error":"body_too_large","message":"request body exceeds maximum size of %d bytes","max_size":%d}`,
			maxBodySize, maxBodySize)),
	}
}

func (bl *BodyLimitMiddleware) Name() string { return "body-limit" }
func (bl *BodyLimitMiddleware) Weight() int  { return 10 }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	if ctx.IsGet() || ctx.IsHead() || ctx.IsOptions() {
		next(ctx)
		return
	}

	size := int64(ctx.Request.Header.ContentLength())
	if size <= 0 {
		size = int64(len(ctx.PostBody()))
	}

	if size > bl.maxBodySize {
		bl.logger.Warn("Request body too large",
			zap.ByteString("path", ctx.Path()),
			zap.Int64("size", size),
			zap.Int64("max_size", bl.maxBodySize))

		ctx.SetStatusCode(fasthttp.StatusRequestEntityTooLarge)
		ctx.SetContentType("application/json")
		ctx.SetConnectionClose()
		ctx.SetBody(bl.errorResponse)
		return
	}

	next(ctx)
}
