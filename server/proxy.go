package server

import (
	"bytes"
	"errors"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

// hop-by-hop headers never cross the proxy in either direction
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

func (s *Server) proxy(ctx *fasthttp.RequestCtx) {
	req := toEnvelope(ctx, s.origin)

	resp, err := s.engine.Fetch(s.ctx, req)
	if err != nil {
		status, code := statusForError(err)
		s.logger.Debug("Proxy request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Error(err))
		writeError(ctx, status, code, err.Error())
		return
	}

	writeResponse(ctx, resp)
}

// toEnvelope copies the request out of fasthttp's pooled buffers. Origin-form requests
// are addressed to origin so their cache keys match the precached ones.
func toEnvelope(ctx *fasthttp.RequestCtx, origin string) *types.Request {
	absolute := !bytes.HasPrefix(ctx.Request.Header.RequestURI(), []byte("/"))

	header := make(http.Header)
	connectionTokens := connectionHeaders(ctx.Request.Header.Peek(fasthttp.HeaderConnection))

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := textproto.CanonicalMIMEHeaderKey(string(key))
		if hopByHop[name] || connectionTokens[name] {
			return
		}
		header.Add(name, string(value))
	})

	req := &types.Request{
		Method: string(ctx.Method()),
		URL:    string(ctx.URI().FullURI()),
		Header: header,
	}

	if !absolute && origin != "" {
		req.URL = origin + string(ctx.URI().RequestURI())
	}

	if body := ctx.PostBody(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}

	// clients that send no fetch metadata still navigate when they ask for html
	if header.Get("Sec-Fetch-Mode") == "" && req.IsGet() && strings.Contains(header.Get("Accept"), "text/html") {
		req.Mode = types.ModeNavigate
	}

	return req
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *types.Response) {
	connectionTokens := connectionHeaders([]byte(resp.Header.Get(fasthttp.HeaderConnection)))

	for name, values := range resp.Header {
		canonical := textproto.CanonicalMIMEHeaderKey(name)
		if hopByHop[canonical] || connectionTokens[canonical] {
			continue
		}
		for _, value := range values {
			ctx.Response.Header.Add(canonical, value)
		}
	}

	if resp.Source != "" {
		ctx.Response.Header.Set(middleware.SourceHeader, resp.Source)
	}

	ctx.SetStatusCode(resp.Status)
	ctx.SetBody(resp.Body)
}

func connectionHeaders(value []byte) map[string]bool {
	if len(value) == 0 {
		return nil
	}

	tokens := make(map[string]bool)
	for _, token := range strings.Split(utils.BytesToString(value), ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens[textproto.CanonicalMIMEHeaderKey(token)] = true
		}
	}
	return tokens
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrNetworkUnavailable):
		return fasthttp.StatusBadGateway, "network_unavailable"
	case errors.Is(err, types.ErrWorkerIsNotRunning):
		return fasthttp.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, types.ErrRequestInvalid), errors.Is(err, types.ErrInvalidParameter):
		return fasthttp.StatusBadRequest, "bad_request"
	case errors.Is(err, types.ErrQueueEntryNotFound), errors.Is(err, types.ErrSyncTagUnknown):
		return fasthttp.StatusNotFound, "not_found"
	default:
		return fasthttp.StatusInternalServerError, "internal"
	}
}

func writeError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	utils.CreateErrorResponse(ctx, status, code, message)
}
