package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const queuePath = "/queue"

type networkState struct {
	Online bool `json:"online"`
}

func (s *Server) registerControlRoutes() {
	if s.health != nil {
		s.Handle(http.MethodGet, "/health", s.health.HandleHealth)
		s.Handle(http.MethodGet, "/version", s.health.HandleVersion)
	}

	s.Handle(http.MethodGet, "/metrics", s.handleMetrics)
	s.Handle(http.MethodPost, "/sync", s.handleSync)
	s.Handle(http.MethodPost, "/message", s.handleMessage)
	s.Handle(http.MethodGet, queuePath, s.handleQueueList)
	s.Handle(http.MethodGet, "/network", s.handleNetworkGet)
	s.Handle(http.MethodPost, "/network", s.handleNetworkSet)
}

// dynamicControlRoute resolves DELETE {prefix}/queue/{id}.
func (s *Server) dynamicControlRoute(ctx *fasthttp.RequestCtx, path string) fasthttp.RequestHandler {
	if !ctx.IsDelete() {
		return nil
	}

	id := strings.TrimPrefix(path, s.controlPrefix+queuePath+"/")
	if id == path || id == "" || strings.Contains(id, "/") {
		return nil
	}

	return func(ctx *fasthttp.RequestCtx) {
		s.handleQueueDiscard(ctx, id)
	}
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	contentType, body, err := s.metrics.Handler().ServeMetrics()
	if err != nil {
		if errors.Is(err, types.ErrMetricsIsDisabled) {
			writeError(ctx, fasthttp.StatusNotFound, "disabled", err.Error())
			return
		}
		writeError(ctx, fasthttp.StatusInternalServerError, "internal", err.Error())
		return
	}

	ctx.SetContentType(contentType)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

func (s *Server) handleSync(ctx *fasthttp.RequestCtx) {
	tag := string(ctx.QueryArgs().Peek("tag"))
	if tag == "" {
		tag = s.config.GetConfig().Sync.Tag
	}

	result, err := s.engine.OnSyncTrigger(s.ctx, tag)

	body := map[string]interface{}{"tag": tag, "result": result}
	switch {
	case err == nil:
		writeJSON(ctx, fasthttp.StatusOK, body)
	case errors.Is(err, types.ErrSyncRetry):
		body["retry"] = true
		writeJSON(ctx, fasthttp.StatusAccepted, body)
	default:
		status, code := statusForError(err)
		writeError(ctx, status, code, err.Error())
	}
}

func (s *Server) handleMessage(ctx *fasthttp.RequestCtx) {
	var message types.ActionMessage
	if err := utils.Unmarshal(ctx.PostBody(), &message); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "invalid message body")
		return
	}

	message.Source = "control"

	if err := s.engine.PostMessage(&message); err != nil {
		status, code := statusForError(err)
		writeError(ctx, status, code, err.Error())
		return
	}

	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleQueueList(ctx *fasthttp.RequestCtx) {
	pending, err := s.engine.PendingMutations(s.ctx)
	if err != nil {
		s.logger.Error("Failed to list pending mutations", zap.Error(err))
		status, code := statusForError(err)
		writeError(ctx, status, code, err.Error())
		return
	}

	if pending == nil {
		pending = []*types.Mutation{}
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"pending":   len(pending),
		"mutations": pending,
	})
}

func (s *Server) handleQueueDiscard(ctx *fasthttp.RequestCtx, id string) {
	if err := s.engine.DiscardMutation(s.ctx, id); err != nil {
		status, code := statusForError(err)
		writeError(ctx, status, code, err.Error())
		return
	}

	s.logger.Info("Mutation discarded", zap.String("id", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleNetworkGet(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, networkState{Online: !s.engine.IsOffline()})
}

func (s *Server) handleNetworkSet(ctx *fasthttp.RequestCtx) {
	var state networkState
	if err := utils.Unmarshal(ctx.PostBody(), &state); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "bad_request", "invalid network body")
		return
	}

	s.engine.SetOnline(state.Online)
	writeJSON(ctx, fasthttp.StatusOK, networkState{Online: !s.engine.IsOffline()})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	body, err := utils.Marshal(data)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "internal", err.Error())
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}
