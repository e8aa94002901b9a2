package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/middleware"
	"github.com/saiset-co/sai-offline/syncer"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type fakeEngine struct {
	mu        sync.Mutex
	requests  []*types.Request
	response  *types.Response
	fetchErr  error
	panics    bool
	syncTags  []string
	syncErr   error
	messages  []*types.ActionMessage
	pending   []*types.Mutation
	discarded []string
	offline   bool
}

func (e *fakeEngine) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	if e.panics {
		panic("boom")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, req)
	if e.fetchErr != nil {
		return nil, e.fetchErr
	}
	return e.response, nil
}

func (e *fakeEngine) OnSyncTrigger(_ context.Context, tag string) (*syncer.DrainResult, error) {
	e.syncTags = append(e.syncTags, tag)
	return &syncer.DrainResult{Replayed: 2}, e.syncErr
}

func (e *fakeEngine) PostMessage(message *types.ActionMessage) error {
	if message.Action == "" {
		return types.ErrInvalidParameter
	}
	e.messages = append(e.messages, message)
	return nil
}

func (e *fakeEngine) PendingMutations(context.Context) ([]*types.Mutation, error) {
	return e.pending, nil
}

func (e *fakeEngine) DiscardMutation(_ context.Context, id string) error {
	for i, m := range e.pending {
		if m.ID == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			e.discarded = append(e.discarded, id)
			return nil
		}
	}
	return types.Errorf(types.ErrQueueEntryNotFound, "id %s", id)
}

func (e *fakeEngine) SetOnline(online bool) { e.offline = !online }
func (e *fakeEngine) IsOffline() bool       { return e.offline }

func newServer(t *testing.T, engine Engine, serverConfig *types.ServerConfig) *Server {
	t.Helper()
	return newServerFromConfig(t, engine, &types.EngineConfig{Name: "offlined-test", Server: serverConfig})
}

func newServerFromConfig(t *testing.T, engine Engine, engineConfig *types.EngineConfig) *Server {
	t.Helper()

	ctx := context.Background()
	cm, err := config.NewStaticManager(ctx, engineConfig)
	require.NoError(t, err)

	log := logger.NewNop()
	hm := health.NewManager(ctx, cm, log)
	require.NoError(t, hm.Start())
	t.Cleanup(func() { _ = hm.Stop() })

	return NewServer(ctx, cm, log, metrics.NewNoop(log), hm, engine)
}

func serve(s *Server, method, uri string, body []byte, headers map[string]string) *fasthttp.RequestCtx {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if body != nil {
		req.SetBody(body)
	}

	var ctx fasthttp.RequestCtx
	ctx.Init(req, nil, nil)
	s.Handler()(&ctx)

	return &ctx
}

func TestProxy_MapsRequestAndResponse(t *testing.T) {
	engine := &fakeEngine{response: &types.Response{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type":    {"text/html"},
			"Connection":      {"X-Upstream-Hint"},
			"X-Upstream-Hint": {"drop"},
			"Cache-Control":   {"max-age=60"},
		},
		Body:   []byte("<html>shell</html>"),
		Source: types.SourceCache,
	}}
	s := newServer(t, engine, nil)

	ctx := serve(s, http.MethodGet, "http://app.example/index.html?v=2", nil, map[string]string{
		"Accept":     "text/html,application/xhtml+xml",
		"Keep-Alive": "timeout=5",
		"X-Trace":    "abc",
	})

	require.Len(t, engine.requests, 1)
	req := engine.requests[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "http://app.example/index.html?v=2", req.URL)
	assert.Equal(t, types.ModeNavigate, req.Mode)
	assert.Equal(t, "abc", req.Header.Get("X-Trace"))
	assert.Empty(t, req.Header.Get("Keep-Alive"))
	assert.Empty(t, req.Header.Get("Host"))

	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "<html>shell</html>", string(ctx.Response.Body()))
	assert.Equal(t, "max-age=60", string(ctx.Response.Header.Peek("Cache-Control")))
	assert.Equal(t, types.SourceCache, string(ctx.Response.Header.Peek(middleware.SourceHeader)))
	assert.Empty(t, ctx.Response.Header.Peek("X-Upstream-Hint"))
}

func TestProxy_AddressesOriginFormRequestsToOrigin(t *testing.T) {
	engine := &fakeEngine{response: &types.Response{Status: http.StatusOK}}
	s := newServerFromConfig(t, engine, &types.EngineConfig{
		Name:      "offlined-test",
		Transport: &types.TransportConfig{Upstream: "http://10.0.0.5:3000"},
		Lifecycle: &types.LifecycleConfig{Origin: "https://app.example/"},
	})

	serve(s, http.MethodGet, "/lessons/1?tab=notes", nil, map[string]string{"Host": "127.0.0.1:8088"})
	serve(s, http.MethodGet, "http://cdn.example/font.woff2", nil, nil)

	require.Len(t, engine.requests, 2)
	assert.Equal(t, "https://app.example/lessons/1?tab=notes", engine.requests[0].URL)
	assert.Equal(t, "http://cdn.example/font.woff2", engine.requests[1].URL)
}

func TestProxy_CopiesBodyAndKeepsFetchMetadata(t *testing.T) {
	engine := &fakeEngine{response: &types.Response{Status: http.StatusAccepted, Source: types.SourceQueued}}
	s := newServer(t, engine, nil)

	ctx := serve(s, http.MethodPost, "http://app.example/api/progress", []byte(`{"lesson":1}`), map[string]string{
		"Content-Type":   "application/json",
		"Sec-Fetch-Mode": "cors",
	})

	require.Len(t, engine.requests, 1)
	assert.Equal(t, []byte(`{"lesson":1}`), engine.requests[0].Body)
	assert.Empty(t, engine.requests[0].Mode)
	assert.Equal(t, "cors", engine.requests[0].Header.Get("Sec-Fetch-Mode"))
	assert.Equal(t, http.StatusAccepted, ctx.Response.StatusCode())
}

func TestProxy_MapsEngineErrors(t *testing.T) {
	engine := &fakeEngine{fetchErr: types.Errorf(types.ErrNetworkUnavailable, "offline")}
	s := newServer(t, engine, nil)

	ctx := serve(s, http.MethodGet, "http://app.example/api/lessons", nil, nil)
	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "network_unavailable")

	engine.fetchErr = types.ErrWorkerIsNotRunning
	ctx = serve(s, http.MethodGet, "http://app.example/", nil, nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestProxy_RecoversFromPanics(t *testing.T) {
	s := newServer(t, &fakeEngine{panics: true}, nil)

	ctx := serve(s, http.MethodGet, "http://app.example/", nil, nil)
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestProxy_RejectsOversizedBodies(t *testing.T) {
	engine := &fakeEngine{response: &types.Response{Status: http.StatusOK}}
	s := newServer(t, engine, &types.ServerConfig{
		Host:          "127.0.0.1",
		Port:          8088,
		ControlPrefix: "/__offline",
		Middlewares: &types.MiddlewaresConfig{
			BodyLimit: types.BodyLimitConfig{Enabled: true, MaxBodySize: 8},
		},
	})

	ctx := serve(s, http.MethodPost, "http://app.example/api/progress", []byte(strings.Repeat("x", 32)), nil)
	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, ctx.Response.StatusCode())
	assert.Empty(t, engine.requests)

	ctx = serve(s, http.MethodPost, "http://app.example/api/progress", []byte("ok"), nil)
	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())
}

func TestControl_SyncTrigger(t *testing.T) {
	engine := &fakeEngine{}
	s := newServer(t, engine, nil)

	ctx := serve(s, http.MethodPost, "http://localhost/__offline/sync", nil, nil)
	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())

	var body struct {
		Tag    string              `json:"tag"`
		Result *syncer.DrainResult `json:"result"`
	}
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "sync-learning-progress", body.Tag)
	assert.Equal(t, 2, body.Result.Replayed)

	engine.syncErr = types.ErrSyncRetry
	ctx = serve(s, http.MethodPost, "http://localhost/__offline/sync?tag=custom", nil, nil)
	assert.Equal(t, http.StatusAccepted, ctx.Response.StatusCode())
	assert.Equal(t, []string{"sync-learning-progress", "custom"}, engine.syncTags)
	assert.Empty(t, engine.requests)
}

func TestControl_MessagesAndNetwork(t *testing.T) {
	engine := &fakeEngine{}
	s := newServer(t, engine, nil)

	ctx := serve(s, http.MethodPost, "http://localhost/__offline/message", []byte(`{"type":"SKIP_WAITING"}`), nil)
	assert.Equal(t, http.StatusNoContent, ctx.Response.StatusCode())
	require.Len(t, engine.messages, 1)
	assert.Equal(t, types.ActionSkipWaiting, engine.messages[0].Action)
	assert.Equal(t, "control", engine.messages[0].Source)

	ctx = serve(s, http.MethodPost, "http://localhost/__offline/message", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, ctx.Response.StatusCode())

	ctx = serve(s, http.MethodPost, "http://localhost/__offline/message", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, ctx.Response.StatusCode())

	ctx = serve(s, http.MethodPost, "http://localhost/__offline/network", []byte(`{"online":false}`), nil)
	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())
	assert.True(t, engine.offline)

	ctx = serve(s, http.MethodGet, "http://localhost/__offline/network", nil, nil)
	assert.JSONEq(t, `{"online":false}`, string(ctx.Response.Body()))
}

func TestControl_QueueInspectionAndDiscard(t *testing.T) {
	engine := &fakeEngine{pending: []*types.Mutation{
		{ID: "m1", Seq: 1, Endpoint: "https://app.example/api/progress", Method: http.MethodPost},
		{ID: "m2", Seq: 2, Endpoint: "https://app.example/api/progress", Method: http.MethodPost},
	}}
	s := newServer(t, engine, nil)

	ctx := serve(s, http.MethodGet, "http://localhost/__offline/queue", nil, nil)
	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())

	var listed struct {
		Pending   int               `json:"pending"`
		Mutations []*types.Mutation `json:"mutations"`
	}
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &listed))
	assert.Equal(t, 2, listed.Pending)
	assert.Equal(t, "m1", listed.Mutations[0].ID)

	ctx = serve(s, http.MethodDelete, "http://localhost/__offline/queue/m1", nil, nil)
	assert.Equal(t, http.StatusNoContent, ctx.Response.StatusCode())
	assert.Equal(t, []string{"m1"}, engine.discarded)

	ctx = serve(s, http.MethodDelete, "http://localhost/__offline/queue/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, ctx.Response.StatusCode())
}

func TestControl_HealthMetricsAndUnknownRoutes(t *testing.T) {
	engine := &fakeEngine{}
	s := newServer(t, engine, nil)

	ctx := serve(s, http.MethodGet, "http://localhost/__offline/health", nil, nil)
	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())

	ctx = serve(s, http.MethodGet, "http://localhost/__offline/version", nil, nil)
	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"version"`)

	ctx = serve(s, http.MethodGet, "http://localhost/__offline/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, ctx.Response.StatusCode())

	ctx = serve(s, http.MethodGet, "http://localhost/__offline/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, ctx.Response.StatusCode())

	ctx = serve(s, http.MethodGet, "http://localhost/__offline/queue/m1", nil, nil)
	assert.Equal(t, http.StatusNotFound, ctx.Response.StatusCode())

	assert.Empty(t, engine.requests)
}

func TestServer_StartStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	engine := &fakeEngine{response: &types.Response{Status: http.StatusOK, Body: []byte("hello")}}
	s := newServer(t, engine, &types.ServerConfig{Host: "127.0.0.1", Port: port, ControlPrefix: "/__offline"})

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(), types.ErrServerAlreadyRunning)

	status, body, err := fasthttp.Get(nil, "http://"+s.Addr()+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", string(body))

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), types.ErrServerNotRunning)
}
