package client

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

func startOrigin(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &fasthttp.Server{Handler: handler}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return "http://" + ln.Addr().String()
}

func newTransport(t *testing.T, transportConfig *types.TransportConfig) *Transport {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{Transport: transportConfig})
	require.NoError(t, err)

	tr, err := NewTransport(cm, logger.NewNop(), metrics.NewNoop(logger.NewNop()))
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })

	return tr
}

func TestFetchReturnsAnyStatus(t *testing.T) {
	origin := startOrigin(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/api/progress":
			assert.Equal(t, "POST", string(ctx.Method()))
			assert.Equal(t, `{"lesson":1}`, string(ctx.PostBody()))
			assert.Equal(t, "abc", string(ctx.Request.Header.Peek("X-Token")))
			ctx.SetStatusCode(fasthttp.StatusCreated)
			ctx.Response.Header.Set("X-Origin", "yes")
			ctx.SetBodyString("stored")
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})

	tr := newTransport(t, &types.TransportConfig{Timeout: time.Second})

	resp, err := tr.Fetch(context.Background(), &types.Request{
		Method: "POST",
		URL:    origin + "/api/progress",
		Header: http.Header{"X-Token": {"abc"}},
		Body:   []byte(`{"lesson":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusCreated, resp.Status)
	assert.Equal(t, "stored", string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))
	assert.Equal(t, types.SourceNetwork, resp.Source)

	resp, err = tr.Fetch(context.Background(), &types.Request{URL: origin + "/missing"})
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusNotFound, resp.Status)
}

func TestFetchRewritesToUpstream(t *testing.T) {
	origin := startOrigin(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(string(ctx.RequestURI()))
	})

	tr := newTransport(t, &types.TransportConfig{Upstream: origin, Timeout: time.Second})

	resp, err := tr.Fetch(context.Background(), &types.Request{URL: "https://app.example/lessons?id=4#top"})
	require.NoError(t, err)
	assert.Equal(t, "/lessons?id=4", string(resp.Body))
}

func TestFetchUnreachableIsNetworkUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := newTransport(t, &types.TransportConfig{Timeout: 500 * time.Millisecond})

	_, err = tr.Fetch(context.Background(), &types.Request{URL: "http://" + addr + "/"})
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)

	_, err = tr.Fetch(context.Background(), &types.Request{URL: "/relative"})
	assert.ErrorIs(t, err, types.ErrRequestInvalid)
}

func TestFetchOpenBreakerShortCircuits(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := newTransport(t, &types.TransportConfig{
		Timeout: 500 * time.Millisecond,
		CircuitBreaker: &types.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 1,
			RecoveryTimeout:  time.Hour,
			HalfOpenRequests: 1,
		},
	})

	_, err = tr.Fetch(context.Background(), &types.Request{URL: "http://" + addr + "/"})
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)
	assert.Equal(t, "open", tr.Breaker().State())

	_, err = tr.Fetch(context.Background(), &types.Request{URL: "http://" + addr + "/"})
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
}

func TestServiceClientCall(t *testing.T) {
	origin := startOrigin(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "Bearer secret", string(ctx.Request.Header.Peek("Authorization")))
		if string(ctx.Path()) == "/subscriptions" {
			ctx.SetStatusCode(fasthttp.StatusCreated)
			ctx.SetBodyString(`{"ok":true}`)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
	})

	c := NewServiceClient(logger.NewNop(), "push", &ServiceClientConfig{
		BaseURL: origin + "/",
		Timeout: time.Second,
		Headers: map[string]string{"Authorization": "Bearer secret"},
	})

	body, status, err := c.Call(context.Background(), "POST", "/subscriptions", map[string]string{"endpoint": "e"}, nil)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusCreated, status)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	_, status, err = c.Call(context.Background(), "DELETE", "/other", nil, nil)
	assert.ErrorIs(t, err, types.ErrClientRequestFailed)
	assert.Equal(t, fasthttp.StatusBadRequest, status)
}
