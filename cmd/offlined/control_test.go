package main

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/health"
)

type controlStub struct {
	mu       sync.Mutex
	requests []string
}

func (s *controlStub) handle(ctx *fasthttp.RequestCtx) {
	s.mu.Lock()
	s.requests = append(s.requests, string(ctx.Method())+" "+string(ctx.RequestURI())+" "+string(ctx.PostBody()))
	s.mu.Unlock()

	ctx.SetContentType("application/json")
	switch string(ctx.Path()) {
	case "/__offline/queue/missing":
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString(`{"error":"not_found"}`)
	case "/__offline/queue":
		ctx.SetBodyString(`{"pending":1,"mutations":[{"id":"m1"}]}`)
	default:
		ctx.SetBodyString(`{"ok":true}`)
	}
}

func (s *controlStub) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func startStub(t *testing.T) (*controlStub, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	stub := &controlStub{}
	srv := &fasthttp.Server{Handler: stub.handle}
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return stub, listener.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestControlCommands(t *testing.T) {
	stub, addr := startStub(t)

	out, err := run(t, "sync", "--addr", addr, "--tag", "custom tag")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)

	out, err = run(t, "queue", "list", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, `"m1"`)

	_, err = run(t, "queue", "discard", "m1", "--addr", addr)
	require.NoError(t, err)

	_, err = run(t, "queue", "discard", "missing", "--addr", addr)
	assert.Error(t, err)

	_, err = run(t, "network", "offline", "--addr", addr)
	require.NoError(t, err)

	_, err = run(t, "network", "sideways", "--addr", addr)
	assert.Error(t, err)

	assert.Equal(t, []string{
		"POST /__offline/sync?tag=custom+tag ",
		"GET /__offline/queue ",
		"DELETE /__offline/queue/m1 ",
		"DELETE /__offline/queue/missing ",
		`POST /__offline/network {"online":false}`,
	}, stub.seen())
}

func TestControlCommands_UnreachableProxy(t *testing.T) {
	_, err := run(t, "queue", "list", "--addr", "127.0.0.1:1")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), health.GetBuildInfo().Version))
}
