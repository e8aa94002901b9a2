package interceptor

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/policy"
	"github.com/saiset-co/sai-offline/types"
)

type call struct {
	strategy        string
	fallbackOffline bool
}

type recordingStrategies struct {
	calls []call
}

func (r *recordingStrategies) CacheFirst(_ context.Context, _ *types.Request, fallbackOffline bool) (*types.Response, error) {
	r.calls = append(r.calls, call{policy.StrategyCacheFirst, fallbackOffline})
	return &types.Response{Status: http.StatusOK, Source: types.SourceCache}, nil
}

func (r *recordingStrategies) NetworkFirst(_ context.Context, _ *types.Request, fallbackOffline bool) (*types.Response, error) {
	r.calls = append(r.calls, call{policy.StrategyNetworkFirst, fallbackOffline})
	return &types.Response{Status: http.StatusOK, Source: types.SourceNetwork}, nil
}

type passthrough struct{ fetched int }

func (p *passthrough) Start() error    { return nil }
func (p *passthrough) Stop() error     { return nil }
func (p *passthrough) IsRunning() bool { return true }
func (p *passthrough) Fetch(context.Context, *types.Request) (*types.Response, error) {
	p.fetched++
	return &types.Response{Status: http.StatusOK, Source: types.SourceNetwork}, nil
}

func newInterceptor(t *testing.T, interceptorConfig *types.InterceptorConfig) (*Interceptor, *recordingStrategies, *passthrough) {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{Interceptor: interceptorConfig})
	require.NoError(t, err)

	strategies := &recordingStrategies{}
	transport := &passthrough{}

	return New(cm, logger.NewNop(), nil, strategies, transport), strategies, transport
}

func TestClassify_Rules(t *testing.T) {
	i, _, _ := newInterceptor(t, &types.InterceptorConfig{APIPrefixes: []string{"/api/"}})

	cases := []struct {
		name string
		req  *types.Request
		want Decision
	}{
		{
			name: "api prefix wins over static extension",
			req:  &types.Request{URL: "https://app/api/avatar.png"},
			want: Decision{Strategy: policy.StrategyNetworkFirst, Reason: ReasonAPI},
		},
		{
			name: "style destination",
			req:  &types.Request{URL: "https://app/theme", Destination: types.DestinationStyle},
			want: Decision{Strategy: policy.StrategyCacheFirst, Reason: ReasonStatic},
		},
		{
			name: "script from Sec-Fetch-Dest",
			req:  &types.Request{URL: "https://app/bundle", Header: http.Header{"Sec-Fetch-Dest": {"script"}}},
			want: Decision{Strategy: policy.StrategyCacheFirst, Reason: ReasonStatic},
		},
		{
			name: "font from extension",
			req:  &types.Request{URL: "https://app/fonts/inter.woff2"},
			want: Decision{Strategy: policy.StrategyCacheFirst, Reason: ReasonStatic},
		},
		{
			name: "navigation by mode",
			req:  &types.Request{URL: "https://app/courses", Mode: types.ModeNavigate},
			want: Decision{Strategy: policy.StrategyNetworkFirst, FallbackOffline: true, Reason: ReasonNavigation},
		},
		{
			name: "navigation by Sec-Fetch-Mode",
			req:  &types.Request{URL: "https://app/", Header: http.Header{"Sec-Fetch-Mode": {"navigate"}}},
			want: Decision{Strategy: policy.StrategyNetworkFirst, FallbackOffline: true, Reason: ReasonNavigation},
		},
		{
			name: "everything else",
			req:  &types.Request{URL: "https://app/manifest.json"},
			want: Decision{Strategy: policy.StrategyNetworkFirst, Reason: ReasonDefault},
		},
		{
			name: "non-GET static path",
			req:  &types.Request{Method: http.MethodPost, URL: "https://app/upload.png"},
			want: Decision{Strategy: policy.StrategyNetworkFirst, Reason: ReasonDefault},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, i.Classify(tc.req))
		})
	}
}

func TestHandle_Dispatches(t *testing.T) {
	i, strategies, transport := newInterceptor(t, &types.InterceptorConfig{
		APIPrefixes:     []string{"/api/"},
		SameOriginHosts: []string{"App.Example"},
	})
	ctx := context.Background()

	resp, err := i.Handle(ctx, &types.Request{URL: "https://app.example/logo.svg"})
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, resp.Source)

	_, err = i.Handle(ctx, &types.Request{URL: "https://app.example/", Mode: types.ModeNavigate})
	require.NoError(t, err)

	_, err = i.Handle(ctx, &types.Request{URL: "https://cdn.other/lib.js"})
	require.NoError(t, err)

	assert.Equal(t, []call{
		{policy.StrategyCacheFirst, false},
		{policy.StrategyNetworkFirst, true},
	}, strategies.calls)
	assert.Equal(t, 1, transport.fetched)

	_, err = i.Handle(ctx, &types.Request{})
	assert.ErrorIs(t, err, types.ErrRequestInvalid)
}
