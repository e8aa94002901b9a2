package worker

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
)

const origin = "https://app.example"

type fakeOrigin struct {
	mu       sync.Mutex
	failing  map[string]int
	received []string
}

func newOrigin() *fakeOrigin {
	return &fakeOrigin{failing: make(map[string]int)}
}

func (o *fakeOrigin) Start() error    { return nil }
func (o *fakeOrigin) Stop() error     { return nil }
func (o *fakeOrigin) IsRunning() bool { return true }

func (o *fakeOrigin) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	path := strings.TrimPrefix(req.URL, origin)
	if !req.IsGet() {
		o.received = append(o.received, req.Method+" "+path+" "+string(req.Body))
	}

	if status, ok := o.failing[path]; ok {
		return &types.Response{Status: status, Source: types.SourceNetwork}, nil
	}

	return &types.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html"}},
		Body:   []byte("origin " + path),
		Source: types.SourceNetwork,
	}, nil
}

func (o *fakeOrigin) replayed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.received...)
}

func newWorker(t *testing.T, network types.Transport, mutate func(*types.EngineConfig)) *Worker {
	t.Helper()

	engineConfig := &types.EngineConfig{
		Name:      "offlined-test",
		Version:   "v1",
		Transport: &types.TransportConfig{Upstream: origin},
		Cache:     &types.CacheConfig{Type: "memory"},
		Queue:     &types.QueueConfig{Type: "memory"},
		Lifecycle: &types.LifecycleConfig{
			Manifest:    []string{"/", "/index.html", "/offline.html"},
			Concurrency: 2,
		},
		Sync: &types.SyncConfig{
			Tag:           "sync-learning-progress",
			QueuePrefixes: []string{"/api/"},
			BaseBackoff:   time.Hour,
			MaxBackoff:    time.Hour,
		},
		Cron: &types.CronConfig{Enabled: false},
	}
	if mutate != nil {
		mutate(engineConfig)
	}

	cm, err := config.NewStaticManager(context.Background(), engineConfig)
	require.NoError(t, err)

	w, err := New(context.Background(), cm, WithLogger(logger.NewNop()), WithTransport(network))
	require.NoError(t, err)

	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	select {
	case <-w.Activated():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not activate")
	}

	return w
}

func TestWorker_ServesShellOffline(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, newOrigin(), nil)

	assert.Equal(t, lifecycle.StateActive, w.Lifecycle().State())

	w.SetOnline(false)
	assert.True(t, w.IsOffline())

	resp, err := w.Fetch(ctx, &types.Request{Method: http.MethodGet, URL: origin + "/index.html", Mode: types.ModeNavigate})
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, resp.Source)
	assert.Equal(t, "origin /index.html", string(resp.Body))

	resp, err = w.Fetch(ctx, &types.Request{Method: http.MethodGet, URL: origin + "/lessons/42", Mode: types.ModeNavigate})
	require.NoError(t, err)
	assert.Equal(t, types.SourceOffline, resp.Source)
	assert.Equal(t, "origin /offline.html", string(resp.Body))

	_, err = w.Fetch(ctx, &types.Request{Method: http.MethodGet, URL: origin + "/api/lessons"})
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)
}

func TestWorker_RuntimeCacheServesApiAfterOnlineVisit(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, newOrigin(), nil)

	resp, err := w.Fetch(ctx, &types.Request{Method: http.MethodGet, URL: origin + "/api/lessons"})
	require.NoError(t, err)
	assert.Equal(t, types.SourceNetwork, resp.Source)

	w.policy.Wait()
	w.SetOnline(false)

	resp, err = w.Fetch(ctx, &types.Request{Method: http.MethodGet, URL: origin + "/api/lessons"})
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, resp.Source)
	assert.Equal(t, "origin /api/lessons", string(resp.Body))
}

func TestWorker_QueuesMutationsOfflineAndReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	network := newOrigin()
	w := newWorker(t, network, nil)

	queued := make(chan *types.ActionMessage, 4)
	require.NoError(t, w.Actions().Subscribe(types.ActionMutationQueued, func(message *types.ActionMessage) error {
		queued <- message
		return nil
	}))

	w.SetOnline(false)

	for _, body := range []string{"first", "second", "third"} {
		resp, err := w.Fetch(ctx, &types.Request{Method: http.MethodPost, URL: origin + "/api/progress", Body: []byte(body)})
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.Status)
		assert.Equal(t, types.SourceQueued, resp.Source)
		assert.NotEmpty(t, resp.Header.Get(QueuedHeader))
	}

	assert.Len(t, queued, 3)
	assert.True(t, w.syncer.IsRegistered("sync-learning-progress"))

	pending, err := w.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []byte("first"), pending[0].Body)

	_, err = w.Fetch(ctx, &types.Request{Method: http.MethodPost, URL: origin + "/account/delete"})
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)

	w.SetOnline(true)

	require.Eventually(t, func() bool {
		pending, err := w.PendingMutations(ctx)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{
		"POST /api/progress first",
		"POST /api/progress second",
		"POST /api/progress third",
	}, network.replayed())
	assert.False(t, w.syncer.IsRegistered("sync-learning-progress"))
}

func TestWorker_StalledMutationWaitsForDiscard(t *testing.T) {
	ctx := context.Background()
	network := newOrigin()
	network.failing["/api/broken"] = http.StatusInternalServerError

	w := newWorker(t, network, func(c *types.EngineConfig) {
		c.Sync.MaxAttempts = 1
	})

	w.SetOnline(false)
	_, err := w.Fetch(ctx, &types.Request{Method: http.MethodPut, URL: origin + "/api/broken", Body: []byte("x")})
	require.NoError(t, err)
	_, err = w.Fetch(ctx, &types.Request{Method: http.MethodPut, URL: origin + "/api/fine", Body: []byte("y")})
	require.NoError(t, err)

	w.offline.Store(false)

	result, err := w.OnSyncTrigger(ctx, "sync-learning-progress")
	assert.ErrorIs(t, err, types.ErrSyncRetry)
	require.NotNil(t, result)
	assert.Zero(t, result.Replayed)
	assert.Len(t, result.Stalled, 1)

	pending, err := w.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, w.DiscardMutation(ctx, pending[0].ID))

	result, err = w.OnSyncTrigger(ctx, "sync-learning-progress")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replayed)
	assert.Zero(t, result.Remaining)

	result, err = w.OnSyncTrigger(ctx, "some-other-tag")
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestWorker_HealthAndLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, newOrigin(), nil)

	report := w.Health().Check(ctx)
	assert.Equal(t, types.StatusHealthy, report.Status)
	results := w.Health().LastResults()
	assert.Contains(t, results, "cache")
	assert.Contains(t, results, "queue")
	assert.Contains(t, results, "lifecycle")

	assert.ErrorIs(t, w.Start(), types.ErrWorkerIsRunning)
	assert.Error(t, w.PostMessage(&types.ActionMessage{}))
	assert.NoError(t, w.PostMessage(&types.ActionMessage{Action: types.ActionSkipWaiting}))

	require.NoError(t, w.Stop())
	assert.ErrorIs(t, w.Stop(), types.ErrWorkerIsNotRunning)

	_, err := w.Fetch(ctx, &types.Request{Method: http.MethodGet, URL: origin + "/"})
	assert.ErrorIs(t, err, types.ErrWorkerIsNotRunning)
}

func TestWorker_ReconnectAfterStopStartsNoDrain(t *testing.T) {
	ctx := context.Background()
	network := newOrigin()
	w := newWorker(t, network, nil)

	w.SetOnline(false)
	_, err := w.Fetch(ctx, &types.Request{Method: http.MethodPost, URL: origin + "/api/progress", Body: []byte("late")})
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	assert.False(t, w.track())

	w.SetOnline(true)
	assert.False(t, w.IsOffline())
	assert.Never(t, func() bool { return len(network.replayed()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background work was tracked after stop")
	}
}
