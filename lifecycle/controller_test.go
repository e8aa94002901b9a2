package lifecycle

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/cache"
	"github.com/saiset-co/sai-offline/config"
	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type originTransport struct {
	mu     sync.Mutex
	status map[string]int
}

func (o *originTransport) Start() error    { return nil }
func (o *originTransport) Stop() error     { return nil }
func (o *originTransport) IsRunning() bool { return true }

func (o *originTransport) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := http.StatusOK
	if s, ok := o.status[req.URL]; ok {
		status = s
	}
	return &types.Response{Status: status, Body: []byte("asset " + req.URL), Source: types.SourceNetwork}, nil
}

type registry struct {
	mu       sync.Mutex
	versions []string
}

func (r *registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.versions)
}

func (r *registry) CountControlledByOthers(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.versions {
		if v != "" && v != version {
			n++
		}
	}
	return n
}

func (r *registry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.versions {
		r.versions[i] = version
	}
	return len(r.versions)
}

type broker struct {
	mu      sync.Mutex
	actions []string
}

func (b *broker) Start() error    { return nil }
func (b *broker) Stop() error     { return nil }
func (b *broker) IsRunning() bool { return true }
func (b *broker) Publish(action string, _ interface{}) error {
	b.mu.Lock()
	b.actions = append(b.actions, action)
	b.mu.Unlock()
	return nil
}
func (b *broker) Subscribe(string, types.ActionHandler) error { return nil }
func (b *broker) Unsubscribe(string) error                    { return nil }

func (b *broker) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.actions...)
}

const origin = "https://app.example"

var manifest = []string{"/", "/index.html", "/manifest.json"}

func newController(t *testing.T, version string, store types.CacheStore, transport types.Transport, clients types.ClientRegistry, actions types.ActionBroker) (*Controller, *cache.Generations) {
	t.Helper()

	cm, err := config.NewStaticManager(context.Background(), &types.EngineConfig{
		Version: version,
		Lifecycle: &types.LifecycleConfig{
			Origin:      origin,
			Manifest:    manifest,
			Concurrency: 2,
		},
	})
	require.NoError(t, err)

	generations := cache.NewGenerations(store, logger.NewNop())
	c := NewController(cm, logger.NewNop(), nil, store, generations, transport, clients, actions)
	c.pollInterval = 5 * time.Millisecond

	return c, generations
}

func newMemoryStore(t *testing.T) types.CacheStore {
	store, err := cache.NewMemoryStore(logger.NewNop(), nil)
	require.NoError(t, err)
	return store
}

func TestController_FirstInstallActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	actions := &broker{}

	c, generations := newController(t, "v1", store, &originTransport{}, &registry{}, actions)
	require.NoError(t, c.Run(ctx))
	assert.Equal(t, StateActive, c.State())

	names, err := store.ListGenerations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"precache-v1", "runtime-v1"}, names)

	entry, exists, err := generations.Lookup(ctx, utils.RequestKey(http.MethodGet, origin+"/index.html", nil, nil))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "asset https://app.example/index.html", string(entry.Body))

	assert.Equal(t, []string{types.ActionControllerChange}, actions.published())
}

func TestController_InstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	transport := &originTransport{status: map[string]int{origin + "/manifest.json": http.StatusNotFound}}
	c, _ := newController(t, "v1", store, transport, nil, nil)

	err := c.Install(ctx)
	assert.ErrorIs(t, err, types.ErrInstallFailed)
	assert.Equal(t, StateRedundant, c.State())

	names, err := store.ListGenerations(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	transport.mu.Lock()
	transport.status = nil
	transport.mu.Unlock()

	require.NoError(t, c.Install(ctx))
	assert.Equal(t, StateInstalled, c.State())

	_, err = c.Activate(ctx)
	require.NoError(t, err)

	err = c.Install(ctx)
	assert.ErrorIs(t, err, types.ErrLifecycleState)
}

func TestController_ActivationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	_, err := store.Open(ctx, "precache-v0")
	require.NoError(t, err)

	c, _ := newController(t, "v1", store, &originTransport{}, nil, nil)
	require.NoError(t, c.Install(ctx))

	deleted, err := c.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"precache-v0"}, deleted)

	deleted, err = c.Activate(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
	assert.Equal(t, StateActive, c.State())
}

func TestController_NewVersionWaitsForOldClients(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	clients := &registry{}

	v1, generations := newController(t, "v1", store, &originTransport{}, clients, nil)
	require.NoError(t, v1.Run(ctx))

	clients.mu.Lock()
	clients.versions = []string{"v1", "v1"}
	clients.mu.Unlock()

	require.NoError(t, generations.PutRuntime(ctx, "GET https://app.example/api/lessons", &types.CachedResponse{Status: http.StatusOK, Body: []byte("v1 data")}))

	actions := &broker{}
	v2, v2generations := newController(t, "v2", store, &originTransport{}, clients, actions)

	done := make(chan error, 1)
	go func() { done <- v2.Run(ctx) }()

	require.Eventually(t, func() bool { return v2.State() == StateInstalled }, time.Second, 5*time.Millisecond)
	assert.Contains(t, actions.published(), types.ActionUpdateAvailable)

	_, runtime := v2generations.Current()
	assert.Equal(t, "runtime-v1", runtime.Name())

	entry, exists, err := v2generations.Lookup(ctx, "GET https://app.example/api/lessons")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "v1 data", string(entry.Body))

	select {
	case err := <-done:
		t.Fatalf("activation must wait for old clients, got %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	v2.SkipWaiting()
	v2.SkipWaiting()
	require.NoError(t, <-done)
	assert.Equal(t, StateActive, v2.State())

	names, err := store.ListGenerations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"precache-v2", "runtime-v2"}, names)

	_, exists, err = v2generations.Lookup(ctx, "GET https://app.example/api/lessons")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Zero(t, clients.CountControlledByOthers("v2"))
	assert.Contains(t, actions.published(), types.ActionControllerChange)
}

func TestController_AwaitActivationEndsWhenClientsLeave(t *testing.T) {
	ctx := context.Background()
	clients := &registry{versions: []string{"v1"}}

	c, _ := newController(t, "v2", newMemoryStore(t), &originTransport{}, clients, nil)
	require.NoError(t, c.Install(ctx))

	go func() {
		time.Sleep(20 * time.Millisecond)
		clients.mu.Lock()
		clients.versions = nil
		clients.mu.Unlock()
	}()

	require.NoError(t, c.AwaitActivation(ctx))

	clients.mu.Lock()
	clients.versions = []string{"v1"}
	clients.mu.Unlock()

	waiting, _ := newController(t, "v3", newMemoryStore(t), &originTransport{}, clients, nil)
	require.NoError(t, waiting.Install(ctx))

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waiting.AwaitActivation(shortCtx), types.ErrActivationDeferred)
}

func TestController_RestartResumesActiveVersion(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	transport := &originTransport{}

	first, _ := newController(t, "v1", store, transport, nil, nil)
	require.NoError(t, first.Run(ctx))

	transport.mu.Lock()
	transport.status = map[string]int{origin + "/": http.StatusServiceUnavailable}
	transport.mu.Unlock()

	restarted, generations := newController(t, "v1", store, transport, nil, nil)
	require.NoError(t, restarted.Run(ctx))
	assert.Equal(t, StateActive, restarted.State())

	precache, runtime := generations.Current()
	assert.Equal(t, "precache-v1", precache.Name())
	assert.Equal(t, "runtime-v1", runtime.Name())
}
