package worker

import (
	"context"
	"sync/atomic"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/types"
)

// gatedTransport fails fast with ErrNetworkUnavailable while the host reports the device offline.
type gatedTransport struct {
	types.Transport
	offline *atomic.Bool
}

func (g *gatedTransport) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if g.offline.Load() {
		return nil, types.Errorf(types.ErrNetworkUnavailable, "offline")
	}

	return g.Transport.Fetch(ctx, req)
}

// breaker returns the circuit breaker of the built-in transport. It is nil for an injected
// transport; breaker methods accept a nil receiver.
func (g *gatedTransport) breaker() *client.CircuitBreaker {
	if t, ok := g.Transport.(*client.Transport); ok {
		return t.Breaker()
	}
	return nil
}
