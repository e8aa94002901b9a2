package worker

import (
	"context"

	"github.com/saiset-co/sai-offline/health"
	"github.com/saiset-co/sai-offline/lifecycle"
	"github.com/saiset-co/sai-offline/types"
)

func (w *Worker) registerHealthCheckers() {
	w.health.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		names, err := w.store.ListGenerations(ctx)
		if err != nil {
			return health.Unhealthy(err)
		}

		precache, runtime := w.generations.Current()
		return health.Healthy("cache store reachable", map[string]interface{}{
			"generations": names,
			"precache":    precache.Name(),
			"runtime":     runtime.Name(),
		})
	})

	w.health.RegisterChecker("queue", func(ctx context.Context) types.HealthCheck {
		pending, err := w.queue.Len(ctx)
		if err != nil {
			return health.Unhealthy(err)
		}

		return health.Healthy("mutation queue reachable", map[string]interface{}{
			"pending":    pending,
			"registered": w.syncer.IsRegistered(w.syncer.Tag()),
		})
	})

	w.health.RegisterChecker("lifecycle", func(context.Context) types.HealthCheck {
		state := w.lifecycle.State()
		details := map[string]interface{}{
			"state":   state.String(),
			"version": w.lifecycle.Version(),
			"clients": w.hub.Count(),
		}

		if state == lifecycle.StateRedundant {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "install failed", Details: details}
		}
		return health.Healthy("lifecycle "+state.String(), details)
	})

	w.health.RegisterChecker("network", func(context.Context) types.HealthCheck {
		details := map[string]interface{}{
			"offline": w.IsOffline(),
			"breaker": w.gate.breaker().State(),
		}

		// offline is a normal operating mode; the proxy keeps serving from cache
		if w.IsOffline() {
			return health.Degraded("serving offline", details)
		}
		return health.Healthy("network reachable", details)
	})
}
