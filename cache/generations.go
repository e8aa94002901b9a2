package cache

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

// Generations tracks the current precache and runtime generations of a store.
// Lookups never span more than one generation: precache is consulted first and the first hit wins.
// writes orders runtime writes against activation: a write that started before a swap lands
// before the prune, so it can never recreate a stale generation.
type Generations struct {
	store    types.CacheStore
	logger   types.Logger
	mu       sync.RWMutex
	writes   sync.RWMutex
	precache types.Generation
	runtime  types.Generation
}

func NewGenerations(store types.CacheStore, logger types.Logger) *Generations {
	return &Generations{
		store:  store,
		logger: logger,
	}
}

func (g *Generations) Current() (precache, runtime types.Generation) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.precache, g.runtime
}

// Restore points the index at the generations left by a previous run. When several runtime
// generations survived an interrupted activation, the one with a matching precache wins,
// then the highest name.
func (g *Generations) Restore(ctx context.Context) (bool, error) {
	names, err := g.store.ListGenerations(ctx)
	if err != nil {
		return false, err
	}

	present := make(map[string]bool, len(names))
	var runtimes []types.Generation

	for _, name := range names {
		present[name] = true

		gen, err := types.ParseGeneration(name)
		if err != nil || gen.Role != types.RoleRuntime {
			continue
		}
		runtimes = append(runtimes, gen)
	}

	if len(runtimes) == 0 {
		return false, nil
	}

	sort.SliceStable(runtimes, func(i, j int) bool {
		pi := present[precacheOf(runtimes[i]).Name()]
		pj := present[precacheOf(runtimes[j]).Name()]
		if pi != pj {
			return pi
		}
		return strings.Compare(runtimes[i].Name(), runtimes[j].Name()) > 0
	})

	runtime := runtimes[0]
	var precache types.Generation
	if present[precacheOf(runtime).Name()] {
		precache = precacheOf(runtime)
	}

	g.mu.Lock()
	g.precache, g.runtime = precache, runtime
	g.mu.Unlock()

	g.logger.Info("Restored cache generations",
		zap.String("precache", precache.Name()),
		zap.String("runtime", runtime.Name()))

	return true, nil
}

// Activate makes precache and runtime current and deletes every other generation.
// Repeating it with the same arguments is a no-op that deletes nothing.
func (g *Generations) Activate(ctx context.Context, precache, runtime types.Generation) ([]string, error) {
	if precache.IsZero() || runtime.IsZero() {
		return nil, types.Errorf(types.ErrGenerationNameInvalid, "activation needs both generations")
	}

	g.writes.Lock()
	defer g.writes.Unlock()

	for _, gen := range []types.Generation{precache, runtime} {
		if _, err := g.store.Open(ctx, gen.Name()); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	g.precache, g.runtime = precache, runtime
	g.mu.Unlock()

	names, err := g.store.ListGenerations(ctx)
	if err != nil {
		return nil, err
	}

	deleted := make([]string, 0)
	for _, name := range names {
		if name == precache.Name() || name == runtime.Name() {
			continue
		}

		existed, err := g.store.DeleteGeneration(ctx, name)
		if err != nil {
			return deleted, err
		}
		if existed {
			deleted = append(deleted, name)
		}
	}

	if len(deleted) > 0 {
		g.logger.Info("Pruned stale cache generations", zap.Strings("deleted", deleted))
	}

	return deleted, nil
}

func (g *Generations) Lookup(ctx context.Context, key string) (*types.CachedResponse, bool, error) {
	precache, runtime := g.Current()

	for _, gen := range []types.Generation{precache, runtime} {
		if gen.IsZero() {
			continue
		}

		entry, exists, err := g.store.Get(ctx, gen, key)
		if err != nil {
			return nil, false, err
		}
		if exists {
			return entry, true, nil
		}
	}

	return nil, false, nil
}

// PutRuntime writes into the current runtime generation.
// It returns ErrGenerationNotFound while no runtime generation is active.
func (g *Generations) PutRuntime(ctx context.Context, key string, entry *types.CachedResponse) error {
	g.writes.RLock()
	defer g.writes.RUnlock()

	_, runtime := g.Current()
	if runtime.IsZero() {
		return types.ErrGenerationNotFound
	}

	return g.store.Put(ctx, runtime, key, entry)
}

func precacheOf(runtime types.Generation) types.Generation {
	return types.Generation{Role: types.RolePrecache, Version: runtime.Version}
}
