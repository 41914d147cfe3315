package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/codervisor/clawden/internal/adapter"
)

var ErrAdapterNotFound = errors.New("adapter not found")

// Registry maps runtime identifiers to adapter instances. Adapters are
// shared by every caller holding them, including callers that fetched one
// just before it was replaced.
type Registry struct {
	mu       sync.RWMutex
	adapters map[adapter.Runtime]adapter.Adapter
}

func New() *Registry {
	return &Registry{adapters: make(map[adapter.Runtime]adapter.Adapter)}
}

// Register adds an adapter under its metadata runtime, replacing any prior one.
func (r *Registry) Register(a adapter.Adapter) {
	r.RegisterDynamic(a)
}

// RegisterDynamic installs a at runtime and reports whether an adapter for
// the same runtime was displaced.
func (r *Registry) RegisterDynamic(a adapter.Adapter) bool {
	rt := a.Metadata().Runtime

	r.mu.Lock()
	_, displaced := r.adapters[rt]
	r.adapters[rt] = a
	r.mu.Unlock()

	if displaced {
		slog.Info("adapter replaced", "runtime", rt)
	}
	return displaced
}

func (r *Registry) Unregister(rt adapter.Runtime) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[rt]; !ok {
		return false
	}
	delete(r.adapters, rt)
	return true
}

func (r *Registry) Get(rt adapter.Runtime) (adapter.Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[rt]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, rt)
	}
	return a, nil
}

func (r *Registry) Has(rt adapter.Runtime) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[rt]
	return ok
}

// List returns registered runtimes sorted by identifier.
func (r *Registry) List() []adapter.Runtime {
	r.mu.RLock()
	out := make([]adapter.Runtime, 0, len(r.adapters))
	for rt := range r.adapters {
		out = append(out, rt)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ListMetadata returns metadata in the same order as List.
func (r *Registry) ListMetadata() []adapter.RuntimeMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]adapter.RuntimeMetadata, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Runtime < out[j].Runtime })
	return out
}

// DetectAvailable is an alias of ListMetadata kept for the HTTP surface.
func (r *Registry) DetectAvailable() []adapter.RuntimeMetadata {
	return r.ListMetadata()
}

// DetectRuntimeForCapability returns the first runtime whose capability set
// contains capability (case-insensitive). When several adapters qualify the
// winner follows map iteration order and is not stable between calls;
// callers that need a specific backend must pin the runtime.
func (r *Registry) DetectRuntimeForCapability(capability string) (adapter.Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for rt, a := range r.adapters {
		if a.Metadata().HasCapability(capability) {
			return rt, true
		}
	}
	return "", false
}
