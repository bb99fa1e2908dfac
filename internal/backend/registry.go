package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a kind with the capabilities of its fetcher.
type Info struct {
	Kind         string       `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the status fetcher registered for each kind.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]StatusFetcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fetchers: make(map[string]StatusFetcher),
	}
}

// Register sets the fetcher for kind, replacing any previous one.
func (r *Registry) Register(kind string, f StatusFetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[kind] = f
}

// Resolve returns the fetcher for kind.
func (r *Registry) Resolve(kind string) (StatusFetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.fetchers[kind]
	if !ok {
		return nil, fmt.Errorf("no status backend registered for kind %q", kind)
	}
	return f, nil
}

// List returns every registered fetcher, sorted by kind for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.fetchers))
	for kind, f := range r.fetchers {
		infos = append(infos, Info{
			Kind:         kind,
			Capabilities: f.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
