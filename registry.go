package scalelink

import (
	"sort"
	"sync"
)

// Factory creates a fresh Adapter instance with no cached decode state.
type Factory func() Adapter

type registration struct {
	name     string
	priority int
	factory  Factory
}

var (
	registry []registration
	regLock  sync.RWMutex
)

// Register makes an adapter implementation available under the given name.
// Lower priority values are tried first; vendor-specific adapters must
// register with a lower value than any catch-all so that a catch-all's name
// or service match cannot shadow them. This function is meant to be called
// from the init() function of the implementation's package.
func Register(name string, priority int, factory Factory) {
	regLock.Lock()
	defer regLock.Unlock()

	replaced := false
	for i, reg := range registry {
		if reg.name == name {
			registry[i] = registration{name: name, priority: priority, factory: factory}
			replaced = true
			break
		}
	}
	if !replaced {
		registry = append(registry, registration{name: name, priority: priority, factory: factory})
	}
	sort.SliceStable(registry, func(i, j int) bool {
		return registry[i].priority < registry[j].priority
	})
}

// NewAdapterSet instantiates one fresh adapter per registered vendor, in
// priority order. Each acquisition must use its own set so that cached
// multi-frame state cannot leak across sessions.
func NewAdapterSet() []Adapter {
	regLock.RLock()
	defer regLock.RUnlock()

	set := make([]Adapter, 0, len(registry))
	for _, reg := range registry {
		set = append(set, reg.factory())
	}
	return set
}

// AdapterNames returns the registered adapter names in priority order, for
// diagnostics (e.g. the no-match error message).
func AdapterNames() []string {
	regLock.RLock()
	defer regLock.RUnlock()

	names := make([]string, 0, len(registry))
	for _, reg := range registry {
		names = append(names, reg.name)
	}
	return names
}
