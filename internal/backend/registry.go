package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/vigil/internal/model"
)

// autoRouting maps action kinds to their default isolation mode for
// auto-resolution. Spin ignores cooperative stop requests, so it goes to a
// backend that can kill it.
var autoRouting = map[string]string{
	model.ActionEcho:  model.IsolationShared,
	model.ActionFail:  model.IsolationShared,
	model.ActionSleep: model.IsolationIsolate,
	model.ActionSpawn: model.IsolationShared,
	model.ActionSpin:  model.IsolationProcess,
}

// AutoRouting returns a copy of the isolation mode each action kind
// resolves to under auto.
func AutoRouting() map[string]string {
	out := make(map[string]string, len(autoRouting))
	for kind, iso := range autoRouting {
		out[kind] = iso
	}
	return out
}

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string              `json:"name"`
	Capabilities BackendCapabilities `json:"capabilities"`
}

// Registry holds registered backends and resolves which one to use for a
// unit based on its isolation mode and action.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under the given isolation name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// ResolveIsolation returns the concrete isolation mode for isolation and
// action kind, applying auto-routing. An empty isolation means auto.
func ResolveIsolation(isolation, kind string) (string, error) {
	if isolation != "" && isolation != model.IsolationAuto {
		return isolation, nil
	}
	resolved, ok := autoRouting[kind]
	if !ok {
		return "", fmt.Errorf("no auto-routing rule for action %q", kind)
	}
	return resolved, nil
}

// Resolve returns the backend to use for the given isolation and action
// kind, along with the concrete isolation mode it was registered under.
func (r *Registry) Resolve(isolation, kind string) (Backend, string, error) {
	target, err := ResolveIsolation(isolation, kind)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[target]
	if !ok {
		return nil, "", fmt.Errorf("backend %q is not registered", target)
	}
	return b, target, nil
}

// Names returns the registered isolation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, BackendInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
