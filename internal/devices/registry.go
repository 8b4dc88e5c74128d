package devices

import (
	"github.com/tinyrange/vof/internal/of"
)

// Registry binds canonical device-tree paths to backends. It implements
// of.BackendResolver for the client-interface "open" service.
type Registry struct {
	backends map[string]of.Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]of.Backend)}
}

// RegisterStream binds a character stream to a node path.
func (r *Registry) RegisterStream(path string, s of.CharStream) {
	r.backends[path] = of.Backend{Stream: s}
}

// RegisterBlock binds a block device to a node path.
func (r *Registry) RegisterBlock(path string, b of.BlockDevice) {
	r.backends[path] = of.Backend{Block: b}
}

// ResolveBackend implements of.BackendResolver.
func (r *Registry) ResolveBackend(path string) (of.Backend, bool) {
	backend, ok := r.backends[path]
	return backend, ok
}
