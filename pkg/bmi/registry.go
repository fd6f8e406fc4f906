package bmi

import (
	"context"
	"sort"
	"sync"

	okerrors "github.com/wehubfusion/Okeanos/pkg/errors"
)

// Registry maps descriptor types to loaders.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		loaders: make(map[string]Loader),
	}
}

// Register registers a loader for a descriptor type
func (r *Registry) Register(moduleType string, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[moduleType] = loader
}

// HasLoader checks if a loader exists for a descriptor type
func (r *Registry) HasLoader(moduleType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[moduleType]
	return ok
}

// RegisteredTypes returns all registered descriptor types, sorted
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.loaders))
	for t := range r.loaders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Load loads desc with the loader registered for its type.
func (r *Registry) Load(ctx context.Context, desc Descriptor) (Module, error) {
	r.mu.RLock()
	loader, ok := r.loaders[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, okerrors.Newf(okerrors.ModuleLoadError, "no loader registered for module type %q", desc.Type).WithNode(desc.ID)
	}

	m, err := loader.Load(ctx, desc)
	if err != nil {
		if okerrors.IsKind(err, okerrors.ModuleLoadError) {
			return nil, err
		}
		return nil, okerrors.New(okerrors.ModuleLoadError, "loading module "+desc.ID, err).WithNode(desc.ID)
	}
	if m == nil {
		return nil, okerrors.Newf(okerrors.ModuleLoadError, "loader for %q returned no module", desc.Type).WithNode(desc.ID)
	}
	return m, nil
}
