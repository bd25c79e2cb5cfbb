package stage

import (
	"context"
	"sort"
	"sync"

	"github.com/conda-incubator/condastore/internal/models"
)

// Output is an artifact a stage produced. File outputs set Path; the logs
// stage and small generated documents may set Data instead. DIRECTORY
// outputs point Path at the prefix.
type Output struct {
	Type models.ArtifactType
	Path string
	Data []byte
	// Name is the blob basename; it defaults to the base of Path.
	Name string
}

// Plugin performs one stage.
type Plugin interface {
	Run(ctx context.Context, sc *Context) ([]Output, error)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, sc *Context) ([]Output, error)

// Run calls f.
func (f PluginFunc) Run(ctx context.Context, sc *Context) ([]Output, error) { return f(ctx, sc) }

// Registry maps stage names to the plugins that perform them. One Registry
// is built at startup and handed to every worker.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Replace binds a plugin to a stage name, overwriting any previous binding.
func (r *Registry) Replace(name string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = p
}

// Lookup returns the plugin for a stage.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names lists registered stage names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
