package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/fnpatch/patchspec"
)

// Runtime is the live host: its containers and the module source they were
// loaded from.
type Runtime struct {
	source Source

	mu         sync.RWMutex
	containers map[string]*Container
}

// NewRuntime creates a runtime reading module text from source.
func NewRuntime(source Source) *Runtime {
	return &Runtime{
		source:     source,
		containers: make(map[string]*Container),
	}
}

// Register adds a container. Registering a second container under the same
// name replaces the first.
func (r *Runtime) Register(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[c.Name()] = c
}

// Container returns a registered container.
func (r *Runtime) Container(name string) (*Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[name]
	return c, ok
}

// Containers returns registered container names, sorted.
func (r *Runtime) Containers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.containers))
	for name := range r.containers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Source returns the module source.
func (r *Runtime) Source() Source {
	return r.source
}

// ModuleSource returns the current text of the module defining target.
func (r *Runtime) ModuleSource(ctx context.Context, target patchspec.Target) ([]byte, error) {
	if r.source == nil {
		return nil, fmt.Errorf("%w: no source configured for %s", ErrModuleNotFound, target)
	}
	return r.source.Read(ctx)
}

// Current returns the callable bound to target.
func (r *Runtime) Current(target patchspec.Target) (any, error) {
	c, err := r.container(target)
	if err != nil {
		return nil, err
	}
	fn, ok := c.Get(target.Function)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, target)
	}
	return fn, nil
}

// Rebind swaps the callable bound to target.
func (r *Runtime) Rebind(target patchspec.Target, fn any) error {
	c, err := r.container(target)
	if err != nil {
		return err
	}
	return c.Set(target.Function, fn)
}

func (r *Runtime) container(target patchspec.Target) (*Container, error) {
	c, ok := r.Container(target.Container)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContainer, target.Container)
	}
	return c, nil
}
