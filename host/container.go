// Package host models the running system whose functions get patched: named
// containers with rebindable attributes and the source file they were loaded
// from.
package host

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// Common host errors.
var (
	// ErrUnknownAttribute is returned when an attribute was never defined.
	ErrUnknownAttribute = errors.New("unknown attribute")

	// ErrTypeMismatch is returned when a rebind would change an attribute's type.
	ErrTypeMismatch = errors.New("attribute type mismatch")

	// ErrUnknownContainer is returned when a target names an unregistered container.
	ErrUnknownContainer = errors.New("unknown container")

	// ErrModuleNotFound is returned when the host module file cannot be found.
	ErrModuleNotFound = errors.New("host module not found")
)

type binding struct {
	fn any
}

// Container is a named set of callable attributes. Reads and rebinds are
// lock-free; each rebind is a single atomic pointer store.
type Container struct {
	name string

	mu    sync.RWMutex
	attrs map[string]*atomic.Pointer[binding]
}

// NewContainer creates an empty container.
func NewContainer(name string) *Container {
	return &Container{
		name:  name,
		attrs: make(map[string]*atomic.Pointer[binding]),
	}
}

// Name returns the container name.
func (c *Container) Name() string {
	return c.name
}

// Define binds the original callable for attr. An attribute is defined once.
func (c *Container) Define(attr string, fn any) error {
	if fn == nil {
		return fmt.Errorf("define %s.%s: nil callable", c.name, attr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.attrs[attr]; ok {
		return fmt.Errorf("define %s.%s: already defined", c.name, attr)
	}
	p := new(atomic.Pointer[binding])
	p.Store(&binding{fn: fn})
	c.attrs[attr] = p
	return nil
}

// Get returns the callable currently bound to attr.
func (c *Container) Get(attr string) (any, bool) {
	p := c.slot(attr)
	if p == nil {
		return nil, false
	}
	return p.Load().fn, true
}

// Set rebinds attr. The new callable must have the same type as the current one.
func (c *Container) Set(attr string, fn any) error {
	p := c.slot(attr)
	if p == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, c.name, attr)
	}
	current := p.Load().fn
	if fn == nil || reflect.TypeOf(current) != reflect.TypeOf(fn) {
		return fmt.Errorf("%w: %s.%s is %T, got %T", ErrTypeMismatch, c.name, attr, current, fn)
	}
	p.Store(&binding{fn: fn})
	return nil
}

// Attributes returns the defined attribute names, sorted.
func (c *Container) Attributes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.attrs))
	for name := range c.attrs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Container) slot(attr string) *atomic.Pointer[binding] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attrs[attr]
}

// Lookup returns attr from c as an F.
func Lookup[F any](c *Container, attr string) (F, error) {
	var zero F
	fn, ok := c.Get(attr)
	if !ok {
		return zero, fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, c.name, attr)
	}
	typed, ok := fn.(F)
	if !ok {
		return zero, fmt.Errorf("%w: %s.%s is %T", ErrTypeMismatch, c.name, attr, fn)
	}
	return typed, nil
}
