// Package installer swaps a host function for its patched behaviour.
//
// Patched text is never executed. It is checked to parse as a definition of
// the expected function, then the Go behaviour registered for the
// (target, spec, variant) triple is bound in its place with a single atomic rebind.
// Any failure leaves the original bound.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/processor/ast/python"
)

var (
	// ErrCompile is returned when patched text does not parse as a definition
	// of the target function.
	ErrCompile = errors.New("patched function does not compile")

	// ErrMissingSymbol is returned when no behaviour is registered for the
	// (target, spec, variant) triple.
	ErrMissingSymbol = errors.New("replacement symbol not found")

	// ErrUnknownFingerprint is returned when a function's digest is not in
	// the registry.
	ErrUnknownFingerprint = errors.New("unknown fingerprint")

	// ErrNotInstalled is returned by Restore when no patch is installed.
	ErrNotInstalled = errors.New("no patch installed")
)

// Host is the running system whose functions are rebound.
type Host interface {
	ModuleSource(ctx context.Context, target patchspec.Target) ([]byte, error)
	Current(target patchspec.Target) (any, error)
	Rebind(target patchspec.Target, fn any) error
}

// Checker verifies that text defines function.
type Checker interface {
	CheckDefinition(ctx context.Context, text, function string) error
}

// InstalledPatch records one active replacement. It lives for the process
// lifetime only.
type InstalledPatch struct {
	Target             patchspec.Target
	SpecID             string
	Variant            string
	Original           any
	Replacement        any
	AppliedFingerprint fingerprint.Digest
	PatchedText        string
	InstalledAt        time.Time
}

type variantKey struct {
	target  string
	specID  string
	variant string
}

// Variants maps (target, spec ID, payload variant) to the behaviour that
// implements the patched text. The empty variant is the spec's base payload.
type Variants struct {
	mu sync.RWMutex
	m  map[variantKey]any
}

// NewVariants creates an empty variant table.
func NewVariants() *Variants {
	return &Variants{m: make(map[variantKey]any)}
}

// Register adds the behaviour for the base payload of (target, specID).
func (v *Variants) Register(target patchspec.Target, specID string, fn any) error {
	return v.RegisterVariant(target, specID, "", fn)
}

// RegisterVariant adds the behaviour for text produced with the named
// payload variant.
func (v *Variants) RegisterVariant(target patchspec.Target, specID, variant string, fn any) error {
	name := specID
	if variant != "" {
		name += "[" + variant + "]"
	}
	if fn == nil {
		return fmt.Errorf("register %s/%s: nil behaviour", target, name)
	}
	key := variantKey{target: target.String(), specID: specID, variant: variant}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.m[key]; ok {
		return fmt.Errorf("register %s/%s: already registered", target, name)
	}
	v.m[key] = fn
	return nil
}

// Lookup returns the behaviour for (target, specID, variant). There is no
// fallback to the base payload.
func (v *Variants) Lookup(target patchspec.Target, specID, variant string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	fn, ok := v.m[variantKey{target: target.String(), specID: specID, variant: variant}]
	return fn, ok
}

// Option configures a PatchManager.
type Option func(*PatchManager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *PatchManager) { m.logger = l }
}

// WithChecker replaces the tree-sitter definition check.
func WithChecker(c Checker) Option {
	return func(m *PatchManager) { m.checker = c }
}

// WithClock sets the time source for InstalledAt.
func WithClock(now func() time.Time) Option {
	return func(m *PatchManager) { m.now = now }
}

// PatchManager owns every InstalledPatch of the process. Construct one at
// startup and pass it to whatever needs to install or observe patches.
type PatchManager struct {
	host     Host
	variants *Variants
	checker  Checker
	logger   *slog.Logger
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu        sync.RWMutex
	installed map[string]*InstalledPatch
}

// NewPatchManager creates a manager for host.
func NewPatchManager(host Host, variants *Variants, opts ...Option) *PatchManager {
	m := &PatchManager{
		host:      host,
		variants:  variants,
		locks:     make(map[string]*sync.Mutex),
		installed: make(map[string]*InstalledPatch),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.checker == nil {
		m.checker = python.NewParser()
	}
	if m.variants == nil {
		m.variants = NewVariants()
	}
	return m
}

// Install checks patchedText, resolves the behaviour registered for
// (target, specID, variant) and binds it in place of the current one.
func (m *PatchManager) Install(ctx context.Context, target patchspec.Target, specID, variant, patchedText string, digest fingerprint.Digest) (*InstalledPatch, error) {
	unlock := m.lock(target)
	defer unlock()

	if err := m.checker.CheckDefinition(ctx, patchedText, target.Function); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, target, err)
	}

	replacement, ok := m.variants.Lookup(target, specID, variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s for spec %s variant %q", ErrMissingSymbol, target, specID, variant)
	}

	original, err := m.host.Current(target)
	if err != nil {
		return nil, fmt.Errorf("read current binding of %s: %w", target, err)
	}
	if prev, ok := m.Installed(target); ok {
		original = prev.Original
	}

	if err := m.host.Rebind(target, replacement); err != nil {
		return nil, fmt.Errorf("rebind %s: %w", target, err)
	}

	patch := &InstalledPatch{
		Target:             target,
		SpecID:             specID,
		Variant:            variant,
		Original:           original,
		Replacement:        replacement,
		AppliedFingerprint: digest,
		PatchedText:        patchedText,
		InstalledAt:        m.now(),
	}

	m.mu.Lock()
	m.installed[target.String()] = patch
	m.mu.Unlock()

	m.logger.Info("Patch installed",
		"target", target.String(),
		"spec", specID,
		"variant", variant,
		"digest", digest.Short())
	return patch, nil
}

// Restore rebinds the original behaviour of target.
func (m *PatchManager) Restore(target patchspec.Target) error {
	unlock := m.lock(target)
	defer unlock()

	patch, ok := m.Installed(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, target)
	}
	if err := m.host.Rebind(target, patch.Original); err != nil {
		return fmt.Errorf("restore %s: %w", target, err)
	}

	m.mu.Lock()
	delete(m.installed, target.String())
	m.mu.Unlock()

	m.logger.Info("Patch restored", "target", target.String(), "spec", patch.SpecID)
	return nil
}

// Installed returns the active patch for target.
func (m *PatchManager) Installed(target patchspec.Target) (*InstalledPatch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.installed[target.String()]
	return p, ok
}

// All returns every active patch, ordered by target.
func (m *PatchManager) All() []*InstalledPatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*InstalledPatch, 0, len(m.installed))
	for _, p := range m.installed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target.String() < out[j].Target.String() })
	return out
}

// Host returns the host this manager rebinds.
func (m *PatchManager) Host() Host {
	return m.host
}

func (m *PatchManager) lock(target patchspec.Target) func() {
	key := target.String()
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}
