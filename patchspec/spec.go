// Package patchspec describes structural edits to a known function body as data.
//
// A Spec names its target function, an ordered list of edits and, per edit, the
// marker that proves the edit is already present. Specs are loaded from YAML and
// validated before use; the transform package applies them.
package patchspec

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed specs/*.yaml
var builtinSpecs embed.FS

// DefaultIndentUnit is used when a spec does not set indent_unit.
const DefaultIndentUnit = "    "

// Action is the structural edit performed at an anchor.
type Action string

const (
	// ActionInsertAfter inserts the payload after the anchor line.
	ActionInsertAfter Action = "insert-after"
	// ActionInsertBefore inserts the payload before the anchor line.
	ActionInsertBefore Action = "insert-before"
	// ActionReplaceLine replaces the anchor line with the payload.
	ActionReplaceLine Action = "replace-line"
	// ActionAppendBranch treats the anchor as the head of an if/elif chain and
	// adds the payload as its last conditional branch, before any final else.
	ActionAppendBranch Action = "append-branch"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionInsertAfter, ActionInsertBefore, ActionReplaceLine, ActionAppendBranch:
		return true
	}
	return false
}

// Target identifies a function inside a container (class). An empty Container
// means a module-level function.
type Target struct {
	Container string `yaml:"container"`
	Function  string `yaml:"function"`
}

// String returns the dotted name used as registry key.
func (t Target) String() string {
	if t.Container == "" {
		return t.Function
	}
	return t.Container + "." + t.Function
}

// ParseTarget parses "Container.function" or "function".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty target")
	}
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return Target{Function: s}, nil
	}
	if idx == 0 || idx == len(s)-1 {
		return Target{}, fmt.Errorf("invalid target %q", s)
	}
	return Target{Container: s[:idx], Function: s[idx+1:]}, nil
}

// Pattern matches a single line. A line matches when it contains every
// Contains substring and, if set, matches Regex. In YAML a bare string is
// shorthand for a single Contains entry.
type Pattern struct {
	Contains []string `yaml:"contains,omitempty"`
	Regex    string   `yaml:"regex,omitempty"`

	re *regexp.Regexp
}

// UnmarshalYAML accepts either a mapping or a bare string.
func (p *Pattern) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Contains = []string{value.Value}
		return nil
	}
	type plain Pattern
	var raw plain
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Contains = raw.Contains
	p.Regex = raw.Regex
	return nil
}

// IsZero reports whether the pattern has no conditions.
func (p *Pattern) IsZero() bool {
	return p == nil || (len(p.Contains) == 0 && p.Regex == "")
}

func (p *Pattern) compile() error {
	if p.Regex == "" {
		p.re = nil
		return nil
	}
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return fmt.Errorf("compile regex %q: %w", p.Regex, err)
	}
	p.re = re
	return nil
}

// Match reports whether line satisfies the pattern.
func (p *Pattern) Match(line string) bool {
	if p.IsZero() {
		return false
	}
	for _, s := range p.Contains {
		if !strings.Contains(line, s) {
			return false
		}
	}
	if p.Regex != "" {
		if p.re == nil {
			if err := p.compile(); err != nil {
				return false
			}
		}
		return p.re.MatchString(line)
	}
	return true
}

// MatchAny reports whether any of lines satisfies the pattern.
func (p *Pattern) MatchAny(lines []string) bool {
	for _, line := range lines {
		if p.Match(line) {
			return true
		}
	}
	return false
}

// String renders the pattern for log and error messages.
func (p *Pattern) String() string {
	if p == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(p.Contains)+1)
	for _, s := range p.Contains {
		parts = append(parts, fmt.Sprintf("%q", s))
	}
	if p.Regex != "" {
		parts = append(parts, "/"+p.Regex+"/")
	}
	return strings.Join(parts, " & ")
}

// Variant overrides an edit's payload (and optionally marker) when When
// matches any line of the unmodified function.
type Variant struct {
	Name    string   `yaml:"name"`
	When    Pattern  `yaml:"when"`
	Payload []string `yaml:"payload"`
	Marker  *Pattern `yaml:"marker,omitempty"`
}

// Edit is one anchored structural change.
type Edit struct {
	Name        string    `yaml:"name"`
	Anchor      Pattern   `yaml:"anchor"`
	Action      Action    `yaml:"action"`
	IndentDelta int       `yaml:"indent_delta,omitempty"`
	Payload     []string  `yaml:"payload"`
	Marker      Pattern   `yaml:"marker"`
	Variants    []Variant `yaml:"variants,omitempty"`
}

// Resolved is an edit with its variant chosen for a particular function body.
type Resolved struct {
	Edit    *Edit
	Variant string
	Payload []string
	Marker  *Pattern
}

// Resolve picks the first variant whose When matches lines, falling back to
// the edit's own payload and marker.
func (e *Edit) Resolve(lines []string) Resolved {
	for i := range e.Variants {
		v := &e.Variants[i]
		if !v.When.MatchAny(lines) {
			continue
		}
		r := Resolved{Edit: e, Variant: v.Name, Payload: v.Payload, Marker: &e.Marker}
		if !v.Marker.IsZero() {
			r.Marker = v.Marker
		}
		if len(r.Payload) == 0 {
			r.Payload = e.Payload
		}
		return r
	}
	return Resolved{Edit: e, Payload: e.Payload, Marker: &e.Marker}
}

// Spec is a versioned set of edits against one target function.
type Spec struct {
	ID          string `yaml:"id"`
	Version     int    `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	Target      Target `yaml:"target"`
	IndentUnit  string `yaml:"indent_unit,omitempty"`
	Edits       []Edit `yaml:"edits"`
}

// Indent returns the spec's indentation unit.
func (s *Spec) Indent() string {
	if s.IndentUnit == "" {
		return DefaultIndentUnit
	}
	return s.IndentUnit
}

// Validate checks the spec and compiles its patterns.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Target.Function == "" {
		return fmt.Errorf("%s: target.function is required", s.ID)
	}
	if strings.Trim(s.Indent(), " \t") != "" {
		return fmt.Errorf("%s: indent_unit must be whitespace", s.ID)
	}
	if len(s.Edits) == 0 {
		return fmt.Errorf("%s: at least one edit is required", s.ID)
	}

	seen := make(map[string]bool, len(s.Edits))
	for i := range s.Edits {
		e := &s.Edits[i]
		if e.Name == "" {
			return fmt.Errorf("%s: edit %d: name is required", s.ID, i)
		}
		if seen[e.Name] {
			return fmt.Errorf("%s: duplicate edit name %q", s.ID, e.Name)
		}
		seen[e.Name] = true

		if !e.Action.Valid() {
			return fmt.Errorf("%s/%s: unknown action %q", s.ID, e.Name, e.Action)
		}
		if e.IndentDelta < -1 || e.IndentDelta > 1 {
			return fmt.Errorf("%s/%s: indent_delta must be -1, 0 or 1", s.ID, e.Name)
		}
		if e.Anchor.IsZero() {
			return fmt.Errorf("%s/%s: anchor is required", s.ID, e.Name)
		}
		if e.Marker.IsZero() {
			return fmt.Errorf("%s/%s: marker is required", s.ID, e.Name)
		}
		if len(e.Payload) == 0 {
			for _, v := range e.Variants {
				if len(v.Payload) == 0 {
					return fmt.Errorf("%s/%s: payload is required", s.ID, e.Name)
				}
			}
			if len(e.Variants) == 0 {
				return fmt.Errorf("%s/%s: payload is required", s.ID, e.Name)
			}
		}

		patterns := []*Pattern{&e.Anchor, &e.Marker}
		for j := range e.Variants {
			v := &e.Variants[j]
			if v.When.IsZero() {
				return fmt.Errorf("%s/%s: variant %q needs a when pattern", s.ID, e.Name, v.Name)
			}
			patterns = append(patterns, &v.When)
			if v.Marker != nil {
				patterns = append(patterns, v.Marker)
			}
		}
		for _, p := range patterns {
			if err := p.compile(); err != nil {
				return fmt.Errorf("%s/%s: %w", s.ID, e.Name, err)
			}
		}
	}
	return nil
}

// EditNames returns the edit names in spec order.
func (s *Spec) EditNames() []string {
	names := make([]string, len(s.Edits))
	for i := range s.Edits {
		names[i] = s.Edits[i].Name
	}
	return names
}

// Parse decodes and validates a spec.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse patch spec: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patch spec: %w", err)
	}
	return &s, nil
}

// Load reads a spec file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch spec: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadDir reads every *.yaml spec in dir.
func LoadDir(dir string) (*Set, error) {
	return loadFS(os.DirFS(dir), ".")
}

// Builtin returns the specs shipped with this binary.
func Builtin() (*Set, error) {
	return loadFS(builtinSpecs, "specs")
}

func loadFS(fsys fs.FS, dir string) (*Set, error) {
	matches, err := fs.Glob(fsys, filepath.ToSlash(filepath.Join(dir, "*.yaml")))
	if err != nil {
		return nil, fmt.Errorf("list patch specs: %w", err)
	}
	sort.Strings(matches)

	set := NewSet()
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		s, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := set.Add(s); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Set holds at most one spec per target.
type Set struct {
	byTarget map[string]*Spec
	order    []string
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{byTarget: make(map[string]*Spec)}
}

// Add registers s. A second spec for the same target is rejected.
func (set *Set) Add(s *Spec) error {
	key := s.Target.String()
	if existing, ok := set.byTarget[key]; ok {
		return fmt.Errorf("target %s already has spec %s", key, existing.ID)
	}
	set.byTarget[key] = s
	set.order = append(set.order, key)
	return nil
}

// For returns the spec for target.
func (set *Set) For(target Target) (*Spec, bool) {
	s, ok := set.byTarget[target.String()]
	return s, ok
}

// Targets returns the targets in load order.
func (set *Set) Targets() []Target {
	out := make([]Target, 0, len(set.order))
	for _, key := range set.order {
		out = append(out, set.byTarget[key].Target)
	}
	return out
}

// Specs returns the specs in load order.
func (set *Set) Specs() []*Spec {
	out := make([]*Spec, 0, len(set.order))
	for _, key := range set.order {
		out = append(out, set.byTarget[key])
	}
	return out
}
