// Package fingerprint identifies host function versions by a digest of their
// exact source text.
package fingerprint

import (
	"crypto/sha1"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var builtinRegistry []byte

// Digest is the lowercase hex SHA-1 of a function span.
type Digest string

// Short returns the first 12 characters, for log lines.
func (d Digest) Short() string {
	if len(d) > 12 {
		return string(d[:12])
	}
	return string(d)
}

// Hash digests text exactly as given: no normalization of whitespace,
// line endings or comments.
func Hash(text string) Digest {
	sum := sha1.Sum([]byte(text))
	return Digest(hex.EncodeToString(sum[:]))
}

// Entry binds one version tag to a digest.
type Entry struct {
	Tag    string `yaml:"tag"`
	Digest Digest `yaml:"digest"`
}

// File is the on-disk registry layout.
type File struct {
	Targets map[string][]Entry `yaml:"targets"`
}

// ErrRemovedEntry is returned by VerifyAppendOnly when a previous entry is gone.
var ErrRemovedEntry = errors.New("registry entry removed")

// Registry maps target -> digest -> version tags. Read-only after loading;
// safe for concurrent readers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	index   map[string]map[Digest][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string][]Entry),
		index:   make(map[string]map[Digest][]string),
	}
}

// Builtin returns the registry shipped with this binary.
func Builtin() (*Registry, error) {
	return Parse(builtinRegistry)
}

// Parse decodes a registry file.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	r := NewRegistry()
	for target, entries := range f.Targets {
		for _, e := range entries {
			if err := r.Add(target, e.Tag, e.Digest); err != nil {
				return nil, fmt.Errorf("target %s: %w", target, err)
			}
		}
	}
	return r, nil
}

// Load reads a registry file from disk.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return Parse(data)
}

// Add records that digest is the source of target in release tag.
// Adding the same (tag, digest) pair twice is a no-op.
func (r *Registry) Add(target, tag string, digest Digest) error {
	digest = Digest(strings.ToLower(strings.TrimSpace(string(digest))))
	if target == "" {
		return fmt.Errorf("empty target")
	}
	if tag == "" {
		return fmt.Errorf("empty tag for digest %s", digest)
	}
	if len(digest) != sha1.Size*2 {
		return fmt.Errorf("digest %q for %s is not a SHA-1 hex string", digest, tag)
	}
	if _, err := hex.DecodeString(string(digest)); err != nil {
		return fmt.Errorf("digest %q for %s: %w", digest, tag, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byDigest, ok := r.index[target]
	if !ok {
		byDigest = make(map[Digest][]string)
		r.index[target] = byDigest
	}
	for _, existing := range byDigest[digest] {
		if existing == tag {
			return nil
		}
	}
	byDigest[digest] = append(byDigest[digest], tag)
	r.entries[target] = append(r.entries[target], Entry{Tag: tag, Digest: digest})
	return nil
}

// IsKnown reports whether digest is a supported version of target.
func (r *Registry) IsKnown(target string, digest Digest) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[target][digest]
	return ok
}

// TagsFor returns the version tags sharing digest, in registration order.
func (r *Registry) TagsFor(target string, digest Digest) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := r.index[target][digest]
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}

// Targets returns the registered targets, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for target := range r.entries {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// Entries returns the entries of target in registration order.
func (r *Registry) Entries(target string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries[target]))
	copy(out, r.entries[target])
	return out
}

// Marshal encodes the registry in its file layout.
func (r *Registry) Marshal() ([]byte, error) {
	r.mu.RLock()
	f := File{Targets: make(map[string][]Entry, len(r.entries))}
	for target, entries := range r.entries {
		f.Targets[target] = append([]Entry(nil), entries...)
	}
	r.mu.RUnlock()

	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registry: %w", err)
	}
	return data, nil
}

// VerifyAppendOnly checks that every (target, tag, digest) of previous is still
// present in next. Registries only grow across releases.
func VerifyAppendOnly(previous, next *Registry) error {
	var missing []string
	for _, target := range previous.Targets() {
		for _, e := range previous.Entries(target) {
			found := false
			for _, tag := range next.TagsFor(target, e.Digest) {
				if tag == e.Tag {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, fmt.Sprintf("%s %s %s", target, e.Tag, e.Digest.Short()))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrRemovedEntry, strings.Join(missing, ", "))
	}
	return nil
}
