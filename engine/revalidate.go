package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/transform"
)

// ErrFixtureAlreadyPatched is reported when a known-unpatched version already
// carries some of the current spec's markers.
var ErrFixtureAlreadyPatched = errors.New("known version already contains spec markers")

// Fixture is a full host module snapshot.
type Fixture struct {
	Name   string
	Source []byte
}

// Revalidation is the check of one known version against the current spec.
type Revalidation struct {
	Target  string
	Tags    []string
	Digest  fingerprint.Digest
	Fixture string
	Fired   []string
	Err     error
}

// RevalidationReport covers every registry entry of every spec target.
type RevalidationReport struct {
	Checked []Revalidation

	// Uncovered lists "target tag" entries with no fixture body.
	Uncovered []string
}

// Failed returns the checks that did not pass.
func (r *RevalidationReport) Failed() []Revalidation {
	var out []Revalidation
	for _, c := range r.Checked {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Revalidate checks that every known digest with a fixture body still works
// with the current specs: the body must carry none of the spec's markers and
// must transform cleanly. Run it whenever a spec changes.
func Revalidate(ctx context.Context, locator Locator, registry *fingerprint.Registry, specs *patchspec.Set, fixtures []Fixture) (*RevalidationReport, error) {
	if locator == nil {
		locator = python.NewParser()
	}

	report := &RevalidationReport{}
	covered := make(map[string]bool)

	for _, spec := range specs.Specs() {
		target := spec.Target.String()
		seen := make(map[fingerprint.Digest]bool)

		for _, fx := range fixtures {
			span, err := locator.Locate(ctx, fx.Source, spec.Target.Container, spec.Target.Function)
			if errors.Is(err, python.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("fixture %s: %w", fx.Name, err)
			}

			digest := fingerprint.Hash(span.Text)
			if seen[digest] || !registry.IsKnown(target, digest) {
				continue
			}
			seen[digest] = true

			check := Revalidation{
				Target:  target,
				Tags:    registry.TagsFor(target, digest),
				Digest:  digest,
				Fixture: fx.Name,
			}
			for _, tag := range check.Tags {
				covered[target+" "+tag] = true
			}

			if state := transform.Presence(span.Text, spec); !state.None() {
				check.Err = fmt.Errorf("%w: %s", ErrFixtureAlreadyPatched, strings.Join(state.Present, ", "))
			} else if res, err := transform.Apply(span.Text, spec); err != nil {
				check.Err = err
			} else {
				for _, f := range res.Fired {
					check.Fired = append(check.Fired, f.Name)
				}
			}
			report.Checked = append(report.Checked, check)
		}

		for _, e := range registry.Entries(target) {
			key := target + " " + e.Tag
			if !covered[key] {
				report.Uncovered = append(report.Uncovered, key)
			}
		}
	}

	sort.Strings(report.Uncovered)
	return report, nil
}

// LoadFixtures reads every *.py file in dir as a module snapshot.
func LoadFixtures(dir string) ([]Fixture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var out []Fixture
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".py" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", entry.Name(), err)
		}
		out = append(out, Fixture{Name: entry.Name(), Source: data})
	}
	return out, nil
}
