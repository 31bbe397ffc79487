// Package patchdiff renders original and patched function spans for review.
package patchdiff

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/aymanbagabas/go-udiff"
	"github.com/aymanbagabas/go-udiff/myers"
	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/c360studio/fnpatch/fingerprint"
)

// Output file names written by WriteFiles.
const (
	OriginalFile = "original_code.txt"
	PatchedFile  = "patched_code.txt"
	HashFile     = "hash.txt"
)

// DefaultStyle is the chroma style used for terminal output.
const DefaultStyle = "monokai"

// Pair is one function before and after patching.
type Pair struct {
	Target   string
	Digest   fingerprint.Digest
	Original string
	Patched  string
}

// Changed reports whether patching altered the function.
func (p Pair) Changed() bool {
	return p.Original != p.Patched
}

// Unified returns the line-level unified diff of the pair, or "" when
// unchanged. Edits are whole lines so a hunk never splits a line.
func (p Pair) Unified() string {
	if !p.Changed() {
		return ""
	}
	edits := myers.ComputeEdits(p.Original, p.Patched)
	unified, err := udiff.ToUnified("a/"+p.Target, "b/"+p.Target, p.Original, edits, udiff.DefaultContextLines)
	if err != nil {
		return ""
	}
	return unified
}

// Stats counts added and deleted lines in the pair's diff.
func (p Pair) Stats() (added, deleted int, err error) {
	unified := p.Unified()
	if unified == "" {
		return 0, 0, nil
	}
	files, _, err := gitdiff.Parse(strings.NewReader(unified))
	if err != nil {
		return 0, 0, fmt.Errorf("parse diff of %s: %w", p.Target, err)
	}
	for _, f := range files {
		for _, frag := range f.TextFragments {
			added += int(frag.LinesAdded)
			deleted += int(frag.LinesDeleted)
		}
	}
	return added, deleted, nil
}

// Review is every patched function of one host version.
type Review struct {
	Tag   string
	Pairs []Pair
}

// Highlight writes source to w with terminal colours. lexer is a chroma
// lexer name such as "python" or "diff".
func Highlight(w io.Writer, source, lexer, style string) error {
	if style == "" {
		style = DefaultStyle
	}
	return quick.Highlight(w, source, lexer, "terminal256", style)
}

// Render writes the review. With color set, code is highlighted.
func Render(w io.Writer, r Review, color bool) error {
	emit := func(source, lexer string) error {
		if color {
			return Highlight(w, source, lexer, "")
		}
		_, err := io.WriteString(w, source)
		return err
	}

	for _, p := range r.Pairs {
		added, deleted, err := p.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "=== %s (%s) +%d -%d\n", p.Target, p.Digest.Short(), added, deleted)
		if !p.Changed() {
			fmt.Fprintln(w, "(unchanged)")
			continue
		}
		if err := emit(p.Unified(), "diff"); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	return nil
}

// HashSnippet returns registry YAML entries for the review's tag.
func HashSnippet(r Review) ([]byte, error) {
	reg := fingerprint.NewRegistry()
	for _, p := range r.Pairs {
		if err := reg.Add(p.Target, r.Tag+"+", p.Digest); err != nil {
			return nil, err
		}
	}
	return reg.Marshal()
}

// WriteFiles writes original_code.txt, patched_code.txt and hash.txt to dir.
func WriteFiles(dir string, r Review) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	originals := make([]string, 0, len(r.Pairs))
	patched := make([]string, 0, len(r.Pairs))
	for _, p := range r.Pairs {
		originals = append(originals, p.Original)
		patched = append(patched, p.Patched)
	}
	hashes, err := HashSnippet(r)
	if err != nil {
		return err
	}

	files := map[string][]byte{
		OriginalFile: []byte(strings.Join(originals, "\n\n")),
		PatchedFile:  []byte(strings.Join(patched, "\n\n")),
		HashFile:     hashes,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
