// Package transform applies a patch spec to the source text of one function.
//
// Application is all-or-nothing: either every edit fires and the full patched
// text is returned, or the input is left alone and a *MismatchError explains
// which anchors were missing. Applying a spec to its own output is a no-op.
package transform

import (
	"fmt"
	"slices"
	"strings"

	"github.com/c360studio/fnpatch/patchspec"
)

// Result is the outcome of a successful Apply.
type Result struct {
	SpecID string
	Text   string

	// Changed is false when every marker was already present.
	Changed bool

	// Fired lists the edits applied, in spec order.
	Fired []FiredEdit
}

// Variant names the payload variants that fired, sorted and joined with "+".
// It is empty when every edit used its base payload.
func (r *Result) Variant() string {
	var names []string
	for _, f := range r.Fired {
		if f.Variant != "" && !slices.Contains(names, f.Variant) {
			names = append(names, f.Variant)
		}
	}
	slices.Sort(names)
	return strings.Join(names, "+")
}

// FiredEdit records where an edit landed.
type FiredEdit struct {
	Name    string
	Variant string
	// Line is the 0-based index of the anchor line in the input.
	Line int
}

// MarkerState is the per-edit presence of markers in a text.
type MarkerState struct {
	Present []string
	Absent  []string
}

// All reports whether every marker is present.
func (m MarkerState) All() bool { return len(m.Absent) == 0 }

// None reports whether no marker is present.
func (m MarkerState) None() bool { return len(m.Present) == 0 }

// Presence checks the effective marker of each edit against text.
func Presence(text string, spec *patchspec.Spec) MarkerState {
	lines := strings.Split(text, "\n")
	return presence(lines, resolve(lines, spec))
}

// Apply rewrites text according to spec.
func Apply(text string, spec *patchspec.Spec) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil patch spec")
	}

	lines := strings.Split(text, "\n")
	edits := resolve(lines, spec)

	state := presence(lines, edits)
	switch {
	case state.All():
		return &Result{SpecID: spec.ID, Text: text}, nil
	case !state.None():
		return nil, &MismatchError{
			SpecID:  spec.ID,
			Target:  spec.Target.String(),
			Present: state.Present,
			Absent:  state.Absent,
			Partial: true,
		}
	}

	out, fired := pass(lines, edits, spec.Indent())

	var missing []string
	for i, r := range edits {
		if fired[i] == nil {
			missing = append(missing, r.Edit.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &MismatchError{
			SpecID:  spec.ID,
			Target:  spec.Target.String(),
			Missing: missing,
		}
	}

	for _, r := range edits {
		if !r.Marker.MatchAny(out) {
			return nil, fmt.Errorf("%w: %s/%s marker %s", ErrIneffectiveEdit, spec.ID, r.Edit.Name, r.Marker)
		}
	}

	res := &Result{
		SpecID:  spec.ID,
		Text:    strings.Join(out, "\n"),
		Changed: true,
	}
	for _, f := range fired {
		res.Fired = append(res.Fired, *f)
	}
	return res, nil
}

// resolve picks variants against the unmodified lines so later edits cannot
// change which payload an earlier check selected.
func resolve(lines []string, spec *patchspec.Spec) []patchspec.Resolved {
	out := make([]patchspec.Resolved, len(spec.Edits))
	for i := range spec.Edits {
		out[i] = spec.Edits[i].Resolve(lines)
	}
	return out
}

func presence(lines []string, edits []patchspec.Resolved) MarkerState {
	var state MarkerState
	for _, r := range edits {
		if r.Marker.MatchAny(lines) {
			state.Present = append(state.Present, r.Edit.Name)
		} else {
			state.Absent = append(state.Absent, r.Edit.Name)
		}
	}
	return state
}

// pass walks the original lines once. Each line is emitted verbatim (or
// replaced), then pending edits are tested against it; an edit fires on its
// first matching line only. Payload lines are never tested against anchors.
// fired[i] is nil when edits[i] did not fire.
func pass(lines []string, edits []patchspec.Resolved, unit string) ([]string, []*FiredEdit) {
	fired := make([]*FiredEdit, len(edits))
	// deferred[i] is emitted immediately before original line i.
	deferred := make(map[int][]string)

	out := make([]string, 0, len(lines))
	for i, line := range lines {
		var before, after, replacement []string
		replaced := false

		for j, r := range edits {
			if fired[j] != nil || !r.Edit.Anchor.Match(line) {
				continue
			}
			base := adjustIndent(leadingWhitespace(line), r.Edit.IndentDelta, unit)
			payload := indentPayload(r.Payload, base)

			switch r.Edit.Action {
			case patchspec.ActionInsertBefore:
				before = append(before, payload...)
			case patchspec.ActionInsertAfter:
				after = append(after, payload...)
			case patchspec.ActionReplaceLine:
				if replaced {
					continue
				}
				replaced = true
				replacement = payload
			case patchspec.ActionAppendBranch:
				at := branchInsertPoint(lines, i)
				if at < 0 {
					continue
				}
				if at == i+1 {
					after = append(after, payload...)
				} else {
					deferred[at] = append(deferred[at], payload...)
				}
			default:
				continue
			}
			fired[j] = &FiredEdit{Name: r.Edit.Name, Variant: r.Variant, Line: i}
		}

		out = append(out, deferred[i]...)
		out = append(out, before...)
		if replaced {
			out = append(out, replacement...)
		} else {
			out = append(out, line)
		}
		out = append(out, after...)
	}
	out = append(out, deferred[len(lines)]...)
	return out, fired
}

// branchInsertPoint returns the index at which a new elif belongs for the
// if-chain headed at lines[head]: before the chain's final else, or after the
// body of its last branch. It returns -1 if head is not an if/elif line.
func branchInsertPoint(lines []string, head int) int {
	headIndent := leadingWhitespace(lines[head])
	headText := strings.TrimSpace(lines[head])
	if !strings.HasPrefix(headText, "if ") && !strings.HasPrefix(headText, "elif ") {
		return -1
	}

	lastBody := head
	for i := head + 1; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indent := leadingWhitespace(line)
		if len(indent) > len(headIndent) {
			lastBody = i
			continue
		}
		if indent != headIndent {
			break
		}
		if strings.HasPrefix(trimmed, "elif ") {
			lastBody = i
			continue
		}
		if strings.HasPrefix(trimmed, "else:") {
			return i
		}
		break
	}
	return lastBody + 1
}

func indentPayload(payload []string, base string) []string {
	out := make([]string, len(payload))
	for i, line := range payload {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out[i] = base + line
	}
	return out
}

func adjustIndent(indent string, delta int, unit string) string {
	switch {
	case delta > 0:
		return indent + strings.Repeat(unit, delta)
	case delta < 0:
		trim := len(unit) * -delta
		if len(indent) < trim {
			return ""
		}
		return indent[:len(indent)-trim]
	}
	return indent
}

func leadingWhitespace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
