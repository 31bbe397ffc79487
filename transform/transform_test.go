package transform_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fnpatch/fixtures"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/transform"
)

const sampleSpec = `
id: sample
version: 1
target:
  function: f
edits:
  - name: declare-d
    anchor: "a = b = c = None"
    action: insert-after
    payload: ["d = None"]
    marker: "d = None"
  - name: branch-d
    anchor:
      regex: '^\s*if x == 1:'
    action: append-branch
    payload:
      - "elif x == 4:"
      - "    d = 4"
    marker: "elif x == 4:"
`

const sampleFunc = `def f(x):
    a = b = c = None
    if x == 1:
        a = 1
    elif x == 2:
        b = 2
    else:
        c = 3
    return a, b, c
`

func mustSpec(t *testing.T, doc string) *patchspec.Spec {
	t.Helper()
	s, err := patchspec.Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

func builtin(t *testing.T, fn string) *patchspec.Spec {
	t.Helper()
	set, err := patchspec.Builtin()
	require.NoError(t, err)
	s, ok := set.For(patchspec.Target{Container: "Person", Function: fn})
	require.True(t, ok, "no builtin spec for %s", fn)
	return s
}

func locate(t *testing.T, module, fn string) string {
	t.Helper()
	span, err := python.NewParser().Locate(context.Background(), fixtures.PersonModule(module), "Person", fn)
	require.NoError(t, err)
	return span.Text
}

func TestApply_InsertAndAppendBranchBeforeElse(t *testing.T) {
	spec := mustSpec(t, sampleSpec)

	res, err := transform.Apply(sampleFunc, spec)
	require.NoError(t, err)

	want := `def f(x):
    a = b = c = None
    d = None
    if x == 1:
        a = 1
    elif x == 2:
        b = 2
    elif x == 4:
        d = 4
    else:
        c = 3
    return a, b, c
`
	if diff := cmp.Diff(want, res.Text); diff != "" {
		t.Errorf("patched text mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, res.Changed)
	require.Len(t, res.Fired, 2)
	assert.Equal(t, "declare-d", res.Fired[0].Name)
	assert.Equal(t, "branch-d", res.Fired[1].Name)

	again, err := transform.Apply(res.Text, spec)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, res.Text, again.Text, "second application must be byte-identical")
}

func TestApply_AppendBranchWithoutElse(t *testing.T) {
	spec := mustSpec(t, sampleSpec)
	in := `def f(x):
    a = b = c = None
    if x == 1:
        a = 1
    elif x == 2:
        b = 2

    return a, b, c
`
	res, err := transform.Apply(in, spec)
	require.NoError(t, err)

	want := `def f(x):
    a = b = c = None
    d = None
    if x == 1:
        a = 1
    elif x == 2:
        b = 2
    elif x == 4:
        d = 4

    return a, b, c
`
	if diff := cmp.Diff(want, res.Text); diff != "" {
		t.Errorf("patched text mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_PersonGoldens(t *testing.T) {
	tests := []struct {
		name     string
		module   string
		function string
		golden   string
		variant  string
	}{
		{
			name:     "update_state 2025.9 with coordinates",
			module:   fixtures.Person2025_9,
			function: "_update_state",
			golden:   "update_state_2025_9.patched.py",
			variant:  "coordinates",
		},
		{
			name:     "update_state 2020.12 without coordinates",
			module:   fixtures.Person2020_12,
			function: "_update_state",
			golden:   "update_state_2020_12.patched.py",
		},
		{
			name:     "parse_source_state 2025.9",
			module:   fixtures.Person2025_9,
			function: "_parse_source_state",
			golden:   "parse_source_state_2025_9.patched.py",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := builtin(t, tt.function)
			orig := locate(t, tt.module, tt.function)

			res, err := transform.Apply(orig, spec)
			require.NoError(t, err)
			assert.True(t, res.Changed)

			if diff := cmp.Diff(fixtures.Expected(tt.golden), res.Text); diff != "" {
				t.Errorf("golden mismatch (-want +got):\n%s", diff)
			}

			var variants []string
			for _, f := range res.Fired {
				if f.Variant != "" {
					variants = append(variants, f.Variant)
				}
			}
			if tt.variant == "" {
				assert.Empty(t, variants)
			} else {
				assert.Equal(t, []string{tt.variant}, variants)
			}

			// The patched function still parses.
			assert.NoError(t, python.NewParser().CheckDefinition(context.Background(), res.Text, tt.function))

			again, err := transform.Apply(res.Text, spec)
			require.NoError(t, err)
			assert.False(t, again.Changed)
			assert.Equal(t, res.Text, again.Text)
		})
	}
}

func TestApply_PartiallyPatched(t *testing.T) {
	spec := mustSpec(t, sampleSpec)
	in := strings.Replace(sampleFunc, "    a = b = c = None\n", "    a = b = c = None\n    d = None\n", 1)

	res, err := transform.Apply(in, spec)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transform.ErrStructuralMismatch))

	var mm *transform.MismatchError
	require.True(t, errors.As(err, &mm))
	assert.True(t, mm.Partial)
	assert.Equal(t, []string{"declare-d"}, mm.Present)
	assert.Equal(t, []string{"branch-d"}, mm.Absent)
}

func TestApply_MissingAnchorDiscardsOutput(t *testing.T) {
	spec := mustSpec(t, sampleSpec)
	in := strings.Replace(sampleFunc, "if x == 1:", "if x == 10:", 1)

	res, err := transform.Apply(in, spec)
	assert.Nil(t, res, "no partial output on mismatch")
	require.Error(t, err)
	assert.True(t, transform.IsMismatch(err))

	var mm *transform.MismatchError
	require.True(t, errors.As(err, &mm))
	assert.False(t, mm.Partial)
	assert.Equal(t, []string{"branch-d"}, mm.Missing)
	assert.Equal(t, "f", mm.Target)
	assert.Contains(t, err.Error(), "branch-d")
}

func TestApply_UnknownShapeOfPersonModule(t *testing.T) {
	spec := builtin(t, "_update_state")
	orig := locate(t, fixtures.Person2025_9, "_update_state")
	reshaped := strings.Replace(orig, "elif latest_gps:", "elif latest_gps is not None:", 1)

	_, err := transform.Apply(reshaped, spec)
	assert.True(t, transform.IsMismatch(err))
}

func TestApply_IneffectiveEdit(t *testing.T) {
	spec := mustSpec(t, `
id: broken
target: {function: f}
edits:
  - name: typo
    anchor: "return a, b, c"
    action: insert-before
    payload: ["d = 5"]
    marker: "d = 4"
`)
	_, err := transform.Apply(sampleFunc, spec)
	assert.True(t, errors.Is(err, transform.ErrIneffectiveEdit))
	assert.False(t, transform.IsMismatch(err))
}

func TestApply_IndentDelta(t *testing.T) {
	in := "def f():\n  if a:\n    x = 1\n"
	spec := mustSpec(t, `
id: indent
target: {function: f}
indent_unit: "  "
edits:
  - name: dedent
    anchor: "x = 1"
    action: insert-after
    indent_delta: -1
    payload: ["else:", "  x = 2"]
    marker: "x = 2"
`)
	res, err := transform.Apply(in, spec)
	require.NoError(t, err)
	assert.Equal(t, "def f():\n  if a:\n    x = 1\n  else:\n    x = 2\n", res.Text)
}

func TestPresence(t *testing.T) {
	spec := builtin(t, "_update_state")
	orig := locate(t, fixtures.Person2025_9, "_update_state")

	state := transform.Presence(orig, spec)
	assert.True(t, state.None())
	assert.Len(t, state.Absent, 3)

	state = transform.Presence(fixtures.Expected("update_state_2025_9.patched.py"), spec)
	assert.True(t, state.All())
}
