package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fnpatch/engine"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/fixtures"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/person"
	"github.com/c360studio/fnpatch/processor/ast/python"
)

func personFixtures() []engine.Fixture {
	var out []engine.Fixture
	for _, name := range fixtures.PersonModules() {
		out = append(out, engine.Fixture{Name: name, Source: fixtures.PersonModule(name)})
	}
	return out
}

func TestRevalidate_KnownVersionsStillTransform(t *testing.T) {
	specs, err := patchspec.Builtin()
	require.NoError(t, err)

	report, err := engine.Revalidate(context.Background(), nil, knownRegistry(t), specs, personFixtures())
	require.NoError(t, err)

	require.Len(t, report.Checked, 10, "six _update_state and four _parse_source_state bodies")
	assert.Empty(t, report.Failed())
	assert.Empty(t, report.Uncovered, "every shipped registry entry has a fixture body")
	for _, c := range report.Checked {
		assert.NotEmpty(t, c.Fired, c.Target)
	}
}

func TestRevalidate_FlagsPatchedBodyAndUncoveredEntries(t *testing.T) {
	specs, err := patchspec.Builtin()
	require.NoError(t, err)

	src := fixtures.PersonModule(fixtures.Person2025_9)
	span := spanOf(t, src, person.UpdateStateAttr)
	patched := python.ReplaceSpan(src, span, fixtures.Expected("update_state_2025_9.patched.py"))

	reg := fingerprint.NewRegistry()
	target := person.UpdateStateTarget.String()
	require.NoError(t, reg.Add(target, "bogus.1", fingerprint.Hash(spanOf(t, patched, person.UpdateStateAttr).Text)))
	require.NoError(t, reg.Add(target, "2019.1.0+", fingerprint.Hash("no fixture for this one")))

	report, err := engine.Revalidate(context.Background(), nil, reg, specs,
		[]engine.Fixture{{Name: "patched.py", Source: patched}})
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.True(t, errors.Is(failed[0].Err, engine.ErrFixtureAlreadyPatched))
	assert.Equal(t, []string{"bogus.1"}, failed[0].Tags)
	assert.Equal(t, []string{"Person._update_state 2019.1.0+"}, report.Uncovered)
}

func TestRevalidate_WithoutFixturesEverythingIsUncovered(t *testing.T) {
	specs, err := patchspec.Builtin()
	require.NoError(t, err)

	report, err := engine.Revalidate(context.Background(), nil, knownRegistry(t), specs, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Checked)
	assert.Len(t, report.Uncovered, 10)
	assert.Contains(t, report.Uncovered, "Person._parse_source_state 2020.12.0+")
}

func TestLoadFixtures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025.9.0.py"), fixtures.PersonModule(fixtures.Person2025_9), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644))

	fx, err := engine.LoadFixtures(dir)
	require.NoError(t, err)
	require.Len(t, fx, 1)
	assert.Equal(t, "2025.9.0.py", fx[0].Name)

	_, err = engine.LoadFixtures(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
