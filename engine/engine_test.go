package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fnpatch/engine"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/fixtures"
	"github.com/c360studio/fnpatch/host"
	"github.com/c360studio/fnpatch/installer"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/person"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/transform"
)

type harness struct {
	source   *host.StaticSource
	runtime  *host.Runtime
	manager  *installer.PatchManager
	engine   *engine.Engine
	registry *fingerprint.Registry
	logs     *bytes.Buffer
	recorder *fakeRecorder
	checker  *spyChecker
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRecorder) RecordPatchAttempt(target, state, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, target+" "+state+" "+result)
}

type spyChecker struct {
	calls int
	err   error
}

func (s *spyChecker) CheckDefinition(ctx context.Context, text, function string) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	return python.NewParser().CheckDefinition(ctx, text, function)
}

func spanOf(t *testing.T, module []byte, fn string) *python.FunctionSpan {
	t.Helper()
	span, err := python.NewParser().Locate(context.Background(), module, person.ContainerName, fn)
	require.NoError(t, err)
	return span
}

// knownRegistry is the registry shipped with the binary.
func knownRegistry(t *testing.T) *fingerprint.Registry {
	t.Helper()
	reg, err := fingerprint.Builtin()
	require.NoError(t, err)
	return reg
}

func newHarness(t *testing.T, reg *fingerprint.Registry, module []byte) *harness {
	t.Helper()

	specs, err := patchspec.Builtin()
	require.NoError(t, err)

	h := &harness{
		source:   &host.StaticSource{Name: "person/__init__.py", Data: module},
		registry: reg,
		logs:     &bytes.Buffer{},
		recorder: &fakeRecorder{},
		checker:  &spyChecker{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h.runtime = host.NewRuntime(h.source)
	h.runtime.Register(person.NewContainer())

	variants := installer.NewVariants()
	require.NoError(t, person.RegisterVariants(variants))
	h.manager = installer.NewPatchManager(h.runtime, variants,
		installer.WithLogger(logger),
		installer.WithChecker(h.checker))

	h.engine, err = engine.New(engine.Config{
		Registry: reg,
		Specs:    specs,
		Manager:  h.manager,
		Recorder: h.recorder,
		Logger:   logger,
	})
	require.NoError(t, err)
	return h
}

// officeScenario has a router tracker in a named zone and a GPS tracker away.
func officeScenario(t *testing.T, c *host.Container) *person.Person {
	t.Helper()
	t0 := time.Date(2025, 9, 10, 8, 0, 0, 0, time.UTC)

	store := person.NewMemoryStore()
	store.Set(&person.State{
		EntityID:    "device_tracker.phone_wifi",
		State:       "Work Office",
		Attributes:  map[string]any{person.AttrSourceType: person.SourceTypeRouter},
		LastUpdated: t0,
	})
	store.Set(&person.State{
		EntityID:   "zone.work_office",
		State:      "0",
		Attributes: map[string]any{person.AttrLatitude: 45.46, person.AttrLongitude: 9.19},
	})
	store.Set(&person.State{
		EntityID: "device_tracker.phone_gps",
		State:    person.StateNotHome,
		Attributes: map[string]any{
			person.AttrSourceType:  person.SourceTypeGPS,
			person.AttrLatitude:    45.0,
			person.AttrLongitude:   9.0,
			person.AttrGPSAccuracy: 12.0,
		},
		LastUpdated: t0.Add(time.Minute),
	})
	return person.New(c, store, "alice", "device_tracker.phone_wifi", "device_tracker.phone_gps")
}

func personContainer(t *testing.T, h *harness) *host.Container {
	t.Helper()
	c, ok := h.runtime.Container(person.ContainerName)
	require.True(t, ok)
	return c
}

func TestApply_KnownUnpatchedInstallsZoneBehaviour(t *testing.T) {
	h := newHarness(t, knownRegistry(t), fixtures.PersonModule(fixtures.Person2025_9))
	p := officeScenario(t, personContainer(t, h))

	require.NoError(t, p.UpdateState())
	assert.Equal(t, person.StateNotHome, p.Snapshot().State, "upstream behaviour prefers GPS")

	outcomes := h.engine.ApplyAll(context.Background())
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.NoError(t, o.Err, o.Target.String())
		assert.Equal(t, engine.StateKnownPatched, o.State)
		assert.Equal(t, engine.ResultInstalled, o.Result)
		assert.Equal(t, []string{"2025.9.0+"}, o.Tags)
	}

	require.NoError(t, p.UpdateState())
	snap := p.Snapshot()
	assert.Equal(t, "Work Office", snap.State)
	assert.Equal(t, "device_tracker.phone_wifi", snap.Source)
	require.NotNil(t, snap.Latitude)
	assert.InDelta(t, 45.46, *snap.Latitude, 1e-9, "zone coordinates fill in for the router tracker")
	assert.Nil(t, snap.GPSAccuracy, "accuracy is only reported for GPS sources")
	assert.Equal(t, 2, p.Writes())

	installed, ok := h.manager.Installed(person.UpdateStateTarget)
	require.True(t, ok)
	assert.Equal(t, fixtures.Expected("update_state_2025_9.patched.py"), installed.PatchedText)

	// Second attempt is a no-op.
	o := h.engine.Apply(context.Background(), person.UpdateStateTarget)
	assert.Equal(t, engine.StateKnownPatched, o.State)
	assert.Equal(t, engine.ResultNoop, o.Result)
	assert.Equal(t, 2, h.checker.calls)
	assert.Len(t, h.recorder.calls, 3)
}

func TestApplyAll_BuiltinRegistryPatchesEveryRelease(t *testing.T) {
	for _, name := range fixtures.PersonModules() {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, knownRegistry(t), fixtures.PersonModule(name))

			outcomes := h.engine.ApplyAll(context.Background())
			require.Len(t, outcomes, 2)
			for _, o := range outcomes {
				assert.NoError(t, o.Err, o.Target.String())
				assert.Equal(t, engine.StateKnownPatched, o.State, o.Target.String())
				assert.Equal(t, engine.ResultInstalled, o.Result, o.Target.String())
				assert.NotEmpty(t, o.Tags, o.Target.String())
			}

			installed, ok := h.manager.Installed(person.UpdateStateTarget)
			require.True(t, ok)
			wantVariant := ""
			if name == fixtures.Person2025_9 {
				wantVariant = person.CoordinatesVariant
			}
			assert.Equal(t, wantVariant, installed.Variant)
		})
	}
}

func TestApply_BaseVariantKeepsTrackerPosition(t *testing.T) {
	h := newHarness(t, knownRegistry(t), fixtures.PersonModule(fixtures.Person2020_12))
	p := officeScenario(t, personContainer(t, h))

	for _, o := range h.engine.ApplyAll(context.Background()) {
		require.Equal(t, engine.ResultInstalled, o.Result, o.Target.String())
	}

	require.NoError(t, p.UpdateState())
	snap := p.Snapshot()
	assert.Equal(t, "Work Office", snap.State)
	assert.Nil(t, snap.Latitude, "releases without a coordinates block never read the zone entity")
}

func TestApply_UnknownDigestNeverInvokesInstaller(t *testing.T) {
	reg := fingerprint.NewRegistry()
	require.NoError(t, reg.Add(person.UpdateStateTarget.String(), "v1", fingerprint.Hash("h1 body")))
	require.NoError(t, reg.Add(person.UpdateStateTarget.String(), "v2", fingerprint.Hash("h2 body")))

	h := newHarness(t, reg, fixtures.PersonModule(fixtures.Person2025_9))
	p := officeScenario(t, personContainer(t, h))

	for i := 0; i < 3; i++ {
		o := h.engine.Apply(context.Background(), person.UpdateStateTarget)
		assert.Equal(t, engine.StateUnknownVersion, o.State)
		assert.Equal(t, engine.ResultUnknown, o.Result)
		assert.True(t, errors.Is(o.Err, installer.ErrUnknownFingerprint))
		assert.Empty(t, o.Tags)
	}

	assert.Zero(t, h.checker.calls, "installer never invoked")
	_, ok := h.manager.Installed(person.UpdateStateTarget)
	assert.False(t, ok)
	assert.Equal(t, 1, strings.Count(h.logs.String(), "Unknown version of host function"), "warned once")

	require.NoError(t, p.UpdateState())
	assert.Equal(t, person.StateNotHome, p.Snapshot().State, "original behaviour still bound")
}

func TestApply_CompileErrorLeavesOriginalBound(t *testing.T) {
	h := newHarness(t, knownRegistry(t), fixtures.PersonModule(fixtures.Person2025_9))
	h.checker.err = python.ErrSyntax
	p := officeScenario(t, personContainer(t, h))

	o := h.engine.Apply(context.Background(), person.UpdateStateTarget)
	assert.Equal(t, engine.StateKnownUnpatched, o.State)
	assert.Equal(t, engine.ResultCompileError, o.Result)
	assert.True(t, errors.Is(o.Err, installer.ErrCompile))

	_, ok := h.manager.Installed(person.UpdateStateTarget)
	assert.False(t, ok)

	require.NoError(t, p.UpdateState())
	assert.Equal(t, person.StateNotHome, p.Snapshot().State)
}

func TestApply_HostAlreadyCarriesPatch(t *testing.T) {
	src := fixtures.PersonModule(fixtures.Person2025_9)
	span := spanOf(t, src, person.UpdateStateAttr)
	patched := python.ReplaceSpan(src, span, fixtures.Expected("update_state_2025_9.patched.py"))

	h := newHarness(t, knownRegistry(t), patched)
	o := h.engine.Apply(context.Background(), person.UpdateStateTarget)

	assert.Equal(t, engine.StateKnownPatched, o.State)
	assert.Equal(t, engine.ResultAlreadyPresent, o.Result)
	assert.NoError(t, o.Err)
	assert.Zero(t, h.checker.calls)
}

func TestApply_HostChangesAfterInstall(t *testing.T) {
	h := newHarness(t, knownRegistry(t), fixtures.PersonModule(fixtures.Person2025_9))

	o := h.engine.Apply(context.Background(), person.UpdateStateTarget)
	require.Equal(t, engine.ResultInstalled, o.Result)

	// The host is upgraded in place to a version nobody has seen.
	h.source.Data = bytes.Replace(h.source.Data, []byte(`"""Update the state."""`), []byte(`"""Update the person state."""`), 1)

	for i := 0; i < 2; i++ {
		o = h.engine.Apply(context.Background(), person.UpdateStateTarget)
		assert.Equal(t, engine.StateUnknownVersion, o.State)
		assert.Equal(t, engine.ResultKept, o.Result)
	}
	_, ok := h.manager.Installed(person.UpdateStateTarget)
	assert.True(t, ok, "installed patch is kept")
	assert.Equal(t, 1, strings.Count(h.logs.String(), "keeping installed patch"))
}

func TestApply_KnownDigestStructuralMismatch(t *testing.T) {
	src := fixtures.PersonModule(fixtures.Person2025_9)
	reshaped := bytes.Replace(src, []byte("        elif latest_gps:\n"), []byte("        elif latest_gps is not None:\n"), 1)

	reg := fingerprint.NewRegistry()
	require.NoError(t, reg.Add(person.UpdateStateTarget.String(), "bad.0",
		fingerprint.Hash(spanOf(t, reshaped, person.UpdateStateAttr).Text)))

	h := newHarness(t, reg, reshaped)
	o := h.engine.Apply(context.Background(), person.UpdateStateTarget)

	assert.Equal(t, engine.StateKnownUnpatched, o.State)
	assert.Equal(t, engine.ResultMismatch, o.Result)
	assert.True(t, transform.IsMismatch(o.Err))
	assert.Zero(t, h.checker.calls)
}

func TestApply_LocateFailure(t *testing.T) {
	h := newHarness(t, knownRegistry(t), []byte("class Zone:\n    pass\n"))

	o := h.engine.Apply(context.Background(), person.UpdateStateTarget)
	assert.Equal(t, engine.ResultNotFound, o.Result)
	assert.True(t, errors.Is(o.Err, python.ErrNotFound))
	assert.Contains(t, h.logs.String(), "locate failure")
}

func TestApply_NoSpec(t *testing.T) {
	h := newHarness(t, knownRegistry(t), fixtures.PersonModule(fixtures.Person2025_9))

	o := h.engine.Apply(context.Background(), patchspec.Target{Container: "Person", Function: "_get_latest"})
	assert.True(t, errors.Is(o.Err, engine.ErrNoSpec))
}

type panicLocator struct{}

func (panicLocator) Locate(context.Context, []byte, string, string) (*python.FunctionSpan, error) {
	panic("boom")
}

func TestApply_RecoversPanic(t *testing.T) {
	specs, err := patchspec.Builtin()
	require.NoError(t, err)
	rt := host.NewRuntime(&host.StaticSource{Data: []byte("x")})
	rt.Register(person.NewContainer())

	e, err := engine.New(engine.Config{
		Registry: fingerprint.NewRegistry(),
		Specs:    specs,
		Manager:  installer.NewPatchManager(rt, nil),
		Locator:  panicLocator{},
		Logger:   slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
	})
	require.NoError(t, err)

	o := e.Apply(context.Background(), person.UpdateStateTarget)
	assert.Equal(t, engine.ResultError, o.Result)
	assert.True(t, errors.Is(o.Err, engine.ErrPanic))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := engine.New(engine.Config{})
	assert.Error(t, err)
}
