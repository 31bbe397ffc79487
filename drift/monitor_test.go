package drift_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/fnpatch/drift"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/fixtures"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/person"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/upstream"
)

type fakeSource struct {
	latest string
	files  map[string][]byte
	err    error
}

func (s *fakeSource) LatestStableTag(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.latest, nil
}

func (s *fakeSource) Fetch(_ context.Context, tag string) ([]byte, error) {
	data, ok := s.files[tag]
	if !ok {
		return nil, &upstream.FetchError{URL: "https://raw.test/" + tag, StatusCode: http.StatusNotFound}
	}
	return data, nil
}

type blobSource struct{ *fakeSource }

func (s blobSource) BlobURL(tag string) string {
	return "https://github.com/home-assistant/core/blob/" + tag + "/homeassistant/components/person/__init__.py"
}

type fakeTracker struct {
	mu      sync.Mutex
	open    []drift.OpenReport
	created []string
	listErr error
}

func (t *fakeTracker) ListOpenReports(context.Context) ([]drift.OpenReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listErr != nil {
		return nil, t.listErr
	}
	return append([]drift.OpenReport(nil), t.open...), nil
}

func (t *fakeTracker) CreateReport(_ context.Context, title, body string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created = append(t.created, title+"\n"+body)
	url := fmt.Sprintf("https://tracker.test/%d", len(t.created))
	t.open = append(t.open, drift.OpenReport{Title: title, URL: url})
	return url, nil
}

type fakeSink struct {
	reports []drift.Report
}

func (s *fakeSink) Publish(_ context.Context, r drift.Report) error {
	s.reports = append(s.reports, r)
	return nil
}

type fakeRecorder struct {
	checks  []string
	reports []string
}

func (r *fakeRecorder) RecordDriftCheck(outcome string, _ time.Duration) {
	r.checks = append(r.checks, outcome)
}

func (r *fakeRecorder) RecordDriftReport(target string) {
	r.reports = append(r.reports, target)
}

var targets = []patchspec.Target{person.UpdateStateTarget, person.ParseSourceStateTarget}

// registryFor registers both targets of the given fixture module.
func registryFor(t *testing.T, module string) *fingerprint.Registry {
	t.Helper()
	reg := fingerprint.NewRegistry()
	src := fixtures.PersonModule(module)
	for _, target := range targets {
		span, err := python.NewParser().Locate(context.Background(), src, target.Container, target.Function)
		require.NoError(t, err)
		require.NoError(t, reg.Add(target.String(), "2020.12.0+", fingerprint.Hash(span.Text)))
	}
	return reg
}

func newMonitor(t *testing.T, src upstream.Source, reg *fingerprint.Registry, tracker drift.Tracker, sink drift.Sink, rec drift.Recorder) *drift.Monitor {
	t.Helper()
	m, err := drift.NewMonitor(drift.Config{
		Source:   src,
		Registry: reg,
		Targets:  targets,
		Tracker:  tracker,
		Sink:     sink,
		Recorder: rec,
	})
	require.NoError(t, err)
	return m
}

func TestCheck_KnownVersionIsClean(t *testing.T) {
	src := &fakeSource{latest: "2020.12.2", files: map[string][]byte{
		"2020.12.2": fixtures.PersonModule(fixtures.Person2020_12),
	}}
	tracker := &fakeTracker{}
	rec := &fakeRecorder{}

	res, err := newMonitor(t, src, registryFor(t, fixtures.Person2020_12), tracker, nil, rec).Check(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2020.12.2", res.Tag)
	assert.ElementsMatch(t, []string{"Person._update_state", "Person._parse_source_state"}, res.Known)
	assert.Empty(t, res.Reports)
	assert.Empty(t, tracker.created)
	assert.Equal(t, []string{drift.OutcomeClean}, rec.checks)
}

func TestCheck_FilesOneReportPerChangedFunction(t *testing.T) {
	src := blobSource{&fakeSource{latest: "2025.9.1", files: map[string][]byte{
		"2025.9.1": fixtures.PersonModule(fixtures.Person2025_9),
	}}}
	tracker := &fakeTracker{}
	sink := &fakeSink{}
	rec := &fakeRecorder{}
	m := newMonitor(t, src, registryFor(t, fixtures.Person2020_12), tracker, sink, rec)

	res, err := m.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Filed, 2)
	require.Len(t, tracker.created, 2)
	first := tracker.created[0]
	assert.True(t, strings.HasPrefix(first, "[AutoCheck] Person._update_state changed in 2025.9.1\n"), first)
	assert.Contains(t, first, string(res.Filed[0].Report.ObservedHash))
	assert.Contains(t, first, "https://github.com/home-assistant/core/blob/2025.9.1/homeassistant/components/person/__init__.py")
	assert.Len(t, sink.reports, 2)
	assert.Equal(t, []string{"Person._update_state", "Person._parse_source_state"}, rec.reports)
	assert.Equal(t, []string{drift.OutcomeReported}, rec.checks)

	// A second run with the reports still open files nothing.
	res, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Filed)
	assert.Len(t, res.Duplicates, 2)
	assert.Len(t, tracker.created, 2)
}

func TestCheck_DuplicateMatchesTagBoundary(t *testing.T) {
	src := &fakeSource{latest: "2025.9.1", files: map[string][]byte{
		"2025.9.1": fixtures.PersonModule(fixtures.Person2025_9),
	}}
	tracker := &fakeTracker{open: []drift.OpenReport{
		{Title: "[AutoCheck] Person._update_state changed in 2025.9.10", URL: "u1"},
		{Title: "[AutoCheck] Person._parse_source_state changed in 2025.9.1", URL: "u2"},
	}}

	res, err := newMonitor(t, src, fingerprint.NewRegistry(), tracker, nil, nil).Check(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Filed, 1)
	assert.Equal(t, "Person._update_state", res.Filed[0].Report.Function)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, "Person._parse_source_state", res.Duplicates[0].Function)
}

func TestCheck_NoTrackerLeavesReportsPending(t *testing.T) {
	src := &fakeSource{latest: "2025.9.1", files: map[string][]byte{
		"2025.9.1": fixtures.PersonModule(fixtures.Person2025_9),
	}}
	rec := &fakeRecorder{}

	res, err := newMonitor(t, src, fingerprint.NewRegistry(), nil, nil, rec).Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Pending, 2)
	assert.Empty(t, res.Filed)
	assert.Equal(t, []string{drift.OutcomePending}, rec.checks)
}

func TestCheck_FetchErrorAbortsRun(t *testing.T) {
	src := &fakeSource{latest: "2025.9.1", files: map[string][]byte{}}
	tracker := &fakeTracker{}
	rec := &fakeRecorder{}

	_, err := newMonitor(t, src, fingerprint.NewRegistry(), tracker, nil, rec).Check(context.Background())
	var fetchErr *upstream.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.True(t, fetchErr.NotFound())
	assert.Empty(t, tracker.created)
	assert.Equal(t, []string{drift.OutcomeFetchError}, rec.checks)
}

func TestCheck_MissingFunctionIsNotReported(t *testing.T) {
	src := &fakeSource{latest: "2026.1.0", files: map[string][]byte{
		"2026.1.0": []byte("class Person:\n    def other(self):\n        pass\n"),
	}}
	tracker := &fakeTracker{}
	var logs bytes.Buffer

	m, err := drift.NewMonitor(drift.Config{
		Source:   src,
		Registry: fingerprint.NewRegistry(),
		Targets:  targets,
		Tracker:  tracker,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	res, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.NotFound, 2)
	assert.Empty(t, res.Reports)
	assert.Empty(t, tracker.created)
	assert.Contains(t, logs.String(), `msg="locate failure, no report filed"`)
	assert.Contains(t, logs.String(), "target=Person._update_state")
}

func TestCheck_TrackerListErrorFails(t *testing.T) {
	src := &fakeSource{latest: "2025.9.1", files: map[string][]byte{
		"2025.9.1": fixtures.PersonModule(fixtures.Person2025_9),
	}}
	tracker := &fakeTracker{listErr: errors.New("rate limited")}

	_, err := newMonitor(t, src, fingerprint.NewRegistry(), tracker, nil, nil).Check(context.Background())
	assert.ErrorContains(t, err, "rate limited")
}

func TestNewMonitor_Validation(t *testing.T) {
	_, err := drift.NewMonitor(drift.Config{Registry: fingerprint.NewRegistry(), Targets: targets})
	assert.Error(t, err)
	_, err = drift.NewMonitor(drift.Config{Source: &fakeSource{}, Targets: targets})
	assert.Error(t, err)
	_, err = drift.NewMonitor(drift.Config{Source: &fakeSource{}, Registry: fingerprint.NewRegistry()})
	assert.Error(t, err)
}
