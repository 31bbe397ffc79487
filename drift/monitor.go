package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/fnpatch/engine"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/upstream"
)

// Check outcomes passed to Recorder.RecordDriftCheck.
const (
	OutcomeClean      = "clean"
	OutcomeReported   = "reported"
	OutcomePending    = "pending"
	OutcomeFetchError = "fetch_error"
	OutcomeError      = "error"
)

// Recorder receives one call per check and one per filed report.
type Recorder interface {
	RecordDriftCheck(outcome string, duration time.Duration)
	RecordDriftReport(target string)
}

// blobLinker is implemented by sources that can link a human to the file.
type blobLinker interface {
	BlobURL(tag string) string
}

// Config configures a Monitor.
type Config struct {
	Source   upstream.Source
	Registry *fingerprint.Registry
	Targets  []patchspec.Target

	// Tracker is optional. Without one, reports are returned as Pending.
	Tracker Tracker

	// Sink is optional.
	Sink Sink

	// Locator defaults to the tree-sitter parser.
	Locator engine.Locator

	// Recorder is optional.
	Recorder Recorder

	// Logger for logging events
	Logger *slog.Logger

	now func() time.Time
}

// FiledReport is a report created on the tracker in this run.
type FiledReport struct {
	Report Report
	URL    string
}

// CheckResult summarizes one run.
type CheckResult struct {
	RunID uuid.UUID
	Tag   string

	// Known lists targets whose upstream digest is registered.
	Known []string

	// NotFound lists targets absent from the upstream module.
	NotFound []string

	// Reports holds one report per target with an unknown digest.
	Reports []Report

	// Filed holds the reports created on the tracker.
	Filed []FiledReport

	// Duplicates holds reports already open on the tracker.
	Duplicates []Report

	// Pending holds reports that could not be filed because no tracker is
	// configured.
	Pending []Report
}

// Monitor compares the latest upstream release against the registry.
type Monitor struct {
	source   upstream.Source
	registry *fingerprint.Registry
	targets  []patchspec.Target
	tracker  Tracker
	sink     Sink
	locator  engine.Locator
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("drift: source is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("drift: registry is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("drift: at least one target is required")
	}

	m := &Monitor{
		source:   cfg.Source,
		registry: cfg.Registry,
		targets:  cfg.Targets,
		tracker:  cfg.Tracker,
		sink:     cfg.Sink,
		locator:  cfg.Locator,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		now:      cfg.now,
	}
	if m.locator == nil {
		m.locator = python.NewParser()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Check runs one monitoring pass. A fetch failure aborts the run with an
// error wrapping *upstream.FetchError; nothing is retried in-process.
func (m *Monitor) Check(ctx context.Context) (*CheckResult, error) {
	start := m.now()
	res, err := m.check(ctx)
	if m.recorder != nil {
		m.recorder.RecordDriftCheck(outcomeOf(res, err), m.now().Sub(start))
	}
	return res, err
}

func outcomeOf(res *CheckResult, err error) string {
	var fetchErr *upstream.FetchError
	switch {
	case errors.As(err, &fetchErr):
		return OutcomeFetchError
	case err != nil:
		return OutcomeError
	case len(res.Pending) > 0:
		return OutcomePending
	case len(res.Filed) > 0:
		return OutcomeReported
	default:
		return OutcomeClean
	}
}

func (m *Monitor) check(ctx context.Context) (*CheckResult, error) {
	res := &CheckResult{RunID: uuid.New()}
	logger := m.logger.With("run_id", res.RunID.String())

	tag, err := m.source.LatestStableTag(ctx)
	if err != nil {
		logger.Error("Failed to resolve latest release", "error", err)
		return res, fmt.Errorf("latest release: %w", err)
	}
	res.Tag = tag

	data, err := m.source.Fetch(ctx, tag)
	if err != nil {
		logger.Error("Failed to fetch host module", "tag", tag, "error", err)
		return res, fmt.Errorf("fetch %s: %w", tag, err)
	}

	var sourceURL string
	if l, ok := m.source.(blobLinker); ok {
		sourceURL = l.BlobURL(tag)
	}

	for _, target := range m.targets {
		name := target.String()
		span, err := m.locator.Locate(ctx, data, target.Container, target.Function)
		if errors.Is(err, python.ErrNotFound) {
			logger.Warn("locate failure, no report filed", "target", name, "tag", tag)
			res.NotFound = append(res.NotFound, name)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("locate %s in %s: %w", name, tag, err)
		}

		digest := fingerprint.Hash(span.Text)
		if m.registry.IsKnown(name, digest) {
			logger.Debug("Upstream function matches a known version",
				"target", name, "tag", tag, "digest", digest.Short())
			res.Known = append(res.Known, name)
			continue
		}

		logger.Info("Upstream function changed", "target", name, "tag", tag, "digest", digest.Short())
		res.Reports = append(res.Reports, Report{
			ID:           uuid.New(),
			Function:     name,
			ReleaseTag:   tag,
			ObservedHash: digest,
			SourceURL:    sourceURL,
			CheckedAt:    m.now().UTC(),
		})
	}

	if len(res.Reports) == 0 {
		return res, nil
	}
	if m.tracker == nil {
		logger.Warn("No tracker configured, reports not filed", "count", len(res.Reports))
		res.Pending = res.Reports
		return res, nil
	}

	open, err := m.tracker.ListOpenReports(ctx)
	if err != nil {
		return res, fmt.Errorf("list open reports: %w", err)
	}

	for _, r := range res.Reports {
		if existing, ok := findOpen(open, r); ok {
			logger.Info("Report already open", "target", r.Function, "tag", r.ReleaseTag, "url", existing.URL)
			res.Duplicates = append(res.Duplicates, r)
			continue
		}

		url, err := m.tracker.CreateReport(ctx, r.Title(), r.Body())
		if err != nil {
			return res, fmt.Errorf("file report for %s: %w", r.Function, err)
		}
		logger.Info("Filed drift report", "target", r.Function, "tag", r.ReleaseTag, "url", url)
		res.Filed = append(res.Filed, FiledReport{Report: r, URL: url})
		open = append(open, OpenReport{Title: r.Title(), URL: url})

		if m.recorder != nil {
			m.recorder.RecordDriftReport(r.Function)
		}
		if m.sink != nil {
			if err := m.sink.Publish(ctx, r); err != nil {
				logger.Warn("Failed to publish drift report", "target", r.Function, "error", err)
			}
		}
	}
	return res, nil
}

func findOpen(open []OpenReport, r Report) (OpenReport, bool) {
	for _, o := range open {
		if MatchesTitle(o.Title, r.Function, r.ReleaseTag) {
			return o, true
		}
	}
	return OpenReport{}, false
}
