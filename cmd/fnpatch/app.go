package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/fnpatch/config"
	"github.com/c360studio/fnpatch/drift"
	"github.com/c360studio/fnpatch/engine"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/host"
	"github.com/c360studio/fnpatch/installer"
	"github.com/c360studio/fnpatch/metrics"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/person"
	"github.com/c360studio/fnpatch/tools/github"
	"github.com/c360studio/fnpatch/upstream"
)

// App wires configuration into the patching and monitoring components.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.MetricsRegistry

	registry *fingerprint.Registry
	specs    *patchspec.Set

	// closers run in reverse order on Close
	closers []func() error
}

// NewApp loads the registry and specs named by cfg.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics.NewMetricsRegistry()}

	var err error
	if cfg.Registry.Path != "" {
		a.registry, err = fingerprint.Load(cfg.Registry.Path)
	} else {
		a.registry, err = fingerprint.Builtin()
	}
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	if cfg.Registry.SpecsDir != "" {
		a.specs, err = patchspec.LoadDir(cfg.Registry.SpecsDir)
	} else {
		a.specs, err = patchspec.Builtin()
	}
	if err != nil {
		return nil, fmt.Errorf("load patch specs: %w", err)
	}

	logger.Debug("Loaded registry and specs",
		"targets", a.registry.Targets(),
		"specs", len(a.specs.Specs()))
	return a, nil
}

// Close releases connections opened by the app.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error during shutdown", "error", err)
		}
	}
	a.closers = nil
}

// HostSource returns the configured host module source. A non-empty file
// overrides the configuration.
func (a *App) HostSource(file string) *host.FileSource {
	if file == "" {
		file = a.cfg.Host.ModulePath
	}
	return &host.FileSource{Root: a.cfg.Host.Root, Pattern: a.cfg.Host.Pattern, File: file}
}

// Patcher is the in-process host with the person container registered and
// the patched behaviours available to the installer.
type Patcher struct {
	Runtime   *host.Runtime
	Container *host.Container
	Manager   *installer.PatchManager
	Engine    *engine.Engine
}

// NewPatcher builds the host runtime and version gate over source.
func (a *App) NewPatcher(source host.Source) (*Patcher, error) {
	rt := host.NewRuntime(source)
	container := person.NewContainer()
	rt.Register(container)

	variants := installer.NewVariants()
	if err := person.RegisterVariants(variants); err != nil {
		return nil, fmt.Errorf("register variants: %w", err)
	}
	manager := installer.NewPatchManager(rt, variants, installer.WithLogger(a.logger))

	eng, err := engine.New(engine.Config{
		Registry: a.registry,
		Specs:    a.specs,
		Manager:  manager,
		Recorder: a.metrics,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Patcher{Runtime: rt, Container: container, Manager: manager, Engine: eng}, nil
}

// Upstream returns the release source.
func (a *App) Upstream() *upstream.GitHubSource {
	u := a.cfg.Upstream
	return upstream.NewGitHubSource(upstream.Config{
		APIBaseURL: u.APIBaseURL,
		RawBaseURL: u.RawBaseURL,
		Repository: u.Repository,
		FilePath:   u.FilePath,
		Token:      u.Token,
		Timeout:    u.Timeout,
	})
}

// Tracker returns the configured report tracker, or nil when reports can
// only be printed (no tracker, or GitHub without a token).
func (a *App) Tracker() (drift.Tracker, error) {
	switch a.cfg.Issues.Tracker {
	case config.TrackerLedger:
		ledger, err := drift.OpenLedger(a.cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.closers = append(a.closers, ledger.Close)
		return ledger, nil
	case config.TrackerGitHub:
		is := a.cfg.Issues
		if is.Repository == "" {
			return nil, fmt.Errorf("issues.repository is required for the github tracker (or set %s)", config.EnvRepository)
		}
		if is.Token == "" {
			a.logger.Warn("No GitHub token configured, drift reports will not be filed",
				"env", config.EnvToken)
			return nil, nil
		}
		client := github.NewClient(is.APIBaseURL, is.Repository, is.Token, a.cfg.Upstream.Timeout)
		return drift.NewGitHubTracker(client, is.Labels...), nil
	default:
		return nil, nil
	}
}

// Sink connects to NATS when a URL is configured.
func (a *App) Sink() (drift.Sink, error) {
	if a.cfg.NATS.URL == "" {
		return nil, nil
	}
	a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
	conn, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("fnpatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	a.closers = append(a.closers, func() error {
		return conn.Drain()
	})
	return drift.NewNATSSink(conn, a.cfg.NATS.Subject), nil
}

// Monitor builds the drift monitor.
func (a *App) Monitor() (*drift.Monitor, error) {
	tracker, err := a.Tracker()
	if err != nil {
		return nil, err
	}
	sink, err := a.Sink()
	if err != nil {
		return nil, err
	}

	return drift.NewMonitor(drift.Config{
		Source:   a.Upstream(),
		Registry: a.registry,
		Targets:  a.specs.Targets(),
		Tracker:  tracker,
		Sink:     sink,
		Recorder: a.metrics,
		Logger:   a.logger,
	})
}

// ServeMetrics exposes /metrics until ctx ends; a no-op without an address.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		<-ctx.Done()
		return nil
	}
	return a.metrics.Serve(ctx, a.cfg.Metrics.Addr, a.logger)
}

// printOutcomes writes one line per gate outcome.
func printOutcomes(w io.Writer, outcomes []engine.Outcome) {
	for _, o := range outcomes {
		line := fmt.Sprintf("%-28s %-16s %-20s %s", o.Target, o.State, o.Result, o.Digest.Short())
		if len(o.Tags) > 0 {
			line += fmt.Sprintf(" %v", o.Tags)
		}
		if o.Err != nil {
			line += "  " + o.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}
