package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/fnpatch/drift"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/upstream"
)

// exitPending is the exit code when unknown versions were found but could
// not be filed.
const exitPending = 2

func checkCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare the latest upstream release against the registry once",
		Long: `check fetches the latest stable upstream release, fingerprints every
patch target and files one report per unknown version. Reports already open
for the same function and release are not filed again.

Exit status is 2 when reports are pending because no tracker is available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			m, err := app.Monitor()
			if err != nil {
				return err
			}
			res, err := m.Check(cmd.Context())
			if err != nil {
				return err
			}
			return reportResult(cmd.OutOrStdout(), res)
		},
	}
}

// reportResult prints res and maps pending reports to exit status 2.
func reportResult(w io.Writer, res *drift.CheckResult) error {
	fmt.Fprintf(w, "Release %s (run %s)\n", res.Tag, res.RunID)
	for _, name := range res.Known {
		fmt.Fprintf(w, "  %-28s known\n", name)
	}
	for _, name := range res.NotFound {
		fmt.Fprintf(w, "  %-28s not found\n", name)
	}
	for _, f := range res.Filed {
		fmt.Fprintf(w, "  %-28s changed, filed %s\n", f.Report.Function, f.URL)
	}
	for _, r := range res.Duplicates {
		fmt.Fprintf(w, "  %-28s changed, already reported\n", r.Function)
	}
	for _, r := range res.Pending {
		fmt.Fprintf(w, "  %-28s changed, NOT filed\n\n%s\n%s\n\n", r.Function, r.Title(), r.Body())
	}
	if len(res.Pending) > 0 {
		return &exitError{code: exitPending, msg: fmt.Sprintf("%d report(s) pending: no tracker available", len(res.Pending))}
	}
	return nil
}

func monitorCmd(opts *globalOptions) *cobra.Command {
	var schedule string
	var runNow bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the drift check on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			if schedule == "" {
				schedule = app.cfg.Monitor.Schedule
			}
			m, err := app.Monitor()
			if err != nil {
				return err
			}

			schedOpts := []drift.SchedulerOption{
				drift.WithSchedulerLogger(app.logger),
				drift.WithRunHook(func(res *drift.CheckResult, err error) {
					if err == nil && res != nil {
						_ = reportResult(cmd.OutOrStdout(), res)
					}
				}),
			}
			if runNow || app.cfg.Monitor.RunOnStart {
				schedOpts = append(schedOpts, drift.WithRunOnStart())
			}
			s, err := drift.NewScheduler(m, schedule, schedOpts...)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return s.Run(ctx) })
			g.Go(func() error { return app.ServeMetrics(ctx) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule (default: from config)")
	cmd.Flags().BoolVar(&runNow, "now", false, "Run one check immediately")
	return cmd
}

func harvestCmd(opts *globalOptions) *cobra.Command {
	var (
		target  string
		saveDir string
		tags    []string
		r       = upstream.DefaultTagRange
	)

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Fingerprint historical releases and print registry entries",
		Long: `harvest fetches the monitored file for every candidate release tag,
oldest first, and prints one registry entry per distinct function version,
tagged with the first release that shipped it ("2023.5.0+").`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			targets, err := app.targetsFor(target)
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				tags = upstream.EnumerateTags(r)
			}

			reg := fingerprint.NewRegistry()
			for _, t := range targets {
				if err := harvestTarget(cmd.Context(), app, t, tags, saveDir, reg); err != nil {
					return err
				}
			}

			data, err := reg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Single target (default: every spec target)")
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "Write each new function version to <dir>/<target>/<tag>.py")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Explicit tags instead of the enumerated range")
	cmd.Flags().IntVar(&r.FromYear, "from-year", r.FromYear, "First release year")
	cmd.Flags().IntVar(&r.ToYear, "to-year", r.ToYear, "Last release year")
	cmd.Flags().IntVar(&r.MaxMinor, "max-minor", r.MaxMinor, "Highest minor version per year")
	cmd.Flags().IntVar(&r.MaxPatch, "max-patch", r.MaxPatch, "Highest patch version per minor")
	return cmd
}

func harvestTarget(ctx context.Context, app *App, t patchspec.Target, tags []string, saveDir string, reg *fingerprint.Registry) error {
	var save func(drift.HarvestedVersion) error
	if saveDir != "" {
		dir := filepath.Join(saveDir, t.String())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		save = func(v drift.HarvestedVersion) error {
			name := strings.TrimSuffix(v.Tag, "+") + ".py"
			return os.WriteFile(filepath.Join(dir, name), []byte(v.Span.Text), 0o644)
		}
	}

	versions, err := drift.Harvest(ctx, drift.HarvestConfig{
		Source:    app.Upstream(),
		Tags:      tags,
		Target:    t,
		Logger:    app.logger,
		OnVersion: save,
	})
	if err != nil {
		return fmt.Errorf("harvest %s: %w", t, err)
	}
	return drift.AddToRegistry(reg, t, versions)
}
