package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/fnpatch/engine"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/host"
	"github.com/c360studio/fnpatch/patchdiff"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/transform"
)

// targetsFor returns the spec targets, or the one named by flag.
func (a *App) targetsFor(flag string) ([]patchspec.Target, error) {
	if flag == "" {
		return a.specs.Targets(), nil
	}
	t, err := patchspec.ParseTarget(flag)
	if err != nil {
		return nil, err
	}
	return []patchspec.Target{t}, nil
}

// readModule returns the host module text, from upstream when tag is set.
func (a *App) readModule(ctx context.Context, file, tag string) ([]byte, string, error) {
	if tag != "" {
		data, err := a.Upstream().Fetch(ctx, tag)
		return data, a.Upstream().FileURL(tag), err
	}
	src := a.HostSource(file)
	data, err := src.Read(ctx)
	return data, src.Path(), err
}

func locateCmd(opts *globalOptions) *cobra.Command {
	var file, tag, target string

	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Print the source span of each patch target",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			data, path, err := app.readModule(ctx, file, tag)
			if err != nil {
				return err
			}
			targets, err := app.targetsFor(target)
			if err != nil {
				return err
			}

			parser := python.NewParser()
			out := cmd.OutOrStdout()
			for _, t := range targets {
				span, err := parser.Locate(ctx, data, t.Container, t.Function)
				if err != nil {
					return fmt.Errorf("%s in %s: %w", t, path, err)
				}
				fmt.Fprintf(out, "# %s %s:%d-%d\n%s\n", t, path, span.StartLine, span.EndLine, span.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Host module file (default: from config)")
	cmd.Flags().StringVar(&tag, "tag", "", "Read the module from this upstream release instead")
	cmd.Flags().StringVarP(&target, "target", "t", "", "Single target, e.g. Person._update_state")
	return cmd
}

func hashCmd(opts *globalOptions) *cobra.Command {
	var file, tag, target string

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the fingerprint of each patch target and the versions it matches",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			data, _, err := app.readModule(ctx, file, tag)
			if err != nil {
				return err
			}
			targets, err := app.targetsFor(target)
			if err != nil {
				return err
			}

			parser := python.NewParser()
			out := cmd.OutOrStdout()
			for _, t := range targets {
				span, err := parser.Locate(ctx, data, t.Container, t.Function)
				if errors.Is(err, python.ErrNotFound) {
					fmt.Fprintf(out, "%-28s not found\n", t)
					continue
				}
				if err != nil {
					return err
				}
				digest := fingerprint.Hash(span.Text)
				tags := app.registry.TagsFor(t.String(), digest)
				if len(tags) == 0 {
					fmt.Fprintf(out, "%-28s %s unknown\n", t, digest)
					continue
				}
				fmt.Fprintf(out, "%-28s %s %v\n", t, digest, tags)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Host module file (default: from config)")
	cmd.Flags().StringVar(&tag, "tag", "", "Read the module from this upstream release instead")
	cmd.Flags().StringVarP(&target, "target", "t", "", "Single target, e.g. Person._update_state")
	return cmd
}

func applyCmd(opts *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run the version gate once against the host module",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.NewPatcher(app.HostSource(file))
			if err != nil {
				return err
			}
			outcomes := p.Engine.ApplyAll(cmd.Context())
			printOutcomes(cmd.OutOrStdout(), outcomes)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Host module file (default: from config)")
	return cmd
}

func diffCmd(opts *globalOptions) *cobra.Command {
	var file, tag, saveDir string
	var color bool

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show each patch target before and after patching",
		Long: `diff applies every patch spec to the located functions without installing
anything and prints a unified diff. The fingerprint gate is not consulted, so
new upstream versions can be reviewed before they are added to the registry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			data, _, err := app.readModule(ctx, file, tag)
			if err != nil {
				return err
			}

			review := patchdiff.Review{Tag: tag}
			if review.Tag == "" {
				review.Tag = "local"
			}
			parser := python.NewParser()
			for _, spec := range app.specs.Specs() {
				span, err := parser.Locate(ctx, data, spec.Target.Container, spec.Target.Function)
				if err != nil {
					return fmt.Errorf("%s: %w", spec.Target, err)
				}
				res, err := transform.Apply(span.Text, spec)
				if err != nil {
					return fmt.Errorf("%s: %w", spec.Target, err)
				}
				review.Pairs = append(review.Pairs, patchdiff.Pair{
					Target:   spec.Target.String(),
					Digest:   fingerprint.Hash(span.Text),
					Original: span.Text,
					Patched:  res.Text,
				})
			}

			if err := patchdiff.Render(cmd.OutOrStdout(), review, color); err != nil {
				return err
			}
			if saveDir != "" {
				if err := patchdiff.WriteFiles(saveDir, review); err != nil {
					return err
				}
				app.logger.Info("Wrote review files", "dir", saveDir)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Host module file (default: from config)")
	cmd.Flags().StringVar(&tag, "tag", "", "Read the module from this upstream release instead")
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "Write original_code.txt, patched_code.txt and hash.txt here")
	cmd.Flags().BoolVar(&color, "color", false, "Highlight the diff for a terminal")
	return cmd
}

func runCmd(opts *globalOptions) *cobra.Command {
	var file string
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply patches and keep the host patched while it runs",
		Long: `run evaluates the version gate for every target, then, with --watch,
re-evaluates it whenever the host module changes on disk. The metrics
endpoint is served when metrics.addr is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			src := app.HostSource(file)
			p, err := app.NewPatcher(src)
			if err != nil {
				return err
			}
			printOutcomes(cmd.OutOrStdout(), p.Engine.ApplyAll(ctx))
			if !watch {
				return nil
			}

			path, err := src.Resolve()
			if err != nil {
				return err
			}
			return app.watch(ctx, path, p.Engine, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Host module file (default: from config)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-apply when the host module changes")
	return cmd
}

// watch re-runs the gate on every module change until ctx ends.
func (a *App) watch(ctx context.Context, path string, eng *engine.Engine, out io.Writer) error {
	w, err := host.NewWatcher(host.WatcherConfig{
		Path:          path,
		DebounceDelay: a.cfg.Host.DebounceDelay,
		Logger:        a.logger,
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.ServeMetrics(ctx)
	})
	g.Go(func() error {
		defer stop()
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer w.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-w.Events():
				if !ok {
					return nil
				}
				if ev.Removed {
					a.logger.Warn("Host module removed, keeping current bindings", "path", ev.Path)
					continue
				}
				a.logger.Info("Host module changed, re-evaluating patches", "path", ev.Path)
				printOutcomes(out, eng.ApplyAll(ctx))
			}
		}
	})
	return g.Wait()
}
