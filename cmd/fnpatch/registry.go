package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/fnpatch/engine"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/fixtures"
)

func registryCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and verify the fingerprint registry",
	}
	cmd.AddCommand(registryVerifyCmd(opts))
	return cmd
}

func registryVerifyCmd(opts *globalOptions) *cobra.Command {
	var previous, fixtureDir string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the registry only grew and every known version still patches",
		Long: `verify checks two things:

  1. With --previous, every entry of the previous registry is still present.
  2. Every known version with a module snapshot (built in, plus --fixtures)
     carries none of the patch markers and transforms cleanly.

Entries without a snapshot are listed as uncovered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if previous != "" {
				prev, err := fingerprint.Load(previous)
				if err != nil {
					return err
				}
				if err := fingerprint.VerifyAppendOnly(prev, app.registry); err != nil {
					return err
				}
				fmt.Fprintf(out, "append-only: ok (%s)\n", previous)
			}

			var fx []engine.Fixture
			for _, name := range fixtures.PersonModules() {
				fx = append(fx, engine.Fixture{Name: name, Source: fixtures.PersonModule(name)})
			}
			if fixtureDir != "" {
				extra, err := engine.LoadFixtures(fixtureDir)
				if err != nil {
					return err
				}
				fx = append(fx, extra...)
			}

			report, err := engine.Revalidate(cmd.Context(), nil, app.registry, app.specs, fx)
			if err != nil {
				return err
			}
			for _, c := range report.Checked {
				status := "ok"
				if c.Err != nil {
					status = "FAIL " + c.Err.Error()
				}
				fmt.Fprintf(out, "%-28s %s %-24s %s\n", c.Target, c.Digest.Short(), strings.Join(c.Tags, ","), status)
			}
			for _, u := range report.Uncovered {
				fmt.Fprintf(out, "uncovered: %s\n", u)
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d known version(s) no longer patch cleanly", len(failed))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&previous, "previous", "", "Previous registry file to compare against")
	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory of extra host module snapshots (*.py)")
	return cmd
}
