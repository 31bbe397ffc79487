// Package main provides the fnpatch binary entry point.
// fnpatch applies version-gated source patches to host functions and
// monitors upstream releases for changes to the patched functions.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/fnpatch/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fnpatch"
)

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
		}
		os.Exit(code)
	}
}

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Version-gated function patching",
		Long: `fnpatch patches host functions only when their source matches a
known version, and watches upstream releases for changes to those functions.

It provides:
- Locating and fingerprinting functions in the host module
- Applying declarative patch specs to known versions
- A drift monitor that files a report when upstream changes a function`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		locateCmd(opts),
		hashCmd(opts),
		applyCmd(opts),
		diffCmd(opts),
		runCmd(opts),
		checkCmd(opts),
		monitorCmd(opts),
		harvestCmd(opts),
		registryCmd(opts),
	)

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// newLogger configures the default text logger on stderr.
func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// setup loads configuration and builds the app.
func setup(opts *globalOptions) (*App, error) {
	logger := newLogger(opts.logLevel)

	loader := config.NewLoader(logger)
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = loader.LoadWithFile(opts.configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewApp(cfg, logger)
}
