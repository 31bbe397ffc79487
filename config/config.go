// Package config provides configuration loading and management for fnpatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Tracker kinds for IssuesConfig.Tracker.
const (
	TrackerGitHub = "github"
	TrackerLedger = "ledger"
	TrackerNone   = "none"
)

// Config represents the complete fnpatch configuration
type Config struct {
	Host     HostConfig     `yaml:"host"`
	Registry RegistryConfig `yaml:"registry"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Issues   IssuesConfig   `yaml:"issues"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// HostConfig locates the running host's module source
type HostConfig struct {
	// Root is searched with Pattern when ModulePath is empty
	Root string `yaml:"root"`
	// Pattern is a doublestar glob relative to Root
	Pattern string `yaml:"pattern"`
	// ModulePath is an explicit path to the host module file
	ModulePath string `yaml:"module_path"`
	// DebounceDelay is how long file changes settle before the gate re-runs
	DebounceDelay time.Duration `yaml:"debounce_delay"`
}

// RegistryConfig overrides the built-in fingerprint registry and patch specs
type RegistryConfig struct {
	// Path is a registry YAML file (empty = built-in)
	Path string `yaml:"path"`
	// SpecsDir is a directory of patch spec YAML files (empty = built-in)
	SpecsDir string `yaml:"specs_dir"`
}

// UpstreamConfig configures where host releases are read from
type UpstreamConfig struct {
	APIBaseURL string        `yaml:"api_base_url"`
	RawBaseURL string        `yaml:"raw_base_url"`
	Repository string        `yaml:"repository"`
	FilePath   string        `yaml:"file_path"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// IssuesConfig configures where drift reports are filed
type IssuesConfig struct {
	// Tracker is one of github, ledger or none
	Tracker string `yaml:"tracker"`
	// Repository receives issues ("owner/name")
	Repository string   `yaml:"repository"`
	APIBaseURL string   `yaml:"api_base_url"`
	Token      string   `yaml:"token"`
	Labels     []string `yaml:"labels"`
}

// LedgerConfig configures the local SQLite report ledger
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// MonitorConfig configures the drift monitor schedule
type MonitorConfig struct {
	// Schedule is a cron expression or descriptor such as @daily
	Schedule   string `yaml:"schedule"`
	RunOnStart bool   `yaml:"run_on_start"`
}

// NATSConfig configures report publishing
type NATSConfig struct {
	// URL is the NATS server URL (empty = publishing disabled)
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			Root:          ".",
			Pattern:       "**/homeassistant/components/person/__init__.py",
			DebounceDelay: 500 * time.Millisecond,
		},
		Upstream: UpstreamConfig{
			APIBaseURL: "https://api.github.com",
			RawBaseURL: "https://raw.githubusercontent.com",
			Repository: "home-assistant/core",
			FilePath:   "homeassistant/components/person/__init__.py",
			Timeout:    30 * time.Second,
		},
		Issues: IssuesConfig{
			Tracker:    TrackerGitHub,
			APIBaseURL: "https://api.github.com",
			Labels:     []string{"autocheck"},
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(".fnpatch", "drift.db"),
		},
		Monitor: MonitorConfig{
			Schedule: "@daily",
		},
		NATS: NATSConfig{
			Subject: "fnpatch.drift",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Host.ModulePath == "" && c.Host.Pattern == "" {
		return fmt.Errorf("host.module_path or host.pattern is required")
	}
	if c.Host.DebounceDelay < 0 {
		return fmt.Errorf("host.debounce_delay must not be negative")
	}
	if c.Upstream.Repository == "" {
		return fmt.Errorf("upstream.repository is required")
	}
	if c.Upstream.FilePath == "" {
		return fmt.Errorf("upstream.file_path is required")
	}
	switch c.Issues.Tracker {
	case TrackerGitHub, TrackerNone:
	case TrackerLedger:
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the ledger tracker")
		}
	default:
		return fmt.Errorf("issues.tracker must be one of github, ledger, none: got %q", c.Issues.Tracker)
	}
	if _, err := cron.ParseStandard(c.Monitor.Schedule); err != nil {
		return fmt.Errorf("monitor.schedule: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} and
// ${VAR:-default} references are expanded from the environment.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// loadLayer reads a file without defaults so Merge only applies the fields
// it sets.
func loadLayer(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}. Unset or empty variables
// take the default, or "" without one.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Host
	mergeString(&c.Host.Root, other.Host.Root)
	mergeString(&c.Host.Pattern, other.Host.Pattern)
	mergeString(&c.Host.ModulePath, other.Host.ModulePath)
	if other.Host.DebounceDelay != 0 {
		c.Host.DebounceDelay = other.Host.DebounceDelay
	}

	// Registry
	mergeString(&c.Registry.Path, other.Registry.Path)
	mergeString(&c.Registry.SpecsDir, other.Registry.SpecsDir)

	// Upstream
	mergeString(&c.Upstream.APIBaseURL, other.Upstream.APIBaseURL)
	mergeString(&c.Upstream.RawBaseURL, other.Upstream.RawBaseURL)
	mergeString(&c.Upstream.Repository, other.Upstream.Repository)
	mergeString(&c.Upstream.FilePath, other.Upstream.FilePath)
	mergeString(&c.Upstream.Token, other.Upstream.Token)
	if other.Upstream.Timeout != 0 {
		c.Upstream.Timeout = other.Upstream.Timeout
	}

	// Issues
	mergeString(&c.Issues.Tracker, other.Issues.Tracker)
	mergeString(&c.Issues.Repository, other.Issues.Repository)
	mergeString(&c.Issues.APIBaseURL, other.Issues.APIBaseURL)
	mergeString(&c.Issues.Token, other.Issues.Token)
	if len(other.Issues.Labels) > 0 {
		c.Issues.Labels = other.Issues.Labels
	}

	// Ledger
	mergeString(&c.Ledger.Path, other.Ledger.Path)

	// Monitor
	mergeString(&c.Monitor.Schedule, other.Monitor.Schedule)
	if other.Monitor.RunOnStart {
		c.Monitor.RunOnStart = true
	}

	// NATS
	mergeString(&c.NATS.URL, other.NATS.URL)
	mergeString(&c.NATS.Subject, other.NATS.Subject)

	// Metrics
	mergeString(&c.Metrics.Addr, other.Metrics.Addr)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
