package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "fnpatch.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/fnpatch"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables read by Load when the matching field is empty.
const (
	EnvToken      = "GH_TOKEN"
	EnvAltToken   = "GITHUB_TOKEN"
	EnvRepository = "GITHUB_REPOSITORY"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	getenv  func(string) string
	workDir string
	homeDir string
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/fnpatch/config.yaml)
// 3. Project config (fnpatch.yaml in current or parent directories)
// 4. Environment variables for tokens and the issue repository
func (l *Loader) Load() (*Config, error) {
	return l.load("")
}

// LoadWithFile is Load with an explicit project config path.
func (l *Loader) LoadWithFile(path string) (*Config, error) {
	return l.load(path)
}

func (l *Loader) load(explicit string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := loadLayer(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := explicit
	if projectConfigPath == "" {
		projectConfigPath = l.findProjectConfig()
	}
	if projectConfigPath != "" {
		projectConfig, err := loadLayer(projectConfigPath)
		if err != nil {
			if explicit != "" {
				return nil, err
			}
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		}
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) applyEnv(config *Config) {
	token := l.getenv(EnvToken)
	if token == "" {
		token = l.getenv(EnvAltToken)
	}
	if config.Issues.Token == "" && token != "" {
		config.Issues.Token = token
		l.logger.Debug("Using issue token from environment")
	}
	if config.Upstream.Token == "" && token != "" {
		config.Upstream.Token = token
	}
	if config.Issues.Repository == "" {
		if repo := l.getenv(EnvRepository); repo != "" {
			config.Issues.Repository = repo
			l.logger.Debug("Using issue repository from environment", slog.String("repository", repo))
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for fnpatch.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	dir := l.workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
