// Package config handles configuration loading and management for conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Config holds all process configuration.
type Config struct {
	Storage      StorageConfig             `mapstructure:"storage"`
	Pool         PoolConfig                `mapstructure:"pool"`
	Executor     ExecutorConfig            `mapstructure:"executor"`
	Sandbox      SandboxConfig             `mapstructure:"sandbox"`
	Reasoner     ReasonerConfig            `mapstructure:"reasoner"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Templates    TemplatesConfig           `mapstructure:"templates"`
	Merge        MergeConfig               `mapstructure:"merge"`
	Agents       []models.Agent            `mapstructure:"agents"`
	Orchestrator models.OrchestratorConfig `mapstructure:"orchestrator"`
}

// StorageConfig selects the state database.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// PoolConfig holds worker pool limits.
type PoolConfig struct {
	// Ceiling is the maximum number of workers leased at once across all jobs.
	Ceiling int `mapstructure:"ceiling"`
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// ExecutorConfig holds tool-use loop limits.
type ExecutorConfig struct {
	MaxIterations        int           `mapstructure:"max_iterations"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	ToolTimeout          time.Duration `mapstructure:"tool_timeout"`
}

// SandboxConfig holds ephemeral workspace settings.
type SandboxConfig struct {
	// Root is the directory under which ephemeral workspaces are created.
	Root string `mapstructure:"root"`
	// DefaultProfile is the image profile used when a spawn profile names none.
	DefaultProfile string `mapstructure:"default_profile"`
	// KeepWorkspaces disables teardown of workspace directories, for debugging.
	KeepWorkspaces bool `mapstructure:"keep_workspaces"`
}

// ReasonerConfig selects the model backend.
type ReasonerConfig struct {
	// Provider is "anthropic" or "bedrock".
	Provider     string  `mapstructure:"provider"`
	Model        string  `mapstructure:"model"`
	APIKey       string  `mapstructure:"api_key"`
	AWSRegion    string  `mapstructure:"aws_region"`
	AWSProfile   string  `mapstructure:"aws_profile"`
	MaxTokens    int64   `mapstructure:"max_tokens"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	Burst        int     `mapstructure:"burst"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// TemplatesConfig points at a directory of YAML templates to import and watch.
type TemplatesConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// MergeConfig configures the merge action.
type MergeConfig struct {
	// Command is a shell command run when a job merges. Empty means no-op.
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, CONDUCTOR_*)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("conductor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("reasoner.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("storage.path", "CONDUCTOR_DB")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Reasoner.APIKey = expandEnv(cfg.Reasoner.APIKey)
	cfg.Storage.Path = expandEnv(cfg.Storage.Path)
	cfg.Sandbox.Root = expandEnv(cfg.Sandbox.Root)
	cfg.Templates.Dir = expandEnv(cfg.Templates.Dir)

	if err := cfg.Orchestrator.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	return cfg, nil
}

// Save writes the given configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveToPath(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveToPath writes the given configuration to path.
func SaveToPath(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("storage.path", cfg.Storage.Path)
	v.Set("storage.driver", cfg.Storage.Driver)
	v.Set("pool.ceiling", cfg.Pool.Ceiling)
	v.Set("pool.acquire_timeout", cfg.Pool.AcquireTimeout.String())
	v.Set("executor.max_iterations", cfg.Executor.MaxIterations)
	v.Set("executor.max_consecutive_errors", cfg.Executor.MaxConsecutiveErrors)
	v.Set("executor.tool_timeout", cfg.Executor.ToolTimeout.String())
	v.Set("sandbox.root", cfg.Sandbox.Root)
	v.Set("sandbox.default_profile", cfg.Sandbox.DefaultProfile)
	v.Set("sandbox.keep_workspaces", cfg.Sandbox.KeepWorkspaces)
	v.Set("reasoner.provider", cfg.Reasoner.Provider)
	v.Set("reasoner.model", cfg.Reasoner.Model)
	v.Set("reasoner.api_key", cfg.Reasoner.APIKey)
	v.Set("reasoner.aws_region", cfg.Reasoner.AWSRegion)
	v.Set("reasoner.aws_profile", cfg.Reasoner.AWSProfile)
	v.Set("reasoner.max_tokens", cfg.Reasoner.MaxTokens)
	v.Set("reasoner.rate_limit_rps", cfg.Reasoner.RateLimitRPS)
	v.Set("reasoner.burst", cfg.Reasoner.Burst)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.format", cfg.Logging.Format)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("templates.dir", cfg.Templates.Dir)
	v.Set("templates.watch", cfg.Templates.Watch)
	v.Set("merge.command", cfg.Merge.Command)
	v.Set("merge.timeout", cfg.Merge.Timeout.String())
	v.Set("orchestrator.default_worker_mode", string(cfg.Orchestrator.DefaultWorkerMode))
	v.Set("orchestrator.default_max_parallelism", cfg.Orchestrator.DefaultMaxParallelism)
	v.Set("orchestrator.default_retry_limit", cfg.Orchestrator.DefaultRetryLimit)
	v.Set("orchestrator.default_failure_policy", string(cfg.Orchestrator.DefaultFailurePolicy))
	v.Set("orchestrator.default_merge_policy", string(cfg.Orchestrator.DefaultMergePolicy))
	v.Set("orchestrator.parallelism_warn_threshold", cfg.Orchestrator.ParallelismWarnThreshold)
	if len(cfg.Agents) > 0 {
		v.Set("agents", cfg.Agents)
	}

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.driver", d.Storage.Driver)

	v.SetDefault("pool.ceiling", d.Pool.Ceiling)
	v.SetDefault("pool.acquire_timeout", d.Pool.AcquireTimeout.String())

	v.SetDefault("executor.max_iterations", d.Executor.MaxIterations)
	v.SetDefault("executor.max_consecutive_errors", d.Executor.MaxConsecutiveErrors)
	v.SetDefault("executor.tool_timeout", d.Executor.ToolTimeout.String())

	v.SetDefault("sandbox.root", d.Sandbox.Root)
	v.SetDefault("sandbox.default_profile", d.Sandbox.DefaultProfile)
	v.SetDefault("sandbox.keep_workspaces", false)

	v.SetDefault("reasoner.provider", d.Reasoner.Provider)
	v.SetDefault("reasoner.model", d.Reasoner.Model)
	v.SetDefault("reasoner.api_key", "")
	v.SetDefault("reasoner.aws_region", "")
	v.SetDefault("reasoner.aws_profile", "")
	v.SetDefault("reasoner.max_tokens", d.Reasoner.MaxTokens)
	v.SetDefault("reasoner.rate_limit_rps", d.Reasoner.RateLimitRPS)
	v.SetDefault("reasoner.burst", d.Reasoner.Burst)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")

	v.SetDefault("templates.dir", "")
	v.SetDefault("templates.watch", true)

	v.SetDefault("merge.command", "")
	v.SetDefault("merge.timeout", d.Merge.Timeout.String())

	v.SetDefault("orchestrator.default_worker_mode", string(d.Orchestrator.DefaultWorkerMode))
	v.SetDefault("orchestrator.default_max_parallelism", d.Orchestrator.DefaultMaxParallelism)
	v.SetDefault("orchestrator.default_retry_limit", d.Orchestrator.DefaultRetryLimit)
	v.SetDefault("orchestrator.default_failure_policy", string(d.Orchestrator.DefaultFailurePolicy))
	v.SetDefault("orchestrator.default_merge_policy", string(d.Orchestrator.DefaultMergePolicy))
	v.SetDefault("orchestrator.parallelism_warn_threshold", d.Orchestrator.ParallelismWarnThreshold)
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// getDataDir returns the XDG data directory for conductor.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "conductor")
	}
	return filepath.Join(home, ".local", "share", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	dataDir := getDataDir()
	return &Config{
		Storage: StorageConfig{
			Path:   filepath.Join(dataDir, "conductor.db"),
			Driver: "sqlite",
		},
		Pool: PoolConfig{
			Ceiling:        4,
			AcquireTimeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			MaxIterations:        10,
			MaxConsecutiveErrors: 3,
			ToolTimeout:          2 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Root:           filepath.Join(dataDir, "workspaces"),
			DefaultProfile: "base",
		},
		Reasoner: ReasonerConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-20250514",
			MaxTokens:    8192,
			RateLimitRPS: 2,
			Burst:        4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Templates: TemplatesConfig{
			Watch: true,
		},
		Merge: MergeConfig{
			Timeout: 5 * time.Minute,
		},
		Orchestrator: models.DefaultOrchestratorConfig(),
	}
}
