package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify conductor configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Keys under "orchestrator." are the job defaults kept in the store and used
by every process sharing it. Other keys are written to
~/.config/conductor/config.yaml. Project-specific overrides can be placed
in .conductor.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		oc, err := a.engine.Config()
		if err != nil {
			return err
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg, oc)
			return nil
		case 1:
			value, err := getConfigValue(cfg, oc, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}

		key, value := args[0], args[1]
		if strings.HasPrefix(strings.ToLower(key), "orchestrator.") {
			if err := setOrchestratorValue(&oc, key, value); err != nil {
				return err
			}
			if err := a.engine.SetConfig(oc); err != nil {
				return err
			}
		} else {
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configKeys = []string{
	"storage.path",
	"storage.driver",
	"pool.ceiling",
	"pool.acquire_timeout",
	"executor.max_iterations",
	"executor.max_consecutive_errors",
	"executor.tool_timeout",
	"sandbox.root",
	"sandbox.default_profile",
	"sandbox.keep_workspaces",
	"reasoner.provider",
	"reasoner.model",
	"reasoner.api_key",
	"reasoner.aws_region",
	"reasoner.aws_profile",
	"reasoner.rate_limit_rps",
	"reasoner.burst",
	"logging.level",
	"logging.format",
	"logging.file",
	"templates.dir",
	"templates.watch",
	"merge.command",
	"merge.timeout",
	"orchestrator.default_worker_mode",
	"orchestrator.default_max_parallelism",
	"orchestrator.default_retry_limit",
	"orchestrator.default_failure_policy",
	"orchestrator.default_merge_policy",
	"orchestrator.parallelism_warn_threshold",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config, oc models.OrchestratorConfig) {
	for _, key := range configKeys {
		value, err := getConfigValue(cfg, oc, key)
		if err != nil {
			continue
		}
		fmt.Printf("%s: %s\n", key, value)
	}
	if len(cfg.Agents) > 0 {
		names := make([]string, len(cfg.Agents))
		for i, a := range cfg.Agents {
			names[i] = a.Name
		}
		fmt.Printf("agents: %s\n", strings.Join(names, ", "))
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, oc models.OrchestratorConfig, key string) (string, error) {
	switch strings.ToLower(key) {
	case "storage.path":
		return cfg.Storage.Path, nil
	case "storage.driver":
		return cfg.Storage.Driver, nil
	case "pool.ceiling":
		return strconv.Itoa(cfg.Pool.Ceiling), nil
	case "pool.acquire_timeout":
		return cfg.Pool.AcquireTimeout.String(), nil
	case "executor.max_iterations":
		return strconv.Itoa(cfg.Executor.MaxIterations), nil
	case "executor.max_consecutive_errors":
		return strconv.Itoa(cfg.Executor.MaxConsecutiveErrors), nil
	case "executor.tool_timeout":
		return cfg.Executor.ToolTimeout.String(), nil
	case "sandbox.root":
		return cfg.Sandbox.Root, nil
	case "sandbox.default_profile":
		return cfg.Sandbox.DefaultProfile, nil
	case "sandbox.keep_workspaces":
		return strconv.FormatBool(cfg.Sandbox.KeepWorkspaces), nil
	case "reasoner.provider":
		return cfg.Reasoner.Provider, nil
	case "reasoner.model":
		return cfg.Reasoner.Model, nil
	case "reasoner.api_key":
		key, src := config.ResolveAPIKey(cfg)
		if src == config.KeySourceNone {
			return config.MaskAPIKey(""), nil
		}
		return fmt.Sprintf("%s (%s)", config.MaskAPIKey(key), src), nil
	case "reasoner.aws_region":
		return cfg.Reasoner.AWSRegion, nil
	case "reasoner.aws_profile":
		return cfg.Reasoner.AWSProfile, nil
	case "reasoner.rate_limit_rps":
		return strconv.FormatFloat(cfg.Reasoner.RateLimitRPS, 'g', -1, 64), nil
	case "reasoner.burst":
		return strconv.Itoa(cfg.Reasoner.Burst), nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.format":
		return cfg.Logging.Format, nil
	case "logging.file":
		return cfg.Logging.File, nil
	case "templates.dir":
		return cfg.Templates.Dir, nil
	case "templates.watch":
		return strconv.FormatBool(cfg.Templates.Watch), nil
	case "merge.command":
		return cfg.Merge.Command, nil
	case "merge.timeout":
		return cfg.Merge.Timeout.String(), nil
	case "orchestrator.default_worker_mode":
		return string(oc.DefaultWorkerMode), nil
	case "orchestrator.default_max_parallelism":
		return strconv.Itoa(oc.DefaultMaxParallelism), nil
	case "orchestrator.default_retry_limit":
		return strconv.Itoa(oc.DefaultRetryLimit), nil
	case "orchestrator.default_failure_policy":
		return string(oc.DefaultFailurePolicy), nil
	case "orchestrator.default_merge_policy":
		return string(oc.DefaultMergePolicy), nil
	case "orchestrator.parallelism_warn_threshold":
		return strconv.Itoa(oc.ParallelismWarnThreshold), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a process configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	var err error
	switch strings.ToLower(key) {
	case "storage.path":
		cfg.Storage.Path = value
	case "storage.driver":
		cfg.Storage.Driver = value
	case "pool.ceiling":
		cfg.Pool.Ceiling, err = parsePositive(key, value)
	case "pool.acquire_timeout":
		cfg.Pool.AcquireTimeout, err = parseDuration(key, value)
	case "executor.max_iterations":
		cfg.Executor.MaxIterations, err = parsePositive(key, value)
	case "executor.max_consecutive_errors":
		cfg.Executor.MaxConsecutiveErrors, err = parsePositive(key, value)
	case "executor.tool_timeout":
		cfg.Executor.ToolTimeout, err = parseDuration(key, value)
	case "sandbox.root":
		cfg.Sandbox.Root = value
	case "sandbox.default_profile":
		cfg.Sandbox.DefaultProfile = value
	case "sandbox.keep_workspaces":
		cfg.Sandbox.KeepWorkspaces, err = parseBool(key, value)
	case "reasoner.provider":
		cfg.Reasoner.Provider = value
	case "reasoner.model":
		cfg.Reasoner.Model = value
	case "reasoner.api_key":
		cfg.Reasoner.APIKey = value
	case "reasoner.aws_region":
		cfg.Reasoner.AWSRegion = value
	case "reasoner.aws_profile":
		cfg.Reasoner.AWSProfile = value
	case "reasoner.rate_limit_rps":
		cfg.Reasoner.RateLimitRPS, err = strconv.ParseFloat(value, 64)
		if err != nil {
			err = fmt.Errorf("invalid number for %s: %w", key, err)
		}
	case "reasoner.burst":
		cfg.Reasoner.Burst, err = parsePositive(key, value)
	case "logging.level":
		cfg.Logging.Level = value
	case "logging.format":
		cfg.Logging.Format = value
	case "logging.file":
		cfg.Logging.File = value
	case "templates.dir":
		cfg.Templates.Dir = value
	case "templates.watch":
		cfg.Templates.Watch, err = parseBool(key, value)
	case "merge.command":
		cfg.Merge.Command = value
	case "merge.timeout":
		cfg.Merge.Timeout, err = parseDuration(key, value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return err
}

// setOrchestratorValue sets a stored job default. The result is validated
// by the engine when saved.
func setOrchestratorValue(oc *models.OrchestratorConfig, key, value string) error {
	var err error
	switch strings.ToLower(key) {
	case "orchestrator.default_worker_mode":
		oc.DefaultWorkerMode = models.WorkerMode(value)
	case "orchestrator.default_max_parallelism":
		oc.DefaultMaxParallelism, err = parsePositive(key, value)
	case "orchestrator.default_retry_limit":
		oc.DefaultRetryLimit, err = strconv.Atoi(value)
		if err != nil {
			err = fmt.Errorf("invalid value for %s: %w", key, err)
		}
	case "orchestrator.default_failure_policy":
		oc.DefaultFailurePolicy = models.FailurePolicy(value)
	case "orchestrator.default_merge_policy":
		oc.DefaultMergePolicy = models.MergePolicy(value)
	case "orchestrator.parallelism_warn_threshold":
		oc.ParallelismWarnThreshold, err = parsePositive(key, value)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return err
}

func parsePositive(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be at least 1", key)
	}
	return n, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}
