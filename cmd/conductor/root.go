package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/internal/logging"
)

var (
	configPath string
	verbose    bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent job orchestrator",
	Long: `Conductor turns a natural-language request into a graph of tasks and
runs them on a bounded pool of AI worker agents.

Jobs are planned from explicit tasks, an ordered list of phases, a template's
spawn profiles, or by asking the model to decompose the prompt. Every job,
task, worker run and event is kept in a local SQLite store so a restarted
'conductor serve' picks up where the last one stopped.

Configuration is read from ~/.config/conductor/config.yaml, then
.conductor.yaml in the current directory or a parent.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromPath(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		_, err = logging.Setup(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/conductor/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging and a per-run debug log file")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}
