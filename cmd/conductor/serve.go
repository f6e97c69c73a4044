package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run queued jobs and resume interrupted ones",
	Long: `Serve resumes every job a previous process left unfinished, then keeps
running jobs submitted with 'conductor jobs submit' until interrupted.

Several serve processes may share one store; each queued job is claimed by
exactly one of them. On interrupt, running jobs stay in the store and are
resumed by the next serve.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Templates.Dir != "" && cfg.Templates.Watch {
			w, err := a.engine.Templates().Watch(cfg.Templates.Dir)
			if err != nil {
				logging.For("templates").WithError(err).Warn("Template watcher disabled")
			} else {
				defer w.Close()
			}
		}

		stats := a.engine.PoolStats()
		printStatus("▶", fmt.Sprintf("Serving jobs from %s (pool ceiling %d)", cfg.Storage.Path, stats.Ceiling), color.FgCyan)
		for _, ag := range stats.Agents {
			roles := "any role"
			if len(ag.Roles) > 0 {
				roles = strings.Join(ag.Roles, ", ")
			}
			fmt.Printf("  %s %s\n", labelStyle.Render(ag.Name), dimStyle.Render(roles))
		}
		if err := a.engine.Serve(ctx); err != nil {
			return err
		}
		for _, ag := range a.engine.PoolStats().Agents {
			logging.For("pool").WithFields(logrus.Fields{"agent": ag.Name, "runs": ag.Total}).Info("Agent usage")
		}
		printStatus("✓", "Stopped; unfinished jobs will resume on the next serve", color.FgGreen)
		return nil
	},
}
