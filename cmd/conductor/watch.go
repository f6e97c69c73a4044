package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job in a live terminal view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := watchJob(cmd.Context(), a.engine, args[0]); err != nil {
			return err
		}
		view, err := a.engine.GetJob(args[0])
		if err != nil {
			return err
		}
		printJobView(view)
		return nil
	},
}

// watchJob runs the live view until the job ends or the user quits.
func watchJob(ctx context.Context, e *orchestrator.Engine, jobID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view, err := e.GetJob(jobID)
	if err != nil {
		return err
	}
	events, err := e.Stream(ctx, jobID, 0)
	if err != nil {
		return err
	}

	program, _ := tui.NewWatchProgram(view.Job, view.Tasks, events)
	go func() {
		<-ctx.Done()
		program.Quit()
	}()
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("watch view: %w", err)
	}
	return ctx.Err()
}
