package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var jobFlags struct {
	file        string
	template    string
	workerMode  string
	parallelism int
	retry       int
	failure     string
	merge       string
	phases      []string
	tasksFile   string
	watch       bool
	json        bool
	status      string
	after       int64
	limit       int
	follow      bool
}

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job"},
	Short:   "Submit, run and inspect jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Plan a job and leave it for 'conductor serve' to run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(cmd, args)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.engine.Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jobFlags.json {
			return printJSON(job)
		}
		printStatus("✓", fmt.Sprintf("Submitted job %s (%s)", job.ID, job.Status), color.FgGreen)
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Plan and run a job in this process",
	Long: `Plan a job and run it until it finishes or parks waiting for merge
approval. Interrupting leaves the job in the store; 'conductor serve'
resumes it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(cmd, args)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.engine.Start(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("%s job %s\n", color.CyanString("▶"), job.ID)

		if jobFlags.watch {
			if err = watchJob(ctx, a.engine, job.ID); err == nil {
				fmt.Println("Waiting for the job to settle (Ctrl+C to detach)...")
				_, err = a.engine.Wait(ctx, job.ID)
			}
		} else {
			err = followUntilSettled(ctx, a.engine, job.ID)
		}
		if err != nil {
			if ctx.Err() != nil {
				printStatus("⚠", "Interrupted; the job stays in the store for 'conductor serve' to resume", color.FgYellow)
				return nil
			}
			return err
		}

		view, err := a.engine.GetJob(job.ID)
		if err != nil {
			return err
		}
		fmt.Println()
		printJobView(view)
		if view.Job.Status == models.JobStatusAwaitingMerge {
			fmt.Printf("\nApprove with: conductor jobs approve %s\n", job.ID)
		}
		if view.Job.Status == models.JobStatusFailed {
			return fmt.Errorf("job %s failed", job.ID)
		}
		return nil
	},
}

// followUntilSettled prints events until the job is terminal or awaits merge.
func followUntilSettled(ctx context.Context, e *orchestrator.Engine, jobID string) error {
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	events, err := e.Stream(streamCtx, jobID, 0)
	if err != nil {
		return err
	}
	waitErr := make(chan error, 1)
	go func() {
		_, err := e.Wait(ctx, jobID)
		waitErr <- err
		stop()
	}()

	for ev := range events {
		printEvent(ev)
	}
	return <-waitErr
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status *models.JobStatus
		if jobFlags.status != "" {
			s := models.JobStatus(jobFlags.status)
			status = &s
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.engine.ListJobs(status)
		if err != nil {
			return err
		}
		if jobFlags.json {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		for _, job := range jobs {
			printJobLine(job)
		}
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.engine.GetJob(args[0])
		if err != nil {
			return err
		}
		if jobFlags.json {
			return printJSON(view)
		}
		printJobView(view)
		return nil
	},
}

var jobsWorkersCmd = &cobra.Command{
	Use:   "workers <job-id>",
	Short: "List the worker runs of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.engine.Workers(args[0])
		if err != nil {
			return err
		}
		if jobFlags.json {
			return printJSON(runs)
		}
		for _, r := range runs {
			st := color.New(color.Faint)
			switch r.Status {
			case models.WorkerRunSucceeded:
				st = color.New(color.FgGreen)
			case models.WorkerRunFailed:
				st = color.New(color.FgRed)
			}
			line := fmt.Sprintf("%s  task %s  attempt %d  %-10s %-9s iterations=%d",
				shortID(r.ID), shortTaskID(r.TaskID), r.Attempt, st.Sprint(r.Status), r.WorkerMode, r.Iterations)
			fmt.Printf("%s  %s\n", line, r.WorkerAgent)
			if r.Error != "" {
				fmt.Printf("      %s\n", color.RedString(truncateLine(r.Error, 120)))
			}
		}
		return nil
	},
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Print a job's events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if !jobFlags.follow {
			events, err := a.engine.Events(args[0], jobFlags.after, jobFlags.limit)
			if err != nil {
				return err
			}
			if jobFlags.json {
				return printJSON(events)
			}
			for _, ev := range events {
				printEvent(ev)
			}
			return nil
		}

		events, err := a.engine.Stream(ctx, args[0], jobFlags.after)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for ev := range events {
			if jobFlags.json {
				if err := enc.Encode(ev); err != nil {
					return err
				}
				continue
			}
			printEvent(ev)
		}
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.engine.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Job %s %s", job.ID, job.Status), color.FgGreen)
		return nil
	},
}

var jobsApproveCmd = &cobra.Command{
	Use:     "approve <job-id>",
	Aliases: []string{"approve-merge"},
	Short:   "Approve the merge of a job awaiting it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.engine.ApproveMerge(cmd.Context(), args[0])
		if err != nil {
			if job != nil {
				printStatus("✗", fmt.Sprintf("Merge failed; job %s is %s", job.ID, job.Status), color.FgRed)
			}
			return err
		}
		printStatus("✓", fmt.Sprintf("Job %s %s", job.ID, job.Status), color.FgGreen)
		if job.Summary != "" {
			fmt.Println(job.Summary)
		}
		return nil
	},
}

// buildRequest assembles a request from an optional file, the prompt
// argument and flags, in increasing precedence.
func buildRequest(cmd *cobra.Command, args []string) (models.JobRequest, error) {
	var req models.JobRequest
	if jobFlags.file != "" {
		if err := decodeFile(jobFlags.file, &req); err != nil {
			return req, err
		}
	}
	if len(args) == 1 {
		req.Prompt = args[0]
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return req, errors.New("a prompt is required")
	}

	f := cmd.Flags()
	if f.Changed("template") {
		req.TemplateID = jobFlags.template
	}
	if f.Changed("worker-mode") {
		m := models.WorkerMode(jobFlags.workerMode)
		req.WorkerMode = &m
	}
	if f.Changed("parallelism") {
		req.MaxParallelism = &jobFlags.parallelism
	}
	if f.Changed("retry") {
		req.RetryLimit = &jobFlags.retry
	}
	if f.Changed("failure-policy") {
		p := models.FailurePolicy(jobFlags.failure)
		req.FailurePolicy = &p
	}
	if f.Changed("merge-policy") {
		p := models.MergePolicy(jobFlags.merge)
		req.MergePolicy = &p
	}
	if len(jobFlags.phases) > 0 {
		req.Phases = jobFlags.phases
	}
	if jobFlags.tasksFile != "" {
		var tasks []models.TaskSpec
		if err := decodeFile(jobFlags.tasksFile, &tasks); err != nil {
			return req, err
		}
		req.Tasks = tasks
	}
	return req, nil
}

// decodeFile reads YAML or JSON into v through the JSON field names.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func addRequestFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&jobFlags.file, "file", "f", "", "Request file (YAML or JSON)")
	f.StringVarP(&jobFlags.template, "template", "t", "", "Template ID or name")
	f.StringVar(&jobFlags.workerMode, "worker-mode", "", "existing, ephemeral or mixed")
	f.IntVarP(&jobFlags.parallelism, "parallelism", "p", 0, "Max tasks running at once")
	f.IntVar(&jobFlags.retry, "retry", 0, "Retries per task after the first attempt")
	f.StringVar(&jobFlags.failure, "failure-policy", "", "auto_replan, fail_fast or best_effort")
	f.StringVar(&jobFlags.merge, "merge-policy", "", "manual_approval or auto_on_review_pass")
	f.StringSliceVar(&jobFlags.phases, "phase", nil, "Phase role, repeatable, run in order")
	f.StringVar(&jobFlags.tasksFile, "tasks", "", "Task graph file (YAML or JSON list)")
}

func init() {
	addRequestFlags(jobsSubmitCmd)
	addRequestFlags(jobsRunCmd)
	jobsRunCmd.Flags().BoolVarP(&jobFlags.watch, "watch", "w", false, "Show the live job view")

	jobsListCmd.Flags().StringVar(&jobFlags.status, "status", "", "Only jobs in this status")
	jobsEventsCmd.Flags().Int64Var(&jobFlags.after, "after", 0, "Only events after this ID")
	jobsEventsCmd.Flags().IntVar(&jobFlags.limit, "limit", 0, "Max events (0 for all)")
	jobsEventsCmd.Flags().BoolVarP(&jobFlags.follow, "follow", "F", false, "Keep printing until the job ends")

	jobsCmd.PersistentFlags().BoolVar(&jobFlags.json, "json", false, "Print JSON")

	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsWorkersCmd)
	jobsCmd.AddCommand(jobsEventsCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsApproveCmd)
}
