package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/api"
	"github.com/ShayCichocki/conductor/internal/config"
	iexec "github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/sandbox"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workerpool"
)

// app is the wired engine for one CLI invocation.
type app struct {
	db     *state.DB
	engine *orchestrator.Engine
	client *api.Client
}

// openApp opens the store and builds an engine from the loaded config.
// With requireModel set, a missing API key is an error; otherwise model
// calls fail when a job actually needs one.
func openApp(ctx context.Context, requireModel bool) (*app, error) {
	db, err := state.OpenWithDriver(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{db: db}
	reasoner, err := a.newReasoner(requireModel)
	if err != nil {
		db.Close()
		return nil, err
	}

	rt := sandbox.NewLocalRuntime(sandbox.LocalOptions{
		Root:           cfg.Sandbox.Root,
		DefaultProfile: cfg.Sandbox.DefaultProfile,
		Keep:           cfg.Sandbox.KeepWorkspaces,
		Log:            logging.For("sandbox"),
	})
	logging.For("sandbox").WithField("root", rt.Root()).Debug("Workspace root")
	pool := workerpool.New(workerpool.Options{
		Ceiling:        cfg.Pool.Ceiling,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Runtime:        rt,
		Log:            logging.For("workerpool"),
	})
	if err := pool.RegisterAgents(ctx, cfg.Agents); err != nil {
		db.Close()
		return nil, fmt.Errorf("register agents: %w", err)
	}

	pc := policy.Default()
	pc.Merge.Timeout = cfg.Merge.Timeout

	runner := iexec.NewRunner()
	opts := []orchestrator.Option{
		orchestrator.WithPolicy(pc),
		orchestrator.WithDefaults(cfg.Orchestrator),
		orchestrator.WithLog(logging.For("orchestrator")),
		orchestrator.WithExecRunner(runner),
		orchestrator.WithExecutorOptions(agent.Options{
			MaxIterations:        cfg.Executor.MaxIterations,
			MaxConsecutiveErrors: cfg.Executor.MaxConsecutiveErrors,
			ToolTimeout:          cfg.Executor.ToolTimeout,
			Log:                  logging.For("agent"),
		}),
		orchestrator.WithPlannerModel(cfg.Reasoner.Model),
		orchestrator.WithSeedTemplates(),
	}
	if verbose {
		opts = append(opts, orchestrator.WithLogger(orchestrator.NewDebugLoggerForDataDir(filepath.Dir(cfg.Storage.Path))))
	}
	if cfg.Merge.Command != "" {
		cwd, _ := os.Getwd()
		opts = append(opts, orchestrator.WithMergeAction(orchestrator.CommandMerge{
			Command: cfg.Merge.Command,
			Dir:     cwd,
			Runner:  runner,
		}))
	}

	engine, err := orchestrator.New(orchestrator.RequiredConfig{DB: db, Pool: pool, Reasoner: reasoner}, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.engine = engine

	if cfg.Templates.Dir != "" {
		if n, err := engine.Templates().ImportDir(cfg.Templates.Dir); err != nil {
			logging.For("templates").WithError(err).Warn("Failed to import template directory")
		} else if n > 0 {
			logging.For("templates").WithField("count", n).Debug("Imported templates")
		}
	}
	return a, nil
}

func (a *app) newReasoner(required bool) (agent.Reasoner, error) {
	key, _ := config.ResolveAPIKey(cfg)
	client, err := api.NewClient(api.ClientConfig{
		Provider:     cfg.Reasoner.Provider,
		Model:        cfg.Reasoner.Model,
		APIKey:       key,
		AWSRegion:    cfg.Reasoner.AWSRegion,
		AWSProfile:   cfg.Reasoner.AWSProfile,
		MaxTokens:    cfg.Reasoner.MaxTokens,
		RateLimitRPS: cfg.Reasoner.RateLimitRPS,
		Burst:        cfg.Reasoner.Burst,
		Log:          logging.For("api"),
	})
	if err == nil {
		a.client = client
		return client, nil
	}
	if required {
		if key == "" {
			return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or reasoner.api_key", config.ErrNoAPIKey)
		}
		return nil, fmt.Errorf("create reasoner: %w", err)
	}
	cause := err
	return agent.ReasonerFunc(func(context.Context, agent.Request) (string, error) {
		return "", fmt.Errorf("reasoner unavailable: %w", cause)
	}), nil
}

// Close stops local run loops and closes the store.
func (a *app) Close() {
	a.engine.Shutdown()
	if a.client != nil {
		in, out := a.client.Tracker().Total()
		if calls := a.client.Tracker().Calls(); calls > 0 {
			logging.For("api").WithFields(logrus.Fields{
				"model":         a.client.Model(),
				"calls":         calls,
				"input_tokens":  in,
				"output_tokens": out,
			}).Info("Model usage")
		}
	}
	a.db.Close()
}
