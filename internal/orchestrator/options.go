package orchestrator

import (
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/agent"
	iexec "github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/schema"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workerpool"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// RequiredConfig contains the minimal required configuration for an Engine.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// DB is the open store.
	DB *state.DB
	// Pool leases workers to task attempts.
	Pool *workerpool.Pool
	// Reasoner drives the tool-use loop, decomposition and replanning.
	Reasoner agent.Reasoner
}

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

// engineOptions holds all optional configuration.
type engineOptions struct {
	policyConfig  *policy.Config
	defaults      *models.OrchestratorConfig
	logger        *DebugLogger
	log           *logrus.Entry
	catalog       *agent.Catalog
	execRunner    iexec.CommandRunner
	executorOpts  agent.Options
	mergeAction   MergeAction
	schemas       *schema.Registry
	plannerModel  string
	noDecompose   bool
	noReplanning  bool
	seedTemplates bool
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *engineOptions) { o.policyConfig = p }
}

// WithDefaults sets the fallback config used until one is saved.
func WithDefaults(cfg models.OrchestratorConfig) Option {
	return func(o *engineOptions) { o.defaults = &cfg }
}

// WithLogger sets the debug file logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithLog sets the structured logger.
func WithLog(l *logrus.Entry) Option {
	return func(o *engineOptions) { o.log = l }
}

// WithCatalog sets the tool catalog offered to workers.
func WithCatalog(c *agent.Catalog) Option {
	return func(o *engineOptions) { o.catalog = c }
}

// WithExecRunner sets the command runner behind the default tool catalog.
func WithExecRunner(r iexec.CommandRunner) Option {
	return func(o *engineOptions) { o.execRunner = r }
}

// WithExecutorOptions sets the tool-use loop limits.
func WithExecutorOptions(opts agent.Options) Option {
	return func(o *engineOptions) { o.executorOpts = opts }
}

// WithMergeAction sets the action run by the merge step.
func WithMergeAction(a MergeAction) Option {
	return func(o *engineOptions) { o.mergeAction = a }
}

// WithSchemas sets the schema registry.
func WithSchemas(r *schema.Registry) Option {
	return func(o *engineOptions) { o.schemas = r }
}

// WithPlannerModel sets the model used for decomposition and replanning.
func WithPlannerModel(model string) Option {
	return func(o *engineOptions) { o.plannerModel = model }
}

// WithoutDecomposition makes a request with no phases, tasks or template
// profiles plan as a single task instead of asking the reasoner.
func WithoutDecomposition() Option {
	return func(o *engineOptions) { o.noDecompose = true }
}

// WithoutReplanning makes auto_replan always fall back to skipping
// dependents.
func WithoutReplanning() Option {
	return func(o *engineOptions) { o.noReplanning = true }
}

// WithSeedTemplates installs the built-in templates into an empty store.
func WithSeedTemplates() Option {
	return func(o *engineOptions) { o.seedTemplates = true }
}
