package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/sandbox"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Loop limits used when Options leaves them unset.
const (
	DefaultMaxIterations        = 10
	DefaultMaxConsecutiveErrors = 3
	DefaultToolTimeout          = 2 * time.Minute
)

// State is the position of a run in the tool-use loop.
type State int

const (
	StateWaitingForModel State = iota
	StateWaitingForTool
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaitingForModel:
		return "waiting_for_model"
	case StateWaitingForTool:
		return "waiting_for_tool"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures an Executor.
type Options struct {
	MaxIterations        int
	MaxConsecutiveErrors int
	// ToolTimeout bounds a single tool call. A started tool call runs to
	// completion or timeout even if the run is cancelled.
	ToolTimeout time.Duration
	Log         *logrus.Entry
}

// ToolCall is reported to Run.OnToolCall after each tool execution.
type ToolCall struct {
	Iteration int
	Tool      string
	Args      []string
	Output    string
	Err       error
	Duration  time.Duration
}

// Run is the input to one executor run.
type Run struct {
	// Model overrides the reasoner default when non-empty.
	Model     string
	System    string
	Prompt    string
	Workspace *sandbox.Workspace
	// OnToolCall, when set, is called synchronously after every tool call.
	OnToolCall func(ToolCall)
}

// Result summarizes a finished run.
type Result struct {
	Output     string
	Iterations int
	ToolCalls  int
	State      State
	// Idle is true when the run ended because the model repeated itself.
	Idle bool
}

// Executor drives the bounded tool-use loop for a worker.
type Executor struct {
	reasoner Reasoner
	catalog  *Catalog
	opts     Options
}

// NewExecutor creates an executor.
func NewExecutor(reasoner Reasoner, catalog *Catalog, opts Options) *Executor {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Executor{reasoner: reasoner, catalog: catalog, opts: opts}
}

// Catalog returns the executor's tool catalog.
func (e *Executor) Catalog() *Catalog {
	return e.catalog
}

// Run executes the loop: call the model, parse at most one invocation,
// execute it, append the result, repeat. A response without an invocation
// is the final answer.
//
// Errors: models.ErrCancelled when ctx ends between iterations,
// models.ErrIterationLimit when the model still wants a tool after
// MaxIterations calls, models.ErrToolExecution after MaxConsecutiveErrors
// failed tool calls in a row.
func (e *Executor) Run(ctx context.Context, run Run) (*Result, error) {
	res := &Result{State: StateWaitingForModel}
	messages := []Message{{Role: RoleUser, Content: run.Prompt}}

	var (
		pending     *Invocation
		last        string
		consecutive int
		failure     error
	)

	for {
		switch res.State {
		case StateWaitingForModel:
			if err := ctx.Err(); err != nil {
				failure = fmt.Errorf("%w: %v", models.ErrCancelled, err)
				res.State = StateFailed
				continue
			}

			res.Iterations++
			resp, err := e.reasoner.Complete(ctx, Request{
				Model:    run.Model,
				System:   run.System,
				Messages: messages,
			})
			if err != nil {
				if ctx.Err() != nil {
					failure = fmt.Errorf("%w: %v", models.ErrCancelled, ctx.Err())
				} else {
					failure = fmt.Errorf("model call: %w", err)
				}
				res.State = StateFailed
				continue
			}
			messages = append(messages, Message{Role: RoleAssistant, Content: resp})

			trimmed := strings.TrimSpace(resp)
			if res.Iterations > 1 && trimmed == last {
				e.debug("Identical response, treating as final", res.Iterations)
				res.Output = SanitizeInvokeTags(trimmed)
				res.Idle = true
				res.State = StateDone
				continue
			}
			last = trimmed

			inv, err := ParseInvocation(resp)
			switch {
			case err != nil:
				messages = append(messages, Message{Role: RoleUser, Content: toolFeedback("invoke", "", err)})
				consecutive++
				if consecutive >= e.opts.MaxConsecutiveErrors {
					failure = fmt.Errorf("%w: %d consecutive tool errors, last: %v", models.ErrToolExecution, consecutive, err)
					res.State = StateFailed
				} else if res.Iterations >= e.opts.MaxIterations {
					failure = fmt.Errorf("%w: %d iterations", models.ErrIterationLimit, res.Iterations)
					res.State = StateFailed
				}
			case inv == nil:
				res.Output = trimmed
				res.State = StateDone
			case res.Iterations >= e.opts.MaxIterations:
				// No model call is left to read the result, so the tool does not run.
				failure = fmt.Errorf("%w: %d iterations", models.ErrIterationLimit, res.Iterations)
				res.State = StateFailed
			default:
				pending = inv
				res.State = StateWaitingForTool
			}

		case StateWaitingForTool:
			call := e.callTool(ctx, run, res.Iterations, pending)
			res.ToolCalls++
			pending = nil
			if run.OnToolCall != nil {
				run.OnToolCall(call)
			}
			messages = append(messages, Message{Role: RoleUser, Content: toolFeedback(call.Tool, call.Output, call.Err)})

			if call.Err != nil {
				consecutive++
				if consecutive >= e.opts.MaxConsecutiveErrors {
					failure = fmt.Errorf("%w: %d consecutive tool errors, last: %v", models.ErrToolExecution, consecutive, call.Err)
					res.State = StateFailed
					continue
				}
			} else {
				consecutive = 0
			}
			res.State = StateWaitingForModel

		case StateDone:
			return res, nil

		case StateFailed:
			return res, failure
		}
	}
}

// callTool runs one invocation. The call is detached from ctx cancellation
// so a started side effect is not torn halfway; ToolTimeout still bounds it.
func (e *Executor) callTool(ctx context.Context, run Run, iteration int, inv *Invocation) ToolCall {
	call := ToolCall{Iteration: iteration, Tool: inv.Tool, Args: inv.Args}

	tool, ok := e.catalog.Lookup(inv.Tool)
	if !ok {
		call.Err = fmt.Errorf("%w: unknown tool %q (available: %s)",
			models.ErrToolExecution, inv.Tool, strings.Join(e.catalog.Names(), ", "))
		return call
	}
	if run.Workspace == nil {
		call.Err = fmt.Errorf("%w: no workspace", models.ErrToolExecution)
		return call
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ToolTimeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Run(tctx, run.Workspace, inv.Args)
	call.Duration = time.Since(start)
	call.Output = SanitizeInvokeTags(out)
	if err != nil {
		if !errors.Is(err, models.ErrToolExecution) {
			err = fmt.Errorf("%w: %s: %w", models.ErrToolExecution, inv.Tool, err)
		}
		call.Err = err
	}

	if e.opts.Log != nil {
		e.opts.Log.WithFields(logrus.Fields{
			"tool":      inv.Tool,
			"iteration": iteration,
			"duration":  call.Duration,
			"error":     call.Err != nil,
		}).Debug("Tool call finished")
	}
	return call
}

func (e *Executor) debug(msg string, iteration int) {
	if e.opts.Log != nil {
		e.opts.Log.WithField("iteration", iteration).Debug(msg)
	}
}

// toolFeedback formats a tool result as the next user turn.
func toolFeedback(tool, output string, err error) string {
	var sb strings.Builder
	if err != nil {
		fmt.Fprintf(&sb, "TOOL RESULT [%s] (error)\n", tool)
		sb.WriteString(SanitizeInvokeTags(err.Error()))
		if output != "" {
			sb.WriteString("\n")
			sb.WriteString(output)
		}
	} else {
		fmt.Fprintf(&sb, "TOOL RESULT [%s] (success)\n", tool)
		sb.WriteString(output)
	}
	sb.WriteString("\n\nContinue with the task. Invoke another tool, or reply without an invoke tag when you are done.")
	return sb.String()
}
