// Package policy decides how a job responds to task failure and holds the
// tunables of the orchestrator's dispatch loop.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Action is the response to a task outcome.
type Action int

const (
	// ActionContinue means the task succeeded and scheduling proceeds.
	ActionContinue Action = iota
	// ActionRetry re-enqueues the task for another attempt.
	ActionRetry
	// ActionReplan asks the planner for replacement tasks.
	ActionReplan
	// ActionSkipDependents marks every downstream task Skipped.
	ActionSkipDependents
	// ActionAbort fails the job and stops dispatch.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRetry:
		return "retry"
	case ActionReplan:
		return "replan"
	case ActionSkipDependents:
		return "skip_dependents"
	case ActionAbort:
		return "abort"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Outcome is the result of one task attempt.
type Outcome struct {
	Succeeded bool
	Err       error
}

// Decision is what Decide returns.
type Decision struct {
	Action Action
	Reason string
}

// Decide maps a task outcome to an action. It is a pure function.
//
// Retry is evaluated first regardless of the failure policy: attempt is the
// 1-based number of the attempt that just failed, and another attempt is
// allowed while attempt <= retryLimit. Once retries are exhausted,
// fail_fast aborts, best_effort skips dependents and auto_replan replans.
// A cancelled attempt is never retried.
func Decide(fp models.FailurePolicy, outcome Outcome, attempt, retryLimit int) Decision {
	if outcome.Succeeded {
		return Decision{Action: ActionContinue}
	}
	if errors.Is(outcome.Err, models.ErrCancelled) {
		return Decision{Action: ActionAbort, Reason: "cancelled"}
	}
	if attempt <= retryLimit {
		return Decision{
			Action: ActionRetry,
			Reason: fmt.Sprintf("attempt %d of %d failed", attempt, retryLimit+1),
		}
	}

	exhausted := fmt.Sprintf("%s after %d attempts", models.ErrRetryExhausted, attempt)
	switch fp {
	case models.FailurePolicyFailFast:
		return Decision{Action: ActionAbort, Reason: exhausted}
	case models.FailurePolicyAutoReplan:
		return Decision{Action: ActionReplan, Reason: exhausted}
	default:
		return Decision{Action: ActionSkipDependents, Reason: exhausted}
	}
}

// Declined is the fallback when a replan produced no tasks.
func Declined(d Decision) Decision {
	if d.Action != ActionReplan {
		return d
	}
	return Decision{Action: ActionSkipDependents, Reason: d.Reason + "; replan declined"}
}

// Config contains the tunables of the dispatch loop and event fan-out.
type Config struct {
	Loop   LoopPolicy
	Events EventPolicy
	Merge  MergePolicy
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// PollInterval is how often an idle loop rechecks the store for
	// external changes such as a cancellation from another process.
	PollInterval time.Duration
}

// EventPolicy controls live event delivery.
type EventPolicy struct {
	// BufferSize is the channel buffer of each live subscriber.
	BufferSize int
	// PublishTimeout is how long a publish waits on a full subscriber
	// before dropping the event. Dropped events are recovered by replay.
	PublishTimeout time.Duration
}

// MergePolicy controls the merge action.
type MergePolicy struct {
	// Timeout bounds a single merge action.
	Timeout time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Loop: LoopPolicy{
			PollInterval: 500 * time.Millisecond,
		},
		Events: EventPolicy{
			BufferSize:     100,
			PublishTimeout: 100 * time.Millisecond,
		},
		Merge: MergePolicy{
			Timeout: 10 * time.Minute,
		},
	}
}

// Validate resets out-of-range values to their defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.Loop.PollInterval < 10*time.Millisecond {
		c.Loop.PollInterval = d.Loop.PollInterval
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = d.Events.BufferSize
	}
	if c.Events.PublishTimeout <= 0 {
		c.Events.PublishTimeout = d.Events.PublishTimeout
	}
	if c.Merge.Timeout <= 0 {
		c.Merge.Timeout = d.Merge.Timeout
	}
	return nil
}
