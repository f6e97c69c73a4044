package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine's error taxonomy. Match with errors.Is.
var (
	// ErrValidation indicates a bad request, template, or task graph.
	ErrValidation = errors.New("validation error")
	// ErrNotFound indicates an unknown template, job, or task.
	ErrNotFound = errors.New("not found")
	// ErrWorkerUnavailable indicates no worker can serve the requested role and mode.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrPoolExhausted indicates the pool ceiling was not freed within the acquire timeout.
	ErrPoolExhausted = errors.New("worker pool exhausted")
	// ErrToolExecution indicates a tool call failed. It is fed back to the model.
	ErrToolExecution = errors.New("tool execution error")
	// ErrIterationLimit indicates the tool-use loop hit its iteration cap.
	ErrIterationLimit = errors.New("iteration limit exceeded")
	// ErrRetryExhausted indicates a task failed more times than its retry limit allows.
	ErrRetryExhausted = errors.New("retry exhausted")
	// ErrPolicyAbort indicates the failure policy aborted the job.
	ErrPolicyAbort = errors.New("aborted by failure policy")
	// ErrMergeActionFailed indicates the merge action returned an error.
	ErrMergeActionFailed = errors.New("merge action failed")
	// ErrPersistence indicates the store could not record a transition.
	ErrPersistence = errors.New("persistence error")
	// ErrCancelled indicates the job or task was cancelled by a caller.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError describes why a request was rejected.
// Cycle is set when the rejection is a dependency cycle.
type ValidationError struct {
	Reason string
	Cycle  []string
}

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NewCycleError builds a ValidationError naming the cycle path.
// The path should start and end with the same task.
func NewCycleError(cycle []string) *ValidationError {
	return &ValidationError{
		Reason: "circular dependency detected",
		Cycle:  cycle,
	}
}

func (e *ValidationError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Reason, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string
	ID   string
}

// NewNotFound builds a NotFoundError.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PersistenceError wraps a storage failure with the operation that failed.
func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
