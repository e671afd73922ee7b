// Package plan implements a durable, suspendable state machine that walks
// a directed acyclic graph of typed steps with dependency ordering,
// retries, timeouts, pause/resume, abort, and checkpointing.
package plan

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a Plan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one the plan never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the lifecycle state of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepBlocked   StepStatus = "blocked"
)

// Terminal reports whether the step status is a steady state.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepBlocked:
		return true
	default:
		return false
	}
}

// OnFailure constants for the onFailure policy. Any other string is
// interpreted as a step ID to jump to.
const (
	OnFailureAbort = "abort"
	OnFailureSkip  = "skip"
)

// Plan is a persisted sequence of typed steps with dependency and retry
// metadata, scoped to a single user.
type Plan struct {
	PlanID  string
	UserID  string
	Name    string
	Goal    string
	Status  Status
	Progress int // 0-100

	TotalSteps  int
	CurrentStep int
	Priority    int

	Error *string

	StartedAt   *time.Time
	CompletedAt *time.Time

	// Checkpoint is an opaque blob the executor never interprets, by
	// convention a JSON object {timestamp, data}.
	Checkpoint *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Step is a unit of work with a type, config, and failure policy.
type Step struct {
	StepID   string
	PlanID   string
	OrderNum int

	Type   string
	Name   string
	Config map[string]any

	Status StepStatus
	Result any
	Error  *string

	DurationMs *int64

	RetryCount int
	MaxRetries int

	Dependencies []string

	TimeoutMs *int64

	// OnFailure is "abort" (default), "skip", or a target step ID.
	OnFailure string
}

// EffectiveOnFailure returns the policy to apply, defaulting to abort.
func (s *Step) EffectiveOnFailure() string {
	if s.OnFailure == "" {
		return OnFailureAbort
	}
	return s.OnFailure
}

// ExecutionResult is returned by Executor.Execute.
type ExecutionResult struct {
	Status         Status
	CompletedSteps int
	TotalSteps     int
	Duration       time.Duration
	Results        map[string]any
	Error          string
}

// Sentinel errors corresponding to spec §7 Error Kinds.
var (
	ErrPlanNotFound       = errors.New("plan not found")
	ErrStepNotFound       = errors.New("step not found")
	ErrAlreadyRunning     = errors.New("plan already running")
	ErrIllegalState       = errors.New("illegal plan state transition")
	ErrDependencyDeadlock = errors.New("dependency deadlock: all pending steps have unmet dependencies")
	ErrPlanDeleted        = errors.New("plan deleted during execution")
	ErrExecutionAborted   = errors.New("plan execution aborted")
)

// StepTimeoutError reports that a step handler did not finish within its
// allotted timeout.
type StepTimeoutError struct {
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("Step timed out after %dms", e.Timeout.Milliseconds())
}
