package plan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/internal/backoff"
)

// ExecutorConfig configures the Plan Executor.
type ExecutorConfig struct {
	// DefaultStepTimeout is applied when a step has no TimeoutMs set.
	DefaultStepTimeout time.Duration

	// SchedulingQuantum is the yield sleep at the top of each main-loop
	// iteration, preventing the executor from starving other goroutines.
	SchedulingQuantum time.Duration

	// StallWait is how long the loop sleeps between stall cycles while
	// waiting for a runnable step.
	StallWait time.Duration

	// StallLimit is the number of consecutive stall cycles before the
	// executor declares a dependency deadlock.
	StallLimit int

	Logger *slog.Logger
}

// DefaultExecutorConfig returns spec-mandated defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultStepTimeout: 60 * time.Second,
		SchedulingQuantum:  time.Millisecond,
		StallWait:          1000 * time.Millisecond,
		StallLimit:         3,
	}
}

func sanitizeExecutorConfig(cfg ExecutorConfig) ExecutorConfig {
	defaults := DefaultExecutorConfig()
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = defaults.DefaultStepTimeout
	}
	if cfg.SchedulingQuantum <= 0 {
		cfg.SchedulingQuantum = defaults.SchedulingQuantum
	}
	if cfg.StallWait <= 0 {
		cfg.StallWait = defaults.StallWait
	}
	if cfg.StallLimit <= 0 {
		cfg.StallLimit = defaults.StallLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "plan-executor")
	}
	return cfg
}

// runHandle is the per-plan runtime state held while a plan is executing.
type runHandle struct {
	cancel    chan struct{}
	cancelled bool
}

// Executor drives plan step graphs to completion. It holds per-process
// state: a map of currently running plans (guarded by a lock so a plan
// can never be started twice concurrently) and the open handler registry.
type Executor struct {
	store  Store
	config ExecutorConfig

	mu       sync.Mutex
	running  map[string]*runHandle
	paused   map[string]struct{}
	handlers map[string]StepHandler
}

// NewExecutor creates a Plan Executor backed by store, with the seven
// built-in step handlers registered.
func NewExecutor(store Store, config ExecutorConfig, tools ToolExecutor, agent ChatAgent) *Executor {
	e := &Executor{
		store:    store,
		config:   sanitizeExecutorConfig(config),
		running:  make(map[string]*runHandle),
		paused:   make(map[string]struct{}),
		handlers: make(map[string]StepHandler),
	}
	e.RegisterHandler("tool_call", &ToolCallHandler{Tools: tools})
	e.RegisterHandler("llm_decision", &LLMDecisionHandler{Agent: agent})
	e.RegisterHandler("user_input", &UserInputHandler{})
	e.RegisterHandler("condition", &ConditionHandler{})
	e.RegisterHandler("parallel", &ParallelHandler{Tools: tools})
	e.RegisterHandler("loop", &LoopHandler{Tools: tools})
	e.RegisterHandler("sub_plan", &SubPlanHandler{Runner: e})
	return e
}

// RegisterHandler registers or replaces the handler for a step type. The
// handler table is open so plugins can extend it at runtime.
func (e *Executor) RegisterHandler(stepType string, handler StepHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[stepType] = handler
}

// IsRunning reports whether planID currently has a runHandle entry.
func (e *Executor) IsRunning(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[planID]
	return ok
}

// IsPaused reports whether planID is in the paused set.
func (e *Executor) IsPaused(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.paused[planID]
	return ok
}

// RunningPlans returns the IDs of all plans currently executing.
func (e *Executor) RunningPlans() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) tryStart(planID string) (*runHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[planID]; ok {
		return nil, ErrAlreadyRunning
	}
	h := &runHandle{cancel: make(chan struct{})}
	e.running[planID] = h
	delete(e.paused, planID)
	return h, nil
}

func (e *Executor) finish(planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, planID)
}

func (e *Executor) markPaused(planID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused[planID] = struct{}{}
	delete(e.running, planID)
}

// Pause cooperatively requests a plan to suspend. Returns false if the
// plan is not currently running. The executor checks the paused set at
// the top of each loop iteration and at every suspension point.
func (e *Executor) Pause(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[planID]; !ok {
		return false
	}
	e.paused[planID] = struct{}{}
	return true
}

// Resume re-enters Execute for a plan previously paused; it is only
// valid from StatusPaused.
func (e *Executor) Resume(ctx context.Context, planID, userID string) (*ExecutionResult, error) {
	plan, err := e.store.Get(ctx, userID, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	if plan.Status != StatusPaused {
		return nil, ErrIllegalState
	}
	e.mu.Lock()
	delete(e.paused, planID)
	e.mu.Unlock()
	return e.executeAs(ctx, userID, planID)
}

// Abort signals cancellation for a running plan; its final status becomes
// cancelled. Abort is only checked at the top of the loop.
func (e *Executor) Abort(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.running[planID]
	if !ok {
		return false
	}
	if !h.cancelled {
		h.cancelled = true
		close(h.cancel)
	}
	return true
}

// Checkpoint stores an opaque blob on the plan and emits a checkpoint event.
func (e *Executor) Checkpoint(ctx context.Context, userID, planID, data string) error {
	plan, err := e.store.Get(ctx, userID, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		return ErrPlanNotFound
	}
	blob := fmt.Sprintf(`{"timestamp":%q,"data":%s}`, time.Now().UTC().Format(time.RFC3339Nano), data)
	plan.Checkpoint = &blob
	if err := e.store.Update(ctx, plan); err != nil {
		return err
	}
	return e.store.LogEvent(ctx, Event{PlanID: planID, Type: "checkpoint", Data: map[string]any{"data": data}})
}

// RestoreFromCheckpoint returns the raw checkpoint blob, or "" if absent.
func (e *Executor) RestoreFromCheckpoint(ctx context.Context, userID, planID string) (string, error) {
	plan, err := e.store.Get(ctx, userID, planID)
	if err != nil {
		return "", err
	}
	if plan == nil || plan.Checkpoint == nil {
		return "", nil
	}
	return *plan.Checkpoint, nil
}

// Execute runs planID to quiescence. It fails if the plan is unknown or
// already running. userID is not scoped here; callers that need user
// scoping should use ExecuteAs.
func (e *Executor) Execute(ctx context.Context, planID string) (*ExecutionResult, error) {
	return e.executeAs(ctx, "", planID)
}

// ExecuteAs runs planID scoped to userID.
func (e *Executor) ExecuteAs(ctx context.Context, userID, planID string) (*ExecutionResult, error) {
	return e.executeAs(ctx, userID, planID)
}

func (e *Executor) executeAs(ctx context.Context, userID, planID string) (*ExecutionResult, error) {
	plan, err := e.store.Get(ctx, userID, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	handle, err := e.tryStart(planID)
	if err != nil {
		return nil, err
	}
	defer e.finish(planID)

	start := time.Now()
	if plan.Status != StatusPaused {
		now := time.Now()
		plan.StartedAt = &now
	}
	plan.Status = StatusRunning
	if err := e.store.Update(ctx, plan); err != nil {
		return nil, err
	}
	_ = e.store.LogEvent(ctx, Event{PlanID: planID, Type: "plan:started"})

	results, execErr := e.runLoop(ctx, userID, planID, handle)
	duration := time.Since(start)

	final, err := e.store.Get(ctx, userID, planID)
	if err != nil {
		return nil, err
	}
	if final == nil {
		return nil, ErrPlanDeleted
	}

	steps, _ := e.store.GetSteps(ctx, planID)
	completed := 0
	for _, st := range steps {
		if st.Status == StepCompleted {
			completed++
		}
	}

	res := &ExecutionResult{
		Status:         final.Status,
		CompletedSteps: completed,
		TotalSteps:     len(steps),
		Duration:       duration,
		Results:        results,
	}
	if final.Error != nil {
		res.Error = *final.Error
	}
	if execErr != nil && res.Error == "" {
		res.Error = execErr.Error()
	}
	return res, nil
}

// runLoop is the main loop algorithm described in spec §4.B. It returns
// the accumulated previousResults map even on failure.
func (e *Executor) runLoop(ctx context.Context, userID, planID string, handle *runHandle) (map[string]any, error) {
	previousResults := make(map[string]any)
	stallCount := 0

	for {
		// 1. Yield to the scheduler.
		time.Sleep(e.config.SchedulingQuantum)

		// 2. Cancellation check.
		select {
		case <-handle.cancel:
			return previousResults, e.failPlan(ctx, userID, planID, ErrExecutionAborted.Error(), StatusCancelled)
		default:
		}

		// 3. Pause check.
		if e.IsPaused(planID) {
			e.markPaused(planID)
			plan, err := e.store.Get(ctx, userID, planID)
			if err == nil && plan != nil {
				plan.Status = StatusPaused
				_ = e.store.Update(ctx, plan)
			}
			return previousResults, nil
		}

		// 4. Refetch plan: plan-deletion safety.
		plan, err := e.store.Get(ctx, userID, planID)
		if err != nil {
			return previousResults, err
		}
		if plan == nil {
			return previousResults, ErrPlanDeleted
		}

		next, err := e.store.GetNextStep(ctx, planID)
		if err != nil {
			return previousResults, err
		}
		if next == nil {
			return previousResults, e.completePlan(ctx, userID, planID)
		}

		met, err := e.store.AreDependenciesMet(ctx, planID, next)
		if err != nil {
			return previousResults, err
		}
		if !met {
			// 5. Scan all pending steps for one whose dependencies are met.
			runnable, err := e.findRunnableStep(ctx, planID)
			if err != nil {
				return previousResults, err
			}
			if runnable == nil {
				stallCount++
				if stallCount >= e.config.StallLimit {
					return previousResults, e.deadlock(ctx, userID, planID)
				}
				time.Sleep(e.config.StallWait)
				continue
			}
			next = runnable
			stallCount = 0
		} else {
			stallCount = 0
		}

		outcome, err := e.runStep(ctx, userID, plan, next, previousResults, handle)
		if err != nil {
			return previousResults, err
		}
		if outcome.terminated {
			return previousResults, outcome.terminalErr
		}
		if _, err := e.store.RecalculateProgress(ctx, planID); err != nil {
			return previousResults, err
		}
		if outcome.paused {
			plan, err := e.store.Get(ctx, userID, planID)
			if err == nil && plan != nil {
				plan.Status = StatusPaused
				_ = e.store.Update(ctx, plan)
			}
			e.markPaused(planID)
			return previousResults, nil
		}
	}
}

func (e *Executor) findRunnableStep(ctx context.Context, planID string) (*Step, error) {
	pending, err := e.store.GetStepsByStatus(ctx, planID, StepPending)
	if err != nil {
		return nil, err
	}
	for _, st := range pending {
		met, err := e.store.AreDependenciesMet(ctx, planID, st)
		if err != nil {
			return nil, err
		}
		if met {
			return st, nil
		}
	}
	return nil, nil
}

func (e *Executor) deadlock(ctx context.Context, userID, planID string) error {
	pending, err := e.store.GetStepsByStatus(ctx, planID, StepPending)
	if err == nil {
		for _, st := range pending {
			st.Status = StepBlocked
			_ = e.store.UpdateStep(ctx, st)
		}
	}
	return e.failPlan(ctx, userID, planID, ErrDependencyDeadlock.Error(), StatusFailed)
}

func (e *Executor) completePlan(ctx context.Context, userID, planID string) error {
	plan, err := e.store.Get(ctx, userID, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		return ErrPlanDeleted
	}
	now := time.Now()
	plan.Status = StatusCompleted
	plan.CompletedAt = &now
	if _, err := e.store.RecalculateProgress(ctx, planID); err != nil {
		return err
	}
	plan.Progress = 100
	if err := e.store.Update(ctx, plan); err != nil {
		return err
	}
	return e.store.LogEvent(ctx, Event{PlanID: planID, Type: "plan:completed"})
}

func (e *Executor) failPlan(ctx context.Context, userID, planID, errMsg string, status Status) error {
	plan, err := e.store.Get(ctx, userID, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		return ErrPlanDeleted
	}
	now := time.Now()
	plan.Status = status
	plan.Error = &errMsg
	plan.CompletedAt = &now
	if err := e.store.Update(ctx, plan); err != nil {
		return err
	}
	eventType := "plan:failed"
	if status == StatusCancelled {
		eventType = "plan:cancelled"
	}
	_ = e.store.LogEvent(ctx, Event{PlanID: planID, Type: eventType, Data: map[string]any{"error": errMsg}})
	if status == StatusFailed && errMsg == ErrDependencyDeadlock.Error() {
		return ErrDependencyDeadlock
	}
	if status == StatusCancelled {
		return ErrExecutionAborted
	}
	return nil
}

// stepOutcome signals the runLoop whether execution must stop.
type stepOutcome struct {
	terminated  bool
	terminalErr error
	paused      bool
}

// runStep implements the per-step algorithm in spec §4.B, including retry
// backoff, branching, and the onFailure policy.
func (e *Executor) runStep(ctx context.Context, userID string, plan *Plan, step *Step, previousResults map[string]any, handle *runHandle) (stepOutcome, error) {
	step.Status = StepRunning
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return stepOutcome{}, err
	}
	_ = e.store.LogEvent(ctx, Event{PlanID: plan.PlanID, Type: "step:started", Data: map[string]any{"stepId": step.StepID}})

	e.mu.Lock()
	handler, ok := e.handlers[step.Type]
	e.mu.Unlock()
	if !ok {
		return e.handleStepFailure(ctx, userID, plan, step, fmt.Sprintf("no handler registered for step type %q", step.Type), handle)
	}

	timeout := e.config.DefaultStepTimeout
	if step.TimeoutMs != nil && *step.TimeoutMs > 0 {
		timeout = time.Duration(*step.TimeoutMs) * time.Millisecond
	}

	rc := &RunContext{
		Plan:               plan,
		Step:               step,
		PreviousResults:    previousResults,
		CancellationSignal: handle.cancel,
		UserID:             userID,
	}

	result, err := e.runWithTimeout(ctx, handler, rc, timeout)
	if err != nil {
		return e.handleStepFailure(ctx, userID, plan, step, err.Error(), handle)
	}
	if !result.Success {
		return e.handleStepFailure(ctx, userID, plan, step, result.Error, handle)
	}

	previousResults[step.StepID] = result.Data
	step.Status = StepCompleted
	step.Result = result.Data
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return stepOutcome{}, err
	}
	_ = e.store.LogEvent(ctx, Event{PlanID: plan.PlanID, Type: "step:completed", Data: map[string]any{"stepId": step.StepID}})

	if result.NextStep != "" {
		if err := e.applyBranch(ctx, plan.PlanID, step, result.NextStep); err != nil {
			return stepOutcome{}, err
		}
	}

	if result.RequiresApproval {
		_ = e.store.LogEvent(ctx, Event{PlanID: plan.PlanID, Type: "approval:required", Data: map[string]any{"stepId": step.StepID}})
		return stepOutcome{paused: true}, nil
	}
	if result.ShouldPause {
		return stepOutcome{paused: true}, nil
	}
	return stepOutcome{}, nil
}

// runWithTimeout races the handler's result against a timer, using a
// settled flag so a late completion cannot double-resolve.
func (e *Executor) runWithTimeout(ctx context.Context, handler StepHandler, rc *RunContext, timeout time.Duration) (StepResult, error) {
	type outcome struct {
		result StepResult
		err    error
	}
	ch := make(chan outcome, 1)
	var settled atomic.Bool

	go func() {
		defer func() {
			if r := recover(); r != nil {
				if settled.CompareAndSwap(false, true) {
					ch <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
				}
			}
		}()
		result, err := handler.Handle(ctx, rc)
		if settled.CompareAndSwap(false, true) {
			ch <- outcome{result: result, err: err}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-timer.C:
		return StepResult{}, &StepTimeoutError{Timeout: timeout}
	}
}

// applyBranch marks every pending step strictly between current and target
// (by OrderNum) as skipped.
func (e *Executor) applyBranch(ctx context.Context, planID string, current *Step, target string) error {
	steps, err := e.store.GetSteps(ctx, planID)
	if err != nil {
		return err
	}
	var targetOrder int
	found := false
	for _, st := range steps {
		if st.StepID == target {
			targetOrder = st.OrderNum
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	lo, hi := current.OrderNum, targetOrder
	if lo > hi {
		lo, hi = hi, lo
	}
	for _, st := range steps {
		if st.StepID == current.StepID || st.StepID == target {
			continue
		}
		if st.OrderNum > lo && st.OrderNum < hi && st.Status == StepPending {
			st.Status = StepSkipped
			if err := e.store.UpdateStep(ctx, st); err != nil {
				return err
			}
			_ = e.store.LogEvent(ctx, Event{PlanID: planID, Type: "step:skipped", Data: map[string]any{
				"stepId": st.StepID,
				"reason": "Skipped due to condition branch",
			}})
		}
	}
	return nil
}

// handleStepFailure applies the retry/backoff pipeline and, once retries
// are exhausted, the onFailure policy.
func (e *Executor) handleStepFailure(ctx context.Context, userID string, plan *Plan, step *Step, errMsg string, handle *runHandle) (stepOutcome, error) {
	if step.RetryCount < step.MaxRetries {
		step.Status = StepPending
		step.RetryCount++
		step.Error = &errMsg
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return stepOutcome{}, err
		}
		select {
		case <-handle.cancel:
			return stepOutcome{}, nil
		case <-time.After(backoffFor(step.RetryCount)):
		}
		return stepOutcome{}, nil
	}

	step.Status = StepFailed
	step.Error = &errMsg
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return stepOutcome{}, err
	}
	_ = e.store.LogEvent(ctx, Event{PlanID: plan.PlanID, Type: "step:failed", Data: map[string]any{
		"stepId": step.StepID,
		"error":  errMsg,
	}})

	policy := step.EffectiveOnFailure()
	switch policy {
	case OnFailureSkip:
		return stepOutcome{}, nil
	case OnFailureAbort:
		ferr := e.failPlan(ctx, userID, plan.PlanID, errMsg, StatusFailed)
		return stepOutcome{terminated: true, terminalErr: ferr}, nil
	default:
		// Interpreted as a step id to jump to; normal ordering picks it up.
		return stepOutcome{}, nil
	}
}

// retryBackoffPolicy reproduces the spec's min(1000*2^attempt, 30000) ms
// retry formula on top of the teacher's own backoff package.
// backoff.ComputeBackoff numbers attempts from 1 (base = InitialMs *
// Factor^(attempt-1)), so backoffFor shifts its zero-based attempt by one:
// with InitialMs=1000, Factor=2 that gives base = 1000*2^attempt exactly,
// matching the old hand-rolled doubling loop with no jitter.
var retryBackoffPolicy = backoff.BackoffPolicy{InitialMs: 1000, Factor: 2, MaxMs: 30000, Jitter: 0}

// backoffFor returns min(1000*2^attempt, 30000) ms.
func backoffFor(attempt int) time.Duration {
	return backoff.ComputeBackoff(retryBackoffPolicy, attempt+1)
}
