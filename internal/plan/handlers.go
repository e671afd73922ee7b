package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StepResult is returned by a StepHandler after processing a step.
type StepResult struct {
	Success bool
	Data    any
	Error   string

	// NextStep, when set, branches execution: every pending step whose
	// OrderNum lies strictly between the current step and the target is
	// marked skipped, and the target is picked up on the next iteration.
	NextStep string

	// ShouldPause pauses the plan once this step completes (user_input).
	ShouldPause bool

	// RequiresApproval pauses the plan and emits approval:required.
	RequiresApproval bool
}

// RunContext is handed to every StepHandler invocation.
type RunContext struct {
	Plan             *Plan
	Step             *Step
	PreviousResults  map[string]any
	CancellationSignal <-chan struct{}
	UserID           string
}

// Cancelled reports whether the plan's cancellation signal has fired.
func (rc *RunContext) Cancelled() bool {
	select {
	case <-rc.CancellationSignal:
		return true
	default:
		return false
	}
}

// StepHandler is a pure adapter from (config, context) to StepResult.
// The handler table is open: plugins may register additional types at
// runtime via Executor.RegisterHandler.
type StepHandler interface {
	Handle(ctx context.Context, rc *RunContext) (StepResult, error)
}

// StepHandlerFunc adapts a plain function to StepHandler.
type StepHandlerFunc func(ctx context.Context, rc *RunContext) (StepResult, error)

func (f StepHandlerFunc) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	return f(ctx, rc)
}

// ToolExecutor is the component A contract re-entered by the tool_call
// and parallel/loop handlers. It never returns a transport error for a
// failed tool call — failures are reported via ok=false, exactly like
// agent.ToolRegistry.Execute.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]any, userID string) (ok bool, result any, errMsg string)
}

// ChatAgent is the component D/G contract re-entered by llm_decision.
type ChatAgent interface {
	Decide(ctx context.Context, provider, model, prompt string) (decision string, toolCalls []map[string]any, err error)
}

// SubPlanRunner executes a nested plan to completion, re-entering the
// Plan Executor. *Executor satisfies this interface.
type SubPlanRunner interface {
	Execute(ctx context.Context, planID string) (*ExecutionResult, error)
}

func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func configInt(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func configMap(cfg map[string]any, key string) map[string]any {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// ToolCallHandler executes a registered tool by name with toolArgs, forwarding
// the calling user's ID.
type ToolCallHandler struct {
	Tools ToolExecutor
}

func (h *ToolCallHandler) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	toolName := configString(rc.Step.Config, "toolName")
	if toolName == "" {
		return StepResult{Success: false, Error: "tool_call step requires toolName"}, nil
	}
	if h.Tools == nil {
		return StepResult{Success: false, Error: "no tool executor configured"}, nil
	}
	args := configMap(rc.Step.Config, "toolArgs")
	ok, data, errMsg := h.Tools.Execute(ctx, toolName, args, rc.UserID)
	if !ok {
		return StepResult{Success: false, Error: errMsg}, nil
	}
	return StepResult{Success: true, Data: data}, nil
}

// LLMDecisionHandler appends choices and a summary of previous results to
// the configured prompt and invokes the chat agent for a decision.
type LLMDecisionHandler struct {
	Agent ChatAgent
}

func (h *LLMDecisionHandler) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	prompt := configString(rc.Step.Config, "prompt")
	if prompt == "" {
		return StepResult{Success: false, Error: "llm_decision step requires prompt"}, nil
	}
	if h.Agent == nil {
		return StepResult{Success: false, Error: "no chat agent configured"}, nil
	}

	var b strings.Builder
	b.WriteString(prompt)

	if choices, ok := rc.Step.Config["choices"].([]any); ok && len(choices) > 0 {
		b.WriteString("\n\nChoices:\n")
		for _, c := range choices {
			fmt.Fprintf(&b, "- %v\n", c)
		}
	}
	if len(rc.PreviousResults) > 0 {
		b.WriteString("\n\nPrevious results:\n")
		for stepID, res := range rc.PreviousResults {
			fmt.Fprintf(&b, "- %s: %v\n", stepID, res)
		}
	}

	provider := configString(rc.Step.Config, "provider")
	model := configString(rc.Step.Config, "model")
	decision, toolCalls, err := h.Agent.Decide(ctx, provider, model, b.String())
	if err != nil {
		return StepResult{Success: false, Error: err.Error()}, nil
	}
	return StepResult{Success: true, Data: map[string]any{
		"decision":  decision,
		"toolCalls": toolCalls,
	}}, nil
}

// UserInputHandler pauses the plan to await user-supplied input.
type UserInputHandler struct{}

func (h *UserInputHandler) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	return StepResult{
		Success:     true,
		ShouldPause: true,
		Data: map[string]any{
			"question":  configString(rc.Step.Config, "question"),
			"inputType": configString(rc.Step.Config, "inputType"),
			"options":   rc.Step.Config["options"],
		},
	}, nil
}

// ConditionHandler supports "true", "false", and "result:<stepId>" syntax,
// branching to trueStep or falseStep.
type ConditionHandler struct{}

func (h *ConditionHandler) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	cond := configString(rc.Step.Config, "condition")
	trueStep := configString(rc.Step.Config, "trueStep")
	falseStep := configString(rc.Step.Config, "falseStep")

	var truthy bool
	switch {
	case cond == "true":
		truthy = true
	case cond == "false":
		truthy = false
	case strings.HasPrefix(cond, "result:"):
		stepID := strings.TrimPrefix(cond, "result:")
		truthy = isTruthy(rc.PreviousResults[stepID])
	default:
		return StepResult{Success: false, Error: fmt.Sprintf("unsupported condition: %q", cond)}, nil
	}

	target := falseStep
	if truthy {
		target = trueStep
	}
	return StepResult{Success: true, Data: map[string]any{"result": truthy}, NextStep: target}, nil
}

func isTruthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return true
	}
}

// parallelCall is one entry of a parallel step's "steps" config: either a
// bare tool name or {toolName, toolArgs}.
type parallelCall struct {
	ToolName string
	ToolArgs map[string]any
}

func parseParallelCalls(raw any) []parallelCall {
	items, _ := raw.([]any)
	calls := make([]parallelCall, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			calls = append(calls, parallelCall{ToolName: v})
		case map[string]any:
			name, _ := v["toolName"].(string)
			args, _ := v["toolArgs"].(map[string]any)
			calls = append(calls, parallelCall{ToolName: name, ToolArgs: args})
		}
	}
	return calls
}

// ParallelHandler batches a heterogeneous list of tool calls in groups of
// maxConcurrent (default 5), using settle-all semantics. Success requires
// every inner call to succeed.
type ParallelHandler struct {
	Tools ToolExecutor
}

const defaultMaxConcurrent = 5

func (h *ParallelHandler) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	if h.Tools == nil {
		return StepResult{Success: false, Error: "no tool executor configured"}, nil
	}
	calls := parseParallelCalls(rc.Step.Config["steps"])
	if len(calls) == 0 {
		return StepResult{Success: true, Data: []any{}}, nil
	}
	maxConcurrent := configInt(rc.Step.Config, "maxConcurrent", defaultMaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	type outcome struct {
		ok   bool
		data any
		err  string
	}
	results := make([]outcome, len(calls))

	for start := 0; start < len(calls); start += maxConcurrent {
		end := start + maxConcurrent
		if end > len(calls) {
			end = len(calls)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, data, errMsg := h.Tools.Execute(ctx, calls[i].ToolName, calls[i].ToolArgs, rc.UserID)
				results[i] = outcome{ok: ok, data: data, err: errMsg}
			}(i)
		}
		wg.Wait()
	}

	allOK := true
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{"success": r.ok, "data": r.data, "error": r.err}
		if !r.ok {
			allOK = false
		}
	}
	return StepResult{Success: allOK, Data: out}, nil
}

const defaultMaxIterations = 10

// LoopHandler repeatedly invokes toolName up to maxIterations times,
// passing {...toolArgs, iteration: i}. Stops early on failure or abort.
type LoopHandler struct {
	Tools ToolExecutor
}

func (h *LoopHandler) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	if h.Tools == nil {
		return StepResult{Success: false, Error: "no tool executor configured"}, nil
	}
	toolName := configString(rc.Step.Config, "toolName")
	if toolName == "" {
		return StepResult{Success: false, Error: "loop step requires toolName"}, nil
	}
	maxIterations := configInt(rc.Step.Config, "maxIterations", defaultMaxIterations)
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	baseArgs := configMap(rc.Step.Config, "toolArgs")

	var out []any
	for i := 0; i < maxIterations; i++ {
		if rc.Cancelled() {
			break
		}
		args := make(map[string]any, len(baseArgs)+1)
		for k, v := range baseArgs {
			args[k] = v
		}
		args["iteration"] = i
		ok, data, errMsg := h.Tools.Execute(ctx, toolName, args, rc.UserID)
		out = append(out, map[string]any{"success": ok, "data": data, "error": errMsg})
		if !ok {
			return StepResult{Success: false, Error: errMsg, Data: out}, nil
		}
	}
	return StepResult{Success: true, Data: out}, nil
}

// SubPlanHandler recursively invokes the executor for subPlanId; the
// child's terminal status determines success.
type SubPlanHandler struct {
	Runner SubPlanRunner
}

func (h *SubPlanHandler) Handle(ctx context.Context, rc *RunContext) (StepResult, error) {
	subPlanID := configString(rc.Step.Config, "subPlanId")
	if subPlanID == "" {
		return StepResult{Success: false, Error: "sub_plan step requires subPlanId"}, nil
	}
	if h.Runner == nil {
		return StepResult{Success: false, Error: "no sub-plan runner configured"}, nil
	}
	result, err := h.Runner.Execute(ctx, subPlanID)
	if err != nil {
		return StepResult{Success: false, Error: err.Error()}, nil
	}
	success := result != nil && result.Status == StatusCompleted
	var errMsg string
	if !success && result != nil {
		errMsg = result.Error
	}
	return StepResult{Success: success, Error: errMsg, Data: result}, nil
}
