// Package streaming implements the server-sent-event pipeline that drives
// one agent turn: it consumes the agent runtime's event stream, bridges to
// the Approval Gate for tool calls that need user consent, and publishes a
// strictly ordered sequence of SSE events to an injected writer.
//
// Grounded on internal/agent/runtime.go's ProcessStream (the models.AgentEvent
// channel) and internal/agent/event_sink.go's sink/fan-out idiom; the
// approval bridge is grounded on internal/agent/gate.go's correlated-futures
// ApprovalGate.
package streaming


// EventWriter publishes one SSE event for the active turn. Implementations
// must treat every write as best-effort: a write failure (e.g. the client
// disconnected) must never propagate into the orchestrator's control flow,
// only be logged by the writer itself if it wants to.
type EventWriter interface {
	WriteEvent(eventType string, payload any) error
}

// ChunkPayload carries token deltas and assembling tool-call fragments.
type ChunkPayload struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Delta          string          `json:"delta,omitempty"`
	Done           bool            `json:"done"`
	ToolCalls      []DisplayedCall `json:"toolCalls,omitempty"`
	Usage          *UsageInfo      `json:"usage,omitempty"`
	FinishReason   string          `json:"finishReason,omitempty"`
}

// DisplayedCall is a tool call as shown to the user: use_tool calls are
// unwrapped to the real tool name and arguments (§4.D "tool display
// normalisation"); batch_use_tool is never unwrapped.
type DisplayedCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Raw       map[string]any  `json:"-"`
}

// ProgressPayload reports tool lifecycle and freeform status lines.
type ProgressPayload struct {
	Type      string `json:"type"` // "status" | "tool_start" | "tool_end"
	Message   string `json:"message,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Preview   string `json:"preview,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// AutonomyPayload announces a tool rejected outright by the approval gate
// (no pending consent request was created — a flat policy denial or a
// timed-out wait).
type AutonomyPayload struct {
	Type     string         `json:"type"` // "tool_blocked"
	ToolCall DisplayedCall  `json:"toolCall"`
	Reason   string         `json:"reason"`
}

// ApprovalPayload announces a tool call that is now waiting on user
// consent. Code/RiskAnalysis are optional enrichments a caller may attach
// before the orchestrator is invoked (neither is computed here).
type ApprovalPayload struct {
	Type         string `json:"type"` // "approval_required"
	ApprovalID   string `json:"approvalId"`
	Category     string `json:"category,omitempty"`
	Description  string `json:"description"`
	Code         string `json:"code,omitempty"`
	RiskAnalysis string `json:"riskAnalysis,omitempty"`
}

// UsageInfo is the per-turn token usage summary.
type UsageInfo struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	TotalTokens      int `json:"totalTokens"`
	CachedTokens     int `json:"cachedTokens,omitempty"`
}

// Suggestion is one parsed `<suggestions>` entry (§6 wire conventions).
type Suggestion struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// MemoryHint is one parsed memory-save hint. The orchestrator only ever
// surfaces these for the user to confirm; it never persists them itself.
type MemoryHint struct {
	Type       string `json:"type"` // fact | preference | event | skill
	Content    string `json:"content"`
	Importance float64 `json:"importance,omitempty"`
}

// ToolCallTrace is one entry of the final trace's tool-call list.
type ToolCallTrace struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Success   bool           `json:"success"`
	Result    string         `json:"result,omitempty"`
	DurationMs int64         `json:"durationMs,omitempty"`
}

// ModelCallTrace summarizes one LLM call's usage for the trace.
type ModelCallTrace struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    UsageInfo `json:"usage"`
}

// TracePayload is the full per-turn trace attached to the `done` event.
type TracePayload struct {
	DurationMs       int64            `json:"durationMs"`
	ToolCalls        []ToolCallTrace  `json:"toolCalls"`
	ModelCalls       []ModelCallTrace `json:"modelCalls,omitempty"`
	RequestSummary   string           `json:"requestSummary,omitempty"`
	ResponseSummary  string           `json:"responseSummary,omitempty"`
	AutonomyChecks   []any            `json:"autonomyChecks"`
	DBOperations     []any            `json:"dbOperations"`
	MemoryOps        []any            `json:"memoryOps"`
	TriggersFired    []any            `json:"triggersFired"`
	Errors           []any            `json:"errors"`
}

// SessionInfo is the `done` event's session-fill summary.
type SessionInfo struct {
	MessageCount       int     `json:"messageCount"`
	EstimatedTokens    int     `json:"estimatedTokens"`
	MaxContextTokens   int     `json:"maxContextTokens"`
	ContextFillPercent float64 `json:"contextFillPercent"`
}

// DonePayload is the terminal event of a successful turn.
type DonePayload struct {
	ID           string       `json:"id"`
	Done         bool         `json:"done"`
	FinishReason string       `json:"finishReason"`
	Usage        UsageInfo    `json:"usage"`
	Suggestions  []Suggestion `json:"suggestions,omitempty"`
	Memories     []MemoryHint `json:"memories,omitempty"`
	Trace        TracePayload `json:"trace"`
	Session      SessionInfo  `json:"session"`
}

// ErrorPayload is a fatal turn failure.
type ErrorPayload struct {
	Error string `json:"error"`
}

const (
	EventChunk    = "chunk"
	EventDone     = "done"
	EventProgress = "progress"
	EventAutonomy = "autonomy"
	EventApproval = "approval"
	EventError    = "error"
)
