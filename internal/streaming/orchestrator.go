package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	nexuscontext "github.com/haasonsaas/nexus/internal/context"
	"github.com/haasonsaas/nexus/internal/usage"
	"github.com/haasonsaas/nexus/pkg/models"
)

// AgentStreamer is the subset of *agent.Runtime the orchestrator depends
// on, so it can be driven by a fake in tests without a real runtime.
type AgentStreamer interface {
	ProcessStream(ctx context.Context, session *models.Session, msg *models.Message) (<-chan models.AgentEvent, error)
}

// Orchestrator turns one agent turn's models.AgentEvent stream into the
// spec's SSE taxonomy (chunk/progress/autonomy/approval/done/error),
// subscribing to the Approval Gate for the two events it alone can source:
// a tool call newly waiting on consent, and a tool call the gate rejected.
//
// One Orchestrator instance is shared across turns; RunTurn is safe to call
// concurrently for distinct sessions.
type Orchestrator struct {
	streamer AgentStreamer
	gate     *agent.ApprovalGate
	usage    *usage.Tracker
	model    string
}

// NewOrchestrator wires a runtime-like streamer to its approval gate and
// usage tracker. gate and tracker may be nil; model names the LLM whose
// context window sizes the session-fill calculation.
func NewOrchestrator(streamer AgentStreamer, gate *agent.ApprovalGate, tracker *usage.Tracker, model string) *Orchestrator {
	return &Orchestrator{streamer: streamer, gate: gate, usage: tracker, model: model}
}

// RunTurn drives one turn of session against msg, publishing every SSE
// event to w in order, and returns once the turn has reached a terminal
// done/error event or ctx is cancelled.
func (o *Orchestrator) RunTurn(ctx context.Context, session *models.Session, msg *models.Message, w EventWriter) error {
	events, err := o.streamer.ProcessStream(ctx, session, msg)
	if err != nil {
		w.WriteEvent(EventError, ErrorPayload{Error: err.Error()})
		return err
	}

	var unsubscribe func()
	notifications := make(chan GateNotification, 16)
	if o.gate != nil {
		unsubscribe = o.gate.Subscribe(session.ID, func(n GateNotification) {
			select {
			case notifications <- n:
			default:
			}
		})
		defer unsubscribe()
	}

	t := newTurnState(msg.SessionID, o.model)
	started := time.Now()

	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			o.publishGateNotification(w, n)
		case ev, ok := <-events:
			if !ok {
				t.durationMs = time.Since(started).Milliseconds()
				o.publishDone(w, t)
				return nil
			}
			if fatal := o.handleEvent(w, t, ev); fatal != nil {
				w.WriteEvent(EventError, ErrorPayload{Error: fatal.Error()})
				return fatal
			}
		case <-ctx.Done():
			w.WriteEvent(EventError, ErrorPayload{Error: ctx.Err().Error()})
			return ctx.Err()
		}
	}
}

// turnState accumulates the per-turn bookkeeping that only becomes visible
// at the `done` event: usage totals, the tool-call trace, and message/token
// counts for the session-fill summary.
type turnState struct {
	sessionID string
	model     string

	mu           sync.Mutex
	usage        UsageInfo
	trace        []ToolCallTrace
	toolStarts   map[string]time.Time
	messageTexts []string
	durationMs   int64
	finishReason string
}

func newTurnState(sessionID, model string) *turnState {
	return &turnState{
		sessionID:  sessionID,
		model:      model,
		toolStarts: make(map[string]time.Time),
	}
}

func (o *Orchestrator) handleEvent(w EventWriter, t *turnState, ev models.AgentEvent) error {
	switch ev.Type {
	case models.AgentEventModelDelta:
		if ev.Stream == nil {
			return nil
		}
		t.mu.Lock()
		if ev.Stream.Delta != "" {
			t.messageTexts = append(t.messageTexts, ev.Stream.Delta)
		}
		t.mu.Unlock()
		return w.WriteEvent(EventChunk, ChunkPayload{
			ID:             fmt.Sprintf("%s-%d", ev.RunID, ev.Sequence),
			ConversationID: t.sessionID,
			Delta:          ev.Stream.Delta,
			Done:           false,
		})

	case models.AgentEventModelCompleted:
		if ev.Stream == nil {
			return nil
		}
		t.mu.Lock()
		t.usage.InputTokens += ev.Stream.InputTokens
		t.usage.OutputTokens += ev.Stream.OutputTokens
		t.usage.TotalTokens += ev.Stream.InputTokens + ev.Stream.OutputTokens
		if ev.Stream.Model != "" {
			t.model = ev.Stream.Model
		}
		t.mu.Unlock()
		return nil

	case models.AgentEventToolStarted:
		if ev.Tool == nil {
			return nil
		}
		t.mu.Lock()
		t.toolStarts[ev.Tool.CallID] = ev.Time
		t.mu.Unlock()
		call := displayToolCall(ev.Tool.Name, ev.Tool.ArgsJSON)
		success := false
		return w.WriteEvent(EventProgress, ProgressPayload{
			Type:       "tool_start",
			ToolName:   call.Name,
			ToolCallID: ev.Tool.CallID,
			Message:    fmt.Sprintf("running %s", call.Name),
			Success:    &success,
		})

	case models.AgentEventToolFinished:
		if ev.Tool == nil {
			return nil
		}
		call := displayToolCall(ev.Tool.Name, ev.Tool.ArgsJSON)
		t.mu.Lock()
		start, ok := t.toolStarts[ev.Tool.CallID]
		delete(t.toolStarts, ev.Tool.CallID)
		elapsed := ev.Tool.Elapsed
		if elapsed == 0 && ok {
			elapsed = ev.Time.Sub(start)
		}
		t.trace = append(t.trace, ToolCallTrace{
			Name:       call.Name,
			Arguments:  call.Arguments,
			Success:    ev.Tool.Success,
			Result:     previewJSON(ev.Tool.ResultJSON),
			DurationMs: elapsed.Milliseconds(),
		})
		t.mu.Unlock()
		success := ev.Tool.Success
		return w.WriteEvent(EventProgress, ProgressPayload{
			Type:       "tool_end",
			ToolName:   call.Name,
			ToolCallID: ev.Tool.CallID,
			Preview:    previewJSON(ev.Tool.ResultJSON),
			Success:    &success,
			DurationMs: elapsed.Milliseconds(),
		})

	case models.AgentEventRunError:
		if ev.Error == nil {
			return fmt.Errorf("run failed")
		}
		return fmt.Errorf("%s", ev.Error.Message)

	case models.AgentEventRunFinished, models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
		t.mu.Lock()
		t.finishReason = finishReasonFor(ev.Type)
		t.mu.Unlock()
		return nil

	default:
		return nil
	}
}

func finishReasonFor(t models.AgentEventType) string {
	switch t {
	case models.AgentEventRunCancelled:
		return "cancelled"
	case models.AgentEventRunTimedOut:
		return "timed_out"
	default:
		return "stop"
	}
}

// publishGateNotification turns an approval-gate notification into the
// spec's `approval` (pending consent) or `autonomy` (blocked) SSE event.
func (o *Orchestrator) publishGateNotification(w EventWriter, n GateNotification) {
	call := DisplayedCall{ID: n.ToolCall.ID, Name: n.ToolCall.Name}
	if n.Denied {
		w.WriteEvent(EventAutonomy, AutonomyPayload{Type: "tool_blocked", ToolCall: call, Reason: n.Reason})
		return
	}
	id := ""
	if n.Request != nil {
		id = n.Request.ID
	}
	w.WriteEvent(EventApproval, ApprovalPayload{
		Type:        "approval_required",
		ApprovalID:  id,
		Description: fmt.Sprintf("%s wants to run %s", n.Reason, n.ToolCall.Name),
	})
}

func (o *Orchestrator) publishDone(w EventWriter, t *turnState) {
	t.mu.Lock()
	usageInfo := t.usage
	trace := append([]ToolCallTrace(nil), t.trace...)
	texts := append([]string(nil), t.messageTexts...)
	finishReason := t.finishReason
	duration := t.durationMs
	model := t.model
	t.mu.Unlock()

	if finishReason == "" {
		finishReason = "stop"
	}

	suggestions, body := extractSuggestions(strings.Join(texts, ""))
	memories := extractMemoryHints(body)

	if o.usage != nil && usageInfo.TotalTokens > 0 {
		o.usage.Record(usage.Record{
			Model: model,
			Usage: usage.Usage{
				InputTokens:  int64(usageInfo.InputTokens),
				OutputTokens: int64(usageInfo.OutputTokens),
			},
		})
	}

	session := o.sessionInfo(texts, model)

	w.WriteEvent(EventDone, DonePayload{
		Done:         true,
		FinishReason: finishReason,
		Usage:        usageInfo,
		Suggestions:  suggestions,
		Memories:     memories,
		Trace: TracePayload{
			DurationMs:     duration,
			ToolCalls:      trace,
			AutonomyChecks: []any{},
			DBOperations:   []any{},
			MemoryOps:      []any{},
			TriggersFired:  []any{},
			Errors:         []any{},
		},
		Session: session,
	})
}

func (o *Orchestrator) sessionInfo(texts []string, model string) SessionInfo {
	estimated := nexuscontext.EstimateTokensForMessages(texts)
	maxTokens, _ := nexuscontext.GetModelContextWindow(model)
	var fill float64
	if maxTokens > 0 {
		fill = float64(estimated) / float64(maxTokens) * 100
	}
	return SessionInfo{
		MessageCount:       len(texts),
		EstimatedTokens:    estimated,
		MaxContextTokens:   maxTokens,
		ContextFillPercent: fill,
	}
}

// displayToolCall unwraps use_tool's {name, params} envelope to the real
// tool name and arguments so the UI never shows the meta-tool indirection.
// batch_use_tool is left as-is: it genuinely represents several calls.
func displayToolCall(name string, argsJSON []byte) DisplayedCall {
	call := DisplayedCall{Name: name}
	var raw map[string]any
	if len(argsJSON) > 0 {
		_ = json.Unmarshal(argsJSON, &raw)
	}
	if name == "use_tool" && raw != nil {
		if inner, ok := raw["name"].(string); ok {
			call.Name = inner
			if params, ok := raw["params"].(map[string]any); ok {
				call.Arguments = params
				return call
			}
		}
	}
	call.Arguments = raw
	return call
}

func previewJSON(b []byte) string {
	const maxPreview = 500
	s := string(b)
	if len(s) > maxPreview {
		return s[:maxPreview] + "..."
	}
	return s
}

var (
	suggestionsTagRe = regexp.MustCompile(`(?s)<suggestions>(.*?)</suggestions>`)
	memoryTagRe      = regexp.MustCompile(`(?s)<remember type="([a-z]+)"(?:\s+importance="([0-9.]+)")?>(.*?)</remember>`)
	suggestionLineRe = regexp.MustCompile(`(?m)^\s*-\s*(.+?)(?:\s*:\s*(.+))?$`)
)

// extractSuggestions pulls the spec's <suggestions> block out of the
// assembled response text and returns the remaining body alongside it, so
// extractMemoryHints can run on text with suggestions already stripped.
func extractSuggestions(text string) ([]Suggestion, string) {
	match := suggestionsTagRe.FindStringSubmatchIndex(text)
	if match == nil {
		return nil, text
	}
	inner := text[match[2]:match[3]]
	body := text[:match[0]] + text[match[1]:]

	var out []Suggestion
	for _, line := range suggestionLineRe.FindAllStringSubmatch(inner, -1) {
		title := strings.TrimSpace(line[1])
		if title == "" {
			continue
		}
		out = append(out, Suggestion{Title: title, Detail: strings.TrimSpace(line[2])})
	}
	return out, body
}

// extractMemoryHints pulls <remember type="..."> markers out of the
// response text. The orchestrator never writes these anywhere; it only
// surfaces them for the caller to confirm with the user.
func extractMemoryHints(text string) []MemoryHint {
	var out []MemoryHint
	for _, m := range memoryTagRe.FindAllStringSubmatch(text, -1) {
		hint := MemoryHint{Type: m[1], Content: strings.TrimSpace(m[3])}
		if m[2] != "" {
			fmt.Sscanf(m[2], "%f", &hint.Importance)
		}
		out = append(out, hint)
	}
	return out
}
