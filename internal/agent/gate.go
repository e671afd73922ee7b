package agent

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/infra"
	"github.com/haasonsaas/nexus/pkg/models"
)

// GateConfig bounds the Approval Gate's caching and wait behavior.
type GateConfig struct {
	// DecisionCacheTTL is how long an allowed decision is remembered for
	// a given (agent, tool) pair before Check is consulted again.
	DecisionCacheTTL time.Duration

	// DecisionCacheMaxSize bounds the cache's entry count.
	DecisionCacheMaxSize int

	// DefaultWaitTimeout is used when a pending request carries no
	// explicit expiry.
	DefaultWaitTimeout time.Duration
}

// DefaultGateConfig returns conservative defaults: short-lived caching,
// a bounded cache, and a five-minute wait ceiling matching
// DefaultApprovalPolicy's RequestTTL.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		DecisionCacheTTL:     2 * time.Minute,
		DecisionCacheMaxSize: 500,
		DefaultWaitTimeout:   5 * time.Minute,
	}
}

func sanitizeGateConfig(cfg GateConfig) GateConfig {
	defaults := DefaultGateConfig()
	if cfg.DecisionCacheTTL <= 0 {
		cfg.DecisionCacheTTL = defaults.DecisionCacheTTL
	}
	if cfg.DecisionCacheMaxSize <= 0 {
		cfg.DecisionCacheMaxSize = defaults.DecisionCacheMaxSize
	}
	if cfg.DefaultWaitTimeout <= 0 {
		cfg.DefaultWaitTimeout = defaults.DefaultWaitTimeout
	}
	return cfg
}

type decisionCacheKey struct {
	agentID    string
	actionType string
}

// ApprovalGate wraps an ApprovalChecker with a single, blocking API that
// unifies the checker's two previously separate consumption paths: the
// in-process future a caller can await (RequestApproval), and the
// store-backed poll/approve/deny flow an external UI drives
// (GetPendingRequests/Approve/Deny). Resolve is the one place both paths
// converge, so a UI decision always wakes up a blocked caller and vice
// versa. Allowed decisions are cached per (agent, tool); denials are
// never cached, since a denial may be situational (missing context,
// expired session) rather than a durable policy fact.
type ApprovalGate struct {
	checker *ApprovalChecker
	config  GateConfig

	mu      sync.Mutex
	waiters map[string]chan ApprovalDecision

	subMu       sync.Mutex
	pendingSubs map[string][]PendingWatcher

	decisions *infra.TTLCache[decisionCacheKey, ApprovalDecision]
}

// GateNotification is delivered to a session's watchers at the two moments
// the Streaming Chat Orchestrator (component D) needs to turn into SSE
// events: the instant a tool call starts waiting on user consent
// (Request != nil, Denied == false — the spec's `approval_required` event),
// and the instant a gate decision comes back denied, whether immediately by
// policy or after an await times out (Denied == true — the spec's
// `tool_blocked` autonomy event).
type GateNotification struct {
	Request  *ApprovalRequest // nil for an immediate policy denial with no pending request
	ToolCall models.ToolCall
	Denied   bool
	Reason   string
}

// PendingWatcher receives gate notifications for one session.
type PendingWatcher func(n GateNotification)

// NewApprovalGate wraps checker with the gate's caching and wait semantics.
func NewApprovalGate(checker *ApprovalChecker, config GateConfig) *ApprovalGate {
	config = sanitizeGateConfig(config)
	return &ApprovalGate{
		checker:     checker,
		config:      config,
		waiters:     make(map[string]chan ApprovalDecision),
		pendingSubs: make(map[string][]PendingWatcher),
		decisions: infra.NewTTLCache[decisionCacheKey, ApprovalDecision](infra.CacheConfig{
			DefaultTTL: config.DecisionCacheTTL,
			MaxSize:    config.DecisionCacheMaxSize,
		}),
	}
}

// Subscribe registers watch to be called, in registration order, whenever a
// pending approval request is created for sessionID. The returned function
// removes the subscription; it is safe to call more than once.
func (g *ApprovalGate) Subscribe(sessionID string, watch PendingWatcher) (unsubscribe func()) {
	g.subMu.Lock()
	g.pendingSubs[sessionID] = append(g.pendingSubs[sessionID], watch)
	idx := len(g.pendingSubs[sessionID]) - 1
	g.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.subMu.Lock()
			defer g.subMu.Unlock()
			subs := g.pendingSubs[sessionID]
			if idx < len(subs) {
				subs[idx] = nil
			}
		})
	}
}

func (g *ApprovalGate) notify(sessionID string, n GateNotification) {
	g.subMu.Lock()
	subs := append([]PendingWatcher(nil), g.pendingSubs[sessionID]...)
	g.subMu.Unlock()
	for _, watch := range subs {
		if watch == nil {
			continue
		}
		func() {
			defer func() { recover() }()
			watch(n)
		}()
	}
}

// RequestApproval evaluates toolCall, consulting the decision cache first.
// A Pending verdict blocks until Resolve is called for the resulting
// request, the request's TTL elapses (default-deny), or ctx is cancelled.
func (g *ApprovalGate) RequestApproval(ctx context.Context, agentID, sessionID string, toolCall models.ToolCall) (ApprovalDecision, string, error) {
	key := decisionCacheKey{agentID: agentID, actionType: toolCall.Name}
	if cached, ok := g.decisions.Get(key); ok {
		return cached, "cached decision", nil
	}

	decision, reason := g.checker.Check(ctx, agentID, toolCall)
	switch decision {
	case ApprovalAllowed:
		g.decisions.Set(key, ApprovalAllowed)
		return ApprovalAllowed, reason, nil
	case ApprovalDenied:
		g.notify(sessionID, GateNotification{ToolCall: toolCall, Denied: true, Reason: reason})
		return ApprovalDenied, reason, nil
	default:
		return g.awaitDecision(ctx, agentID, sessionID, toolCall, reason)
	}
}

func (g *ApprovalGate) awaitDecision(ctx context.Context, agentID, sessionID string, toolCall models.ToolCall, reason string) (ApprovalDecision, string, error) {
	req, err := g.checker.CreateApprovalRequest(ctx, agentID, sessionID, toolCall, reason)
	if err != nil {
		return ApprovalDenied, reason, err
	}
	g.notify(sessionID, GateNotification{Request: req, ToolCall: toolCall, Reason: reason})

	ch := make(chan ApprovalDecision, 1)
	g.mu.Lock()
	g.waiters[req.ID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.waiters, req.ID)
		g.mu.Unlock()
	}()

	timeout := g.config.DefaultWaitTimeout
	if !req.ExpiresAt.IsZero() {
		if remaining := time.Until(req.ExpiresAt); remaining > 0 {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		if decision != ApprovalAllowed {
			g.notify(sessionID, GateNotification{Request: req, ToolCall: toolCall, Denied: true, Reason: "resolved"})
		}
		return decision, "resolved", nil
	case <-timer.C:
		_ = g.checker.Deny(ctx, req.ID, "system:timeout")
		g.notify(sessionID, GateNotification{Request: req, ToolCall: toolCall, Denied: true, Reason: "approval request timed out"})
		return ApprovalDenied, "approval request timed out", nil
	case <-ctx.Done():
		g.notify(sessionID, GateNotification{Request: req, ToolCall: toolCall, Denied: true, Reason: "context cancelled"})
		return ApprovalDenied, "context cancelled", ctx.Err()
	}
}

// Resolve records an external decision for a pending request (normally
// driven by a UI calling Approve/Deny) and wakes any in-process caller
// blocked on it in RequestApproval.
func (g *ApprovalGate) Resolve(ctx context.Context, requestID string, approve bool, decidedBy string) error {
	var err error
	decision := ApprovalDenied
	if approve {
		err = g.checker.Approve(ctx, requestID, decidedBy)
		decision = ApprovalAllowed
	} else {
		err = g.checker.Deny(ctx, requestID, decidedBy)
	}
	if err != nil {
		return err
	}

	g.mu.Lock()
	ch, waiting := g.waiters[requestID]
	g.mu.Unlock()
	if waiting {
		select {
		case ch <- decision:
		default:
		}
	}
	return nil
}

// IsWaiting reports whether an in-process caller is currently blocked on requestID.
func (g *ApprovalGate) IsWaiting(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[requestID]
	return ok
}

// InvalidateDecisionCache clears a cached allow decision, forcing the next
// RequestApproval for (agentID, toolName) to re-run the full policy check.
func (g *ApprovalGate) InvalidateDecisionCache(agentID, toolName string) {
	g.decisions.Delete(decisionCacheKey{agentID: agentID, actionType: toolName})
}

// Checker returns the underlying ApprovalChecker, for callers that still
// need direct access to PolicyFor/GetPendingRequests.
func (g *ApprovalGate) Checker() *ApprovalChecker {
	return g.checker
}
