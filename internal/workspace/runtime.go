package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/pkg/models"
)

// State is the lifecycle state of a workspace's runtime conversation.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateWaiting    State = "waiting"
	StateError      State = "error"
)

// Settings controls per-workspace auto-reply and context behavior.
type Settings struct {
	AutoReply          bool
	ReplyDelay         time.Duration
	MaxContextMessages int
	EnableMemory       bool
	PIIDetection       bool
}

func sanitizeSettings(s Settings) Settings {
	if s.MaxContextMessages <= 0 {
		s.MaxContextMessages = 20
	}
	return s
}

// AgentBinding names which agent (provider/model/prompt/params) a
// workspace talks to. Resolution of the actual runnable agent is the
// caller's responsibility (see agentcache.Cache).
type AgentBinding struct {
	Provider string
	Model    string
	Prompt   string
	Params   map[string]any
}

// Workspace is a per-conversation runtime: a message buffer, a state
// machine, and the channel bindings that feed it.
type Workspace struct {
	ID             string
	Name           string
	Channels       map[string]struct{}
	Settings       Settings
	Agent          AgentBinding
	State          State
	ConversationID string
	Messages       []*models.Message
	CreatedAt      time.Time
	LastActivityAt time.Time
	Error          string
}

func newWorkspace(id, name string, settings Settings, agentBinding AgentBinding) *Workspace {
	now := time.Now()
	return &Workspace{
		ID:             id,
		Name:           name,
		Channels:       make(map[string]struct{}),
		Settings:       sanitizeSettings(settings),
		Agent:          agentBinding,
		State:          StateIdle,
		ConversationID: uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// snapshot returns a shallow copy safe to hand to a caller: the message
// slice and channel set are copied so mutation by the caller can't
// corrupt runtime state.
func (w *Workspace) snapshot() *Workspace {
	cp := *w
	cp.Channels = make(map[string]struct{}, len(w.Channels))
	for k := range w.Channels {
		cp.Channels[k] = struct{}{}
	}
	cp.Messages = append([]*models.Message(nil), w.Messages...)
	return &cp
}

// ResponseGenerator produces a reply for an incoming message. Runtime
// calls this with AutoReply enabled; the generator is typically backed
// by an agentcache.Cache-assembled agent.
type ResponseGenerator interface {
	Generate(ctx context.Context, ws *Workspace, incoming *models.Message) (*models.Message, error)
}

// ChannelSender delivers an outgoing message to a channel. Runtime uses
// this to bridge generated replies back out to the originating channel.
type ChannelSender interface {
	Send(ctx context.Context, channelID string, msg *models.Message) error
}

// Event is passed to listeners registered via On.
type Event struct {
	Name        string
	WorkspaceID string
	Payload     any
}

type listener struct {
	token int
	fn    func(ctx context.Context, e Event)
}

// RuntimeConfig wires the runtime's external dependencies. Both fields
// are optional: with no ResponseGenerator, auto-reply is a no-op; with
// no ChannelSender, generated replies stay in the message buffer only.
type RuntimeConfig struct {
	ResponseGenerator ResponseGenerator
	ChannelSender     ChannelSender
}

// Runtime manages a set of workspaces, the one-to-one channel-to-
// workspace mapping, and a default-workspace pointer, and fans out
// lifecycle events to registered listeners.
type Runtime struct {
	config RuntimeConfig

	mu                 sync.RWMutex
	workspaces         map[string]*Workspace
	channelToWorkspace map[string]string
	defaultWorkspaceID string

	listenersMu sync.Mutex
	listeners   map[string][]listener
	nextToken   int
}

// NewRuntime creates an empty Runtime.
func NewRuntime(config RuntimeConfig) *Runtime {
	return &Runtime{
		config:             config,
		workspaces:         make(map[string]*Workspace),
		channelToWorkspace: make(map[string]string),
		listeners:          make(map[string][]listener),
	}
}

// CreateWorkspace registers a new workspace. If it's the first one
// created, it becomes the default workspace.
func (r *Runtime) CreateWorkspace(id, name string, settings Settings, agentBinding AgentBinding) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workspaces[id]; exists {
		return nil, fmt.Errorf("workspace: %q already exists", id)
	}
	ws := newWorkspace(id, name, settings, agentBinding)
	r.workspaces[id] = ws
	if r.defaultWorkspaceID == "" {
		r.defaultWorkspaceID = id
	}
	return ws.snapshot(), nil
}

// Get returns a snapshot of a workspace by id.
func (r *Runtime) Get(id string) (*Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return nil, false
	}
	return ws.snapshot(), true
}

// DefaultWorkspace returns the current default workspace, if any exists.
func (r *Runtime) DefaultWorkspace() (*Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultWorkspaceID == "" {
		return nil, false
	}
	ws, ok := r.workspaces[r.defaultWorkspaceID]
	if !ok {
		return nil, false
	}
	return ws.snapshot(), true
}

// DeleteWorkspace removes a workspace and unbinds its channels. If the
// deleted workspace was the default, the default pointer moves to an
// arbitrary remaining workspace, or clears if none remain.
func (r *Runtime) DeleteWorkspace(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[id]
	if !ok {
		return
	}
	for ch := range ws.Channels {
		delete(r.channelToWorkspace, ch)
	}
	delete(r.workspaces, id)

	if r.defaultWorkspaceID == id {
		r.defaultWorkspaceID = ""
		for otherID := range r.workspaces {
			r.defaultWorkspaceID = otherID
			break
		}
	}
}

// BindChannel maps channelID to workspaceID, replacing any previous
// binding for that channel (the mapping is one-to-one: a channel can
// feed exactly one workspace at a time).
func (r *Runtime) BindChannel(channelID, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace: %q does not exist", workspaceID)
	}
	if prevID, bound := r.channelToWorkspace[channelID]; bound && prevID != workspaceID {
		if prev, ok := r.workspaces[prevID]; ok {
			delete(prev.Channels, channelID)
		}
	}
	r.channelToWorkspace[channelID] = workspaceID
	ws.Channels[channelID] = struct{}{}
	return nil
}

// UnbindChannel removes a channel's mapping entirely.
func (r *Runtime) UnbindChannel(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wsID, ok := r.channelToWorkspace[channelID]
	if !ok {
		return
	}
	if ws, ok := r.workspaces[wsID]; ok {
		delete(ws.Channels, channelID)
	}
	delete(r.channelToWorkspace, channelID)
}

// workspaceForChannel resolves a channel to its workspace, falling back
// to the default workspace when the channel has no explicit binding.
func (r *Runtime) workspaceForChannel(channelID string) (*Workspace, bool) {
	if wsID, ok := r.channelToWorkspace[channelID]; ok {
		if ws, ok := r.workspaces[wsID]; ok {
			return ws, true
		}
	}
	if r.defaultWorkspaceID != "" {
		if ws, ok := r.workspaces[r.defaultWorkspaceID]; ok {
			return ws, true
		}
	}
	return nil, false
}

// On registers a listener for event name, returning a token usable with
// Off. Listeners for the same event run in registration order.
func (r *Runtime) On(name string, fn func(ctx context.Context, e Event)) int {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.nextToken++
	token := r.nextToken
	r.listeners[name] = append(r.listeners[name], listener{token: token, fn: fn})
	return token
}

// Off removes a previously registered listener. Unknown tokens are a no-op.
func (r *Runtime) Off(name string, token int) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	existing := r.listeners[name]
	for i, l := range existing {
		if l.token == token {
			r.listeners[name] = append(existing[:i:i], existing[i+1:]...)
			return
		}
	}
}

// emit invokes every listener registered for name, in order, under a
// local copy of the slice so a listener calling Off during emission
// doesn't disturb this emission's iteration. A listener that panics is
// logged and skipped; remaining listeners still run.
func (r *Runtime) emit(ctx context.Context, name, workspaceID string, payload any) {
	r.listenersMu.Lock()
	snapshot := append([]listener(nil), r.listeners[name]...)
	r.listenersMu.Unlock()

	e := Event{Name: name, WorkspaceID: workspaceID, Payload: payload}
	for _, l := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.With("component", "workspace-runtime").
						Error("event listener panicked", "event", name, "recover", rec)
				}
			}()
			l.fn(ctx, e)
		}()
	}
}

// pruneMessages drops oldest entries once the buffer exceeds
// 5×MaxContextMessages, down to exactly that size.
func pruneMessages(ws *Workspace) {
	limit := 5 * ws.Settings.MaxContextMessages
	if limit <= 0 || len(ws.Messages) <= limit {
		return
	}
	ws.Messages = ws.Messages[len(ws.Messages)-limit:]
}

// ClearMessages empties a workspace's buffer and issues a fresh
// conversation id, atomically with respect to concurrent message
// processing.
func (r *Runtime) ClearMessages(workspaceID string) error {
	r.mu.Lock()
	ws, ok := r.workspaces[workspaceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("workspace: %q does not exist", workspaceID)
	}
	ws.Messages = nil
	ws.ConversationID = uuid.NewString()
	r.mu.Unlock()

	r.emit(context.Background(), "messages:cleared", workspaceID, nil)
	return nil
}

// ProcessIncomingMessage appends an inbound message to the resolved
// workspace's buffer, emits message:received, and — if AutoReply is
// enabled and a ResponseGenerator is configured — generates and (if a
// ChannelSender is configured) delivers a reply.
func (r *Runtime) ProcessIncomingMessage(ctx context.Context, channelID string, msg *models.Message) error {
	r.mu.Lock()
	ws, ok := r.workspaceForChannel(channelID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("workspace: no workspace bound to channel %q and no default workspace exists", channelID)
	}

	ws.State = StateProcessing
	ws.LastActivityAt = time.Now()
	ws.Messages = append(ws.Messages, msg)
	pruneMessages(ws)
	autoReply := ws.Settings.AutoReply
	workspaceID := ws.ID
	r.mu.Unlock()

	r.emit(ctx, "message:received", workspaceID, msg)

	if !autoReply || r.config.ResponseGenerator == nil {
		r.setState(workspaceID, StateIdle, "")
		return nil
	}

	return r.generateResponse(ctx, workspaceID, channelID, msg)
}

func (r *Runtime) generateResponse(ctx context.Context, workspaceID, channelID string, incoming *models.Message) error {
	r.mu.RLock()
	ws, ok := r.workspaces[workspaceID]
	var wsCopy *Workspace
	if ok {
		wsCopy = ws.snapshot()
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("workspace: %q does not exist", workspaceID)
	}

	reply, err := r.config.ResponseGenerator.Generate(ctx, wsCopy, incoming)
	if err != nil {
		r.setState(workspaceID, StateError, err.Error())
		r.emit(ctx, "message:error", workspaceID, err)
		return err
	}

	r.mu.Lock()
	if ws, ok := r.workspaces[workspaceID]; ok {
		ws.Messages = append(ws.Messages, reply)
		pruneMessages(ws)
		ws.State = StateIdle
		ws.LastActivityAt = time.Now()
	}
	r.mu.Unlock()

	r.emit(ctx, "message:sent", workspaceID, reply)

	if r.config.ChannelSender != nil {
		if err := r.config.ChannelSender.Send(ctx, channelID, reply); err != nil {
			r.emit(ctx, "message:delivery_failed", workspaceID, err)
			return err
		}
	}
	return nil
}

func (r *Runtime) setState(workspaceID string, state State, errMsg string) {
	r.mu.Lock()
	ws, ok := r.workspaces[workspaceID]
	if ok {
		ws.State = state
		ws.Error = errMsg
	}
	r.mu.Unlock()
	if ok {
		r.emit(context.Background(), "state:changed", workspaceID, state)
	}
}

// SetWaiting marks a workspace as waiting (e.g. on an approval decision
// or user input) and emits state:changed.
func (r *Runtime) SetWaiting(workspaceID string) {
	r.setState(workspaceID, StateWaiting, "")
}
