// Package agentcache assembles runnable agents on demand and caches them.
//
// Construction is expensive: it resolves a provider/model pair, fetches
// credentials, builds a full tool registry, and composes a system prompt
// from memory and goal context. The cache exists so that a busy workspace
// or plan executor doesn't pay that cost on every turn, and so that two
// concurrent callers asking for the same agent id coalesce onto a single
// build instead of racing each other.
package agentcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/infra"
	"github.com/haasonsaas/nexus/internal/sessions"
)

// AgentSpec describes what to build. AgentID identifies the cache slot;
// Provider/Model may be "default", resolved at build time.
type AgentSpec struct {
	AgentID      string
	UserID       string
	Provider     string
	Model        string
	SystemPrompt string
	LoopConfig   *agent.LoopConfig
}

// AssembledAgent is the product of a cache build: a ready-to-run agentic
// loop whose only exposed tool schemas are the four meta-tools, plus the
// dispatcher that resolves the rest on demand.
type AssembledAgent struct {
	AgentID      string
	Provider     string
	Model        string
	SystemPrompt string
	Dispatcher   *agent.MetaToolDispatcher
	Loop         *agent.AgenticLoop
	CreatedAt    time.Time
}

// ResolvedProvider names the concrete provider/model a spec resolved to.
type ResolvedProvider struct {
	Provider string
	Model    string
}

// ProviderResolver turns a requested (provider, model) pair — either of
// which may be "default" — into a concrete pair, and builds the backing
// LLMProvider for a resolved pair (fetching credentials from an env var,
// persisted config, or a local-provider placeholder).
type ProviderResolver interface {
	ResolveNames(ctx context.Context, provider, model string) (ResolvedProvider, error)
	Build(ctx context.Context, resolved ResolvedProvider) (agent.LLMProvider, error)
}

// ToolRegistryBuilder assembles the full tool registry for an agent: core
// tools, gateway-domain tools, dynamic-tool meta-tools, active
// user-custom tools, then plugin tools, in that order. The agent id is
// passed through so a builder can scope custom-tool lookups per owner.
type ToolRegistryBuilder func(ctx context.Context, agentID, userID string) (*agent.ToolRegistry, error)

// ContextProvider renders a prompt block for a given user, or "" if there
// is nothing to add. MemoryContext renders facts/preferences/events/
// skills above an importance threshold; GoalContext renders active goals
// and their next actions.
type ContextProvider interface {
	Render(ctx context.Context, userID string) (string, error)
}

// ContextProviderFunc adapts a function to ContextProvider.
type ContextProviderFunc func(ctx context.Context, userID string) (string, error)

func (f ContextProviderFunc) Render(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// Config bounds the cache's size and the runtime pieces it needs to wire
// into every assembled agent.
type Config struct {
	MaxAgents             int
	MaxProviderModelPairs int

	Resolver       ProviderResolver
	BuildRegistry  ToolRegistryBuilder
	Sessions       sessions.Store
	MemoryContext  ContextProvider
	GoalContext    ContextProvider
	Dispatcher     agent.MetaToolDispatcherConfig
	BasePrompt     string

	// PluginSupersedesCore maps a plugin tool name to the core stub
	// names it replaces; superseded stubs are removed once, at
	// construction time, whenever the plugin is present in the
	// registry.
	PluginSupersedesCore map[string][]string
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 100
	}
	if cfg.MaxProviderModelPairs <= 0 {
		cfg.MaxProviderModelPairs = 20
	}
	if cfg.BasePrompt == "" {
		cfg.BasePrompt = "You are a helpful, privacy-conscious assistant."
	}
	return cfg
}

type providerModelKey struct {
	provider string
	model    string
}

// Cache is the promise-deduplicated, size-bounded agent assembly layer.
type Cache struct {
	config Config

	agents    *infra.AsyncTTLCache[string, *AssembledAgent]
	providers *infra.AsyncTTLCache[providerModelKey, agent.LLMProvider]
	pending   *infra.Group[string, *AssembledAgent]
}

// New builds a Cache. DefaultTTL is left at zero (no expiry) on both
// internal caches: eviction is purely size-bounded, oldest entry first,
// matching AsyncTTLCache's createdAt-ordered eviction.
func New(config Config) *Cache {
	config = sanitizeConfig(config)
	return &Cache{
		config: config,
		agents: infra.NewAsyncTTLCache[string, *AssembledAgent](infra.CacheConfig{
			MaxSize: config.MaxAgents,
		}),
		providers: infra.NewAsyncTTLCache[providerModelKey, agent.LLMProvider](infra.CacheConfig{
			MaxSize: config.MaxProviderModelPairs,
		}),
		pending: &infra.Group[string, *AssembledAgent]{},
	}
}

// GetOrBuild returns the cached agent for spec.AgentID, building it on a
// cache miss. Concurrent callers racing on the same AgentID coalesce onto
// a single build via the pending-promise map; only the winner's result is
// stored.
func (c *Cache) GetOrBuild(ctx context.Context, spec AgentSpec) (*AssembledAgent, error) {
	if spec.AgentID == "" {
		return nil, fmt.Errorf("agentcache: AgentID is required")
	}
	return c.agents.Get(spec.AgentID, func(string) (*AssembledAgent, error) {
		result, err, _ := c.pending.Do(spec.AgentID, func() (*AssembledAgent, error) {
			return c.build(ctx, spec)
		})
		return result, err
	})
}

// Invalidate drops a previously built agent, forcing the next GetOrBuild
// for that id to rebuild (e.g. after a config or plugin change).
func (c *Cache) Invalidate(agentID string) {
	c.agents.Delete(agentID)
}

// InvalidateAll clears every cache this type owns: agent instances,
// provider instances, and any in-flight build promise. Matches the
// "invalidation clears all... maps" shared-resource rule.
func (c *Cache) InvalidateAll() {
	c.agents.Clear()
	c.providers.Clear()
}

// Stats reports cache occupancy, useful for admin/diagnostic endpoints.
func (c *Cache) Stats() (agents, providers infra.CacheStats, pending infra.GroupStats) {
	return c.agents.Stats(), c.providers.Stats(), c.pending.Stats()
}

func (c *Cache) build(ctx context.Context, spec AgentSpec) (*AssembledAgent, error) {
	if c.config.Resolver == nil {
		return nil, fmt.Errorf("agentcache: no ProviderResolver configured")
	}
	resolved, err := c.config.Resolver.ResolveNames(ctx, spec.Provider, spec.Model)
	if err != nil {
		return nil, fmt.Errorf("agentcache: resolving provider/model: %w", err)
	}
	key := providerModelKey{provider: resolved.Provider, model: resolved.Model}
	llm, err := c.providers.Get(key, func(providerModelKey) (agent.LLMProvider, error) {
		return c.config.Resolver.Build(ctx, resolved)
	})
	if err != nil {
		return nil, fmt.Errorf("agentcache: building provider %s: %w", resolved.Provider, err)
	}

	registry, err := c.buildRegistry(ctx, spec)
	if err != nil {
		return nil, err
	}

	dispatcher := agent.NewMetaToolDispatcher(registry, c.config.Dispatcher)

	llmRegistry := agent.NewToolRegistry()
	for _, t := range dispatcher.AsLLMTools() {
		llmRegistry.Register(t)
	}

	systemPrompt, err := c.composeSystemPrompt(ctx, spec)
	if err != nil {
		return nil, err
	}

	loop := agent.NewAgenticLoop(llm, llmRegistry, c.config.Sessions, spec.LoopConfig)
	loop.SetDefaultModel(resolved.Model)
	loop.SetDefaultSystem(systemPrompt)

	return &AssembledAgent{
		AgentID:      spec.AgentID,
		Provider:     resolved.Provider,
		Model:        resolved.Model,
		SystemPrompt: systemPrompt,
		Dispatcher:   dispatcher,
		Loop:         loop,
		CreatedAt:    time.Now(),
	}, nil
}

func (c *Cache) buildRegistry(ctx context.Context, spec AgentSpec) (*agent.ToolRegistry, error) {
	if c.config.BuildRegistry == nil {
		return agent.NewToolRegistry(), nil
	}
	registry, err := c.config.BuildRegistry(ctx, spec.AgentID, spec.UserID)
	if err != nil {
		return nil, fmt.Errorf("agentcache: building tool registry: %w", err)
	}
	if registry == nil {
		registry = agent.NewToolRegistry()
	}
	c.applySupersession(registry)
	return registry, nil
}

// applySupersession removes core stub tools once a plugin offering the
// same capability is present, so the meta-tool catalogue never lists
// both a stub and its real implementation.
func (c *Cache) applySupersession(registry *agent.ToolRegistry) {
	for plugin, stubs := range c.config.PluginSupersedesCore {
		if _, ok := registry.Get(plugin); !ok {
			continue
		}
		for _, stub := range stubs {
			registry.Unregister(stub)
		}
	}
}

func (c *Cache) composeSystemPrompt(ctx context.Context, spec AgentSpec) (string, error) {
	base := spec.SystemPrompt
	if base == "" {
		base = c.config.BasePrompt
	}
	var blocks []string
	blocks = append(blocks, base)

	if c.config.MemoryContext != nil {
		block, err := c.config.MemoryContext.Render(ctx, spec.UserID)
		if err != nil {
			return "", fmt.Errorf("agentcache: rendering memory context: %w", err)
		}
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}
	if c.config.GoalContext != nil {
		block, err := c.config.GoalContext.Render(ctx, spec.UserID)
		if err != nil {
			return "", fmt.Errorf("agentcache: rendering goal context: %w", err)
		}
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}
