package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus/pkg/models"
)

// maxToolArgumentBytes is the §6 "Tool argument limits" cap: JSON(arguments)
// longer than this is rejected before a tool ever runs.
const maxToolArgumentBytes = 100 * 1024

// ToolMetadata carries the catalog information a meta-tool needs to
// describe, search, and gate a registered tool without inflating every
// LLM request with its full schema.
type ToolMetadata struct {
	Category         string
	Tags             []string
	Permissions      []string
	RequiresApproval bool

	// SearchTags are extra synonyms folded into search_tools matching,
	// beyond the tool's own name and description.
	SearchTags []string
}

// MetaToolDispatcherConfig bounds the dispatcher's resource usage.
type MetaToolDispatcherConfig struct {
	// MaxSearchResults caps how many matches search_tools returns.
	MaxSearchResults int

	// MaxBatchSize caps how many calls batch_use_tool accepts in one request.
	MaxBatchSize int

	// BatchConcurrency caps how many batch_use_tool calls run at once.
	BatchConcurrency int

	// MinMatchScore is the fuzzy-match floor under which a tool is
	// excluded from search_tools results.
	MinMatchScore float64
}

// DefaultMetaToolDispatcherConfig returns sane limits for production use.
func DefaultMetaToolDispatcherConfig() MetaToolDispatcherConfig {
	return MetaToolDispatcherConfig{
		MaxSearchResults: 10,
		MaxBatchSize:     20,
		BatchConcurrency: 5,
		MinMatchScore:    0.35,
	}
}

func sanitizeMetaToolDispatcherConfig(cfg MetaToolDispatcherConfig) MetaToolDispatcherConfig {
	defaults := DefaultMetaToolDispatcherConfig()
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = defaults.MaxSearchResults
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaults.BatchConcurrency
	}
	if cfg.MinMatchScore <= 0 {
		cfg.MinMatchScore = defaults.MinMatchScore
	}
	return cfg
}

// MetaToolDispatcher exposes a fixed set of four meta-tools
// (search_tools, get_tool_help, use_tool, batch_use_tool) in front of an
// arbitrarily large ToolRegistry, so an LLM only ever sees four schemas
// no matter how many real tools are registered.
type MetaToolDispatcher struct {
	registry *ToolRegistry
	config   MetaToolDispatcherConfig

	// Gate, if set, is consulted before executing any tool whose metadata
	// sets RequiresApproval — "the dispatcher resolves the real tool and
	// runs it, consulting E before execution" (spec §2 data flow).
	Gate *ApprovalGate

	mu       sync.RWMutex
	metadata map[string]ToolMetadata

	// numericCaps silently clamps a named numeric parameter for a tool,
	// e.g. {"list_emails": {"limit": 50}}.
	numericCaps map[string]map[string]float64

	schemaCache sync.Map // tool name -> *jsonschema.Schema
}

// NewMetaToolDispatcher wraps registry behind the meta-tool surface.
func NewMetaToolDispatcher(registry *ToolRegistry, config MetaToolDispatcherConfig) *MetaToolDispatcher {
	return &MetaToolDispatcher{
		registry:    registry,
		config:      sanitizeMetaToolDispatcherConfig(config),
		metadata:    make(map[string]ToolMetadata),
		numericCaps: make(map[string]map[string]float64),
	}
}

// CapParam registers a silent numeric ceiling for one parameter of one tool,
// e.g. CapParam("list_emails", "limit", 50). dispatch clamps values above
// the cap instead of rejecting them.
func (d *MetaToolDispatcher) CapParam(toolName, param string, max float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.numericCaps[toolName] == nil {
		d.numericCaps[toolName] = make(map[string]float64)
	}
	d.numericCaps[toolName][param] = max
}

func (d *MetaToolDispatcher) applyNumericCaps(toolName string, params json.RawMessage) json.RawMessage {
	d.mu.RLock()
	caps := d.numericCaps[toolName]
	d.mu.RUnlock()
	if len(caps) == 0 || len(params) == 0 {
		return params
	}
	var decoded map[string]any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return params
	}
	changed := false
	for param, max := range caps {
		v, ok := decoded[param]
		if !ok {
			continue
		}
		n, ok := v.(float64)
		if !ok || n <= max {
			continue
		}
		decoded[param] = max
		changed = true
	}
	if !changed {
		return params
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return params
	}
	return out
}

// Describe attaches catalog metadata to a tool name. Tools with no
// metadata are still searchable and callable, just uncategorized.
func (d *MetaToolDispatcher) Describe(toolName string, meta ToolMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metadata[toolName] = meta
}

func (d *MetaToolDispatcher) metadataFor(toolName string) ToolMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metadata[toolName]
}

// AsLLMTools returns exactly the four meta-tools, never the underlying
// registry's tools directly.
func (d *MetaToolDispatcher) AsLLMTools() []Tool {
	return []Tool{
		&searchToolsTool{d: d},
		&getToolHelpTool{d: d},
		&useToolTool{d: d},
		&batchUseToolTool{d: d},
	}
}

func toolErrorResult(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

func jsonResult(v any) *ToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return toolErrorResult("failed to encode result: %v", err)
	}
	return &ToolResult{Content: string(b)}
}

// compiledSchema compiles and caches a tool's JSON Schema for parameter
// validation ahead of dispatch, mirroring pluginsdk.ValidateConfig.
func (d *MetaToolDispatcher) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	if cached, ok := d.schemaCache.Load(tool.Name()); ok {
		return cached.(*jsonschema.Schema), nil
	}
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}
	compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", tool.Name(), err)
	}
	d.schemaCache.Store(tool.Name(), compiled)
	return compiled, nil
}

func (d *MetaToolDispatcher) validateParams(tool Tool, params json.RawMessage) error {
	schema, err := d.compiledSchema(tool)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("invalid JSON parameters: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("parameters invalid: %w", err)
	}
	return nil
}

// toolMatch is one entry of search_tools' results.
type toolMatch struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Category         string   `json:"category,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	RequiresApproval bool     `json:"requiresApproval,omitempty"`
	Score            float64  `json:"score"`
	Parameters       any      `json:"parameters,omitempty"`
}

// isMatchAllQuery reports whether query is the spec's "return every tool"
// sentinel (§4.A: "query ∈ {\"all\",\"*\"} returns all").
func isMatchAllQuery(query string) bool {
	q := strings.TrimSpace(query)
	return q == "all" || q == "*"
}

func (d *MetaToolDispatcher) search(query, category string, limit int, includeParams bool) []toolMatch {
	if limit <= 0 || limit > d.config.MaxSearchResults {
		limit = d.config.MaxSearchResults
	}
	tools := d.registry.AsLLMTools()
	matches := make([]toolMatch, 0, len(tools))
	matchAll := isMatchAllQuery(query)

	for _, t := range tools {
		meta := d.metadataFor(t.Name())
		if category != "" && !strings.EqualFold(meta.Category, category) {
			continue
		}

		best := 0.0
		switch {
		case matchAll, query == "":
			best = 1.0
		default:
			haystacks := append([]string{t.Name(), t.Description()}, meta.Tags...)
			haystacks = append(haystacks, meta.SearchTags...)
			for _, h := range haystacks {
				if score, ok := fuzzyMatch(query, h); ok && score > best {
					best = score
				}
			}
		}
		if best < d.config.MinMatchScore {
			continue
		}
		match := toolMatch{
			Name:             t.Name(),
			Description:      t.Description(),
			Category:         meta.Category,
			Tags:             meta.Tags,
			RequiresApproval: meta.RequiresApproval,
			Score:            best,
		}
		if includeParams {
			var schema any
			_ = json.Unmarshal(t.Schema(), &schema)
			match.Parameters = schema
		}
		matches = append(matches, match)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Name < matches[j].Name
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

type searchToolsTool struct{ d *MetaToolDispatcher }

func (t *searchToolsTool) Name() string { return "search_tools" }
func (t *searchToolsTool) Description() string {
	return "Search the full tool catalog by keyword or category and return the best-matching tool names with short descriptions. Use this before use_tool when you don't already know the exact tool name."
}
func (t *searchToolsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Keyword or phrase describing the capability you need. Use \"all\" or \"*\" to list every registered tool"},
			"category": {"type": "string", "description": "Optional category filter"},
			"limit": {"type": "integer", "description": "Maximum number of results", "minimum": 1},
			"include_params": {"type": "boolean", "description": "Include each match's full parameter documentation"}
		}
	}`)
}

func (t *searchToolsTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Query         string `json:"query"`
		Category      string `json:"category"`
		Limit         int    `json:"limit"`
		IncludeParams bool   `json:"include_params"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return toolErrorResult("invalid parameters: %v", err), nil
		}
	}
	matches := t.d.search(input.Query, input.Category, input.Limit, input.IncludeParams)
	return jsonResult(map[string]any{"tools": matches, "count": len(matches)}), nil
}

type getToolHelpTool struct{ d *MetaToolDispatcher }

func (t *getToolHelpTool) Name() string { return "get_tool_help" }
func (t *getToolHelpTool) Description() string {
	return "Return the full parameter schema, description, and metadata for one tool by exact or fuzzy name. Call this before use_tool whenever you are unsure of a tool's required parameters."
}
func (t *getToolHelpTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "The tool name, as returned by search_tools"},
			"names": {"type": "array", "items": {"type": "string"}, "description": "Multiple tool names to document at once"}
		}
	}`)
}

func (t *getToolHelpTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Name  string   `json:"name"`
		Names []string `json:"names"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return toolErrorResult("invalid parameters: %v", err), nil
		}
	}
	queries := input.Names
	if input.Name != "" {
		queries = append([]string{input.Name}, queries...)
	}
	if len(queries) == 0 {
		return toolErrorResult("get_tool_help requires \"name\" or \"names\""), nil
	}

	blocks := make([]string, 0, len(queries))
	anyError := false
	for _, q := range queries {
		tool, resolved := t.d.resolveTool(q)
		if tool == nil {
			blocks = append(blocks, t.d.notFoundResult(q).Content)
			anyError = true
			continue
		}
		meta := t.d.metadataFor(tool.Name())
		blocks = append(blocks, renderToolHelpMarkdown(tool, meta, resolved))
	}

	result := &ToolResult{Content: strings.Join(blocks, "\n\n---\n\n")}
	if anyError && len(blocks) == 1 {
		// Single unresolved lookup stays a hard error so callers checking
		// IsError behave the same as before multi-name support existed.
		result.IsError = true
	}
	return result, nil
}

// renderToolHelpMarkdown renders the "markdown block per tool" spec §4.A
// requires: name, description, parameter table (name, type, required,
// description, default, enum).
func renderToolHelpMarkdown(tool Tool, meta ToolMetadata, resolvedFrom string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s\n\n%s\n", tool.Name(), tool.Description())
	if resolvedFrom != "" && resolvedFrom != tool.Name() {
		fmt.Fprintf(&sb, "\n_Resolved from %q._\n", resolvedFrom)
	}
	if meta.Category != "" {
		fmt.Fprintf(&sb, "\nCategory: %s\n", meta.Category)
	}
	if meta.RequiresApproval {
		sb.WriteString("\nRequires approval: yes\n")
	}

	var schema struct {
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	_ = json.Unmarshal(tool.Schema(), &schema)
	if len(schema.Properties) == 0 {
		sb.WriteString("\n_No parameters._\n")
		return sb.String()
	}

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	sb.WriteString("\n| Name | Type | Required | Description | Default | Enum |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, name := range names {
		prop := schema.Properties[name]
		typ, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)

		def := ""
		if raw, ok := prop["default"]; ok {
			if b, err := json.Marshal(raw); err == nil {
				def = string(b)
			}
		}

		enum := ""
		if raw, ok := prop["enum"].([]any); ok {
			parts := make([]string, 0, len(raw))
			for _, v := range raw {
				parts = append(parts, fmt.Sprintf("%v", v))
			}
			enum = strings.Join(parts, ", ")
		}

		req := "no"
		if required[name] {
			req = "yes"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %s |\n", name, typ, req, desc, def, enum)
	}
	return sb.String()
}

// resolveTool looks up a tool by exact name first, then falls back to the
// single best fuzzy match so a slightly-misremembered name still resolves.
func (d *MetaToolDispatcher) resolveTool(name string) (Tool, string) {
	if tool, ok := d.registry.Get(name); ok {
		return tool, name
	}
	var best Tool
	bestScore := 0.0
	for _, t := range d.registry.AsLLMTools() {
		if score, ok := fuzzyMatch(name, t.Name()); ok && score > bestScore {
			best, bestScore = t, score
		}
	}
	if best != nil && bestScore >= d.config.MinMatchScore {
		return best, best.Name()
	}
	return nil, ""
}

// suggestions ranks up to five distinct tool names for an unknown query,
// per the spec's fuzzy matcher: substring hit (+3), shared prefix of at
// least 3 runes (+2), Levenshtein distance <= 2 (+1). Ties break on
// lexicographic name. This is deliberately a different, integer-scored
// algorithm from resolveTool's continuous fuzzyMatch: resolveTool silently
// auto-corrects a single best guess, while suggestions surfaces the field
// of candidates to the caller so it can choose.
func (d *MetaToolDispatcher) suggestions(query string) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	type scored struct {
		name  string
		score int
	}
	var candidates []scored
	for _, t := range d.registry.AsLLMTools() {
		name := t.Name()
		c := strings.ToLower(name)
		score := 0
		if strings.Contains(c, q) || strings.Contains(q, c) {
			score += 3
		}
		if prefixLen := commonPrefixLen(q, c); prefixLen >= 3 {
			score += 2
		}
		if levenshtein(q, c) <= 2 {
			score += 1
		}
		if score > 0 {
			candidates = append(candidates, scored{name: name, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].name < candidates[j].name
	})
	if len(candidates) > 5 {
		candidates = candidates[:5]
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// notFoundResult formats the "Tool 'x' not found." + "Did you mean: ..."
// message scenario 5 of the spec's testable properties describes.
func (d *MetaToolDispatcher) notFoundResult(name string) *ToolResult {
	msg := fmt.Sprintf("Tool '%s' not found.", name)
	if suggested := d.suggestions(name); len(suggested) > 0 {
		msg += " Did you mean: " + strings.Join(suggested, ", ")
	}
	return &ToolResult{Content: msg, IsError: true}
}

type useToolTool struct{ d *MetaToolDispatcher }

func (t *useToolTool) Name() string { return "use_tool" }
func (t *useToolTool) Description() string {
	return "Execute exactly one tool by name with JSON parameters matching its schema. Arguments are validated against the tool's schema before it runs."
}
func (t *useToolTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Exact tool name to execute"},
			"params": {"type": "object", "description": "Parameters matching the tool's schema"}
		},
		"required": ["name"]
	}`)
}

func (t *useToolTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Name   string          `json:"name"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolErrorResult("invalid parameters: %v", err), nil
	}
	return t.d.dispatch(ctx, input.Name, input.Params), nil
}

// dispatch validates params against the resolved tool's schema, then
// executes it through the underlying registry (preserving the registry's
// own name-length/payload-size guards).
func (d *MetaToolDispatcher) dispatch(ctx context.Context, name string, params json.RawMessage) *ToolResult {
	if len(params) > maxToolArgumentBytes {
		return toolErrorResult("arguments for %q are %d bytes, exceeding the %d byte limit; shrink the payload and retry", name, len(params), maxToolArgumentBytes)
	}

	// use_tool only ever executes an exact registry hit: a fuzzy guess
	// must never silently run a different tool than the one named, so an
	// unknown name always returns notFoundResult with suggestions instead
	// of auto-correcting (the fuzzy assist stays confined to
	// get_tool_help, which is documentation-only and safe to guess at).
	tool, ok := d.registry.Get(name)
	if !ok {
		return d.notFoundResult(name)
	}
	resolvedName := name

	params = d.applyNumericCaps(resolvedName, params)

	if err := d.validateParams(tool, params); err != nil {
		help := d.parameterHelp(tool)
		return toolErrorResult("%v\n\n%s", err, help)
	}

	if denied, reason := d.checkApproval(ctx, resolvedName); denied {
		return toolErrorResult("tool %q requires approval and was not approved: %s", resolvedName, reason)
	}

	result, err := d.registry.Execute(ctx, resolvedName, params)
	if err != nil {
		help := d.parameterHelp(tool)
		return toolErrorResult("tool execution failed: %v\n\n%s", err, help)
	}
	return result
}

// checkApproval consults the Approval Gate for tools whose metadata sets
// RequiresApproval. With no gate configured, approval is assumed handled
// upstream (e.g. by the agentic loop's own ApprovalChecker) and every tool
// runs.
func (d *MetaToolDispatcher) checkApproval(ctx context.Context, toolName string) (denied bool, reason string) {
	if d.Gate == nil {
		return false, ""
	}
	if !d.metadataFor(toolName).RequiresApproval {
		return false, ""
	}
	session := SessionFromContext(ctx)
	agentID, sessionID := "", ""
	if session != nil {
		agentID, sessionID = session.AgentID, session.ID
	}
	decision, reason, err := d.Gate.RequestApproval(ctx, agentID, sessionID, models.ToolCall{Name: toolName})
	if err != nil {
		return true, err.Error()
	}
	return decision != ApprovalAllowed, reason
}

// parameterHelp renders a tool's parameter schema as attached help text so
// the LLM can self-correct after an InvalidArgs/execution error.
func (d *MetaToolDispatcher) parameterHelp(tool Tool) string {
	var schema any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		return ""
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("Parameters for %s: %s", tool.Name(), string(b))
}

type batchUseToolTool struct{ d *MetaToolDispatcher }

func (t *batchUseToolTool) Name() string { return "batch_use_tool" }
func (t *batchUseToolTool) Description() string {
	return "Execute multiple independent tool calls concurrently. Each call is validated and dispatched like use_tool; one call's failure does not cancel the others."
}
func (t *batchUseToolTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"calls": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"params": {"type": "object"}
					},
					"required": ["name"]
				}
			}
		},
		"required": ["calls"]
	}`)
}

type batchCall struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

type batchCallResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

func (t *batchUseToolTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Calls []batchCall `json:"calls"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolErrorResult("invalid parameters: %v", err), nil
	}
	if len(input.Calls) == 0 {
		return toolErrorResult("batch_use_tool requires at least one call"), nil
	}
	if len(input.Calls) > t.d.config.MaxBatchSize {
		return toolErrorResult("batch_use_tool accepts at most %d calls, got %d", t.d.config.MaxBatchSize, len(input.Calls)), nil
	}

	results := make([]batchCallResult, len(input.Calls))
	sem := make(chan struct{}, t.d.config.BatchConcurrency)
	var wg sync.WaitGroup
	for i, call := range input.Calls {
		wg.Add(1)
		go func(i int, call batchCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res := t.d.dispatch(ctx, call.Name, call.Params)
			results[i] = batchCallResult{Name: call.Name, Content: res.Content, IsError: res.IsError}
		}(i, call)
	}
	wg.Wait()

	anyError := false
	for _, r := range results {
		if r.IsError {
			anyError = true
			break
		}
	}
	return jsonResult(map[string]any{"results": results, "anyError": anyError}), nil
}
