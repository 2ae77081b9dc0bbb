package arbor

import (
	"context"
	"encoding/json"
)

// Tool defines an in-process capability with one or more tool functions.
// The agentic node's allow-list and the reference tool server are built
// from these; external tools go through the SessionRegistry instead.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. A non-empty Error means
// the tool ran but reported failure; transport errors surface as Go errors.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds in-process tools and dispatches execution by name.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// --- tool session registry contract ---

// SchemaProperty describes one argument of a tool's input schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolSchema is the JSON-shaped input contract of a tool: named properties
// plus the subset that is required.
type ToolSchema struct {
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// RequiredSet returns the required argument names as a set.
func (s ToolSchema) RequiredSet() map[string]bool {
	set := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		set[r] = true
	}
	return set
}

// ToolInfo describes one registered tool: where it lives, what it takes,
// and (for semantic search results) how well it matched.
type ToolInfo struct {
	Name        string
	Server      string
	Description string
	Schema      ToolSchema
	Score       float64 // cosine similarity, search results only
}

// SessionRegistry is the execution backend for tool and code nodes: a
// registry of ephemeral tool-server sessions with semantic discovery.
// The mcp package provides the subprocess-backed implementation; tests
// substitute in-memory ones.
type SessionRegistry interface {
	// Lookup resolves an exact tool name, bypassing the semantic index.
	Lookup(name string) (ToolInfo, bool)
	// Search returns the top-k tools by cosine similarity, filtered by
	// the minimum similarity threshold.
	Search(ctx context.Context, query string, k int, minSimilarity float64) ([]ToolInfo, error)
	// Execute runs one tool call, spawning the owning server if needed.
	Execute(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// BatchExecutor is implemented by registries that fan out a set of calls:
// calls sharing a server serialize on its session, calls on different
// servers run concurrently. Optional; callers fall back to sequential
// Execute when absent.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, calls []BatchCall) []BatchResult
}

// BatchCall is one entry of a parallel fan-out.
type BatchCall struct {
	Server string
	Tool   string
	Args   map[string]any
}

// BatchResult pairs a call's output with its error, in input order.
type BatchResult struct {
	Output string
	Err    error
}
