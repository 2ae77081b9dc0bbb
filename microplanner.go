package arbor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// PlanAction is the microplanner's verdict after a node completes.
type PlanAction string

const (
	// PlanContinue leaves the remaining plan untouched.
	PlanContinue PlanAction = "continue"
	// PlanComplete marks all remaining nodes skipped and exits early.
	PlanComplete PlanAction = "complete"
	// PlanExpand injects new nodes depending on the completed node.
	PlanExpand PlanAction = "expand"
	// PlanReplan replaces the remaining pending set.
	PlanReplan PlanAction = "replan"
)

// PlanDecision is the checkpoint outcome. Nodes is populated for expand
// (the injected nodes) and replan (the replacement set).
type PlanDecision struct {
	Action PlanAction
	Nodes  []*WorkflowNode
	// Source records which evaluation mode produced the decision:
	// "heuristic" or "llm".
	Source string
}

// MicroplannerConfig bounds the reactive planner.
type MicroplannerConfig struct {
	// MaxReplans caps LLM-driven plan rewrites per execution (default 3).
	MaxReplans int
	// MinUsefulOutput is the rune count below which a data-fetch node's
	// output is considered empty and triggers a fallback expansion.
	MinUsefulOutput int
	// SummaryWindow is how many completed-node summaries the reflection
	// prompt carries.
	SummaryWindow int
	// FallbackTool names the search tool injected when a data fetch
	// comes back empty.
	FallbackTool string
}

// DefaultMicroplannerConfig returns the shipped bounds.
func DefaultMicroplannerConfig() MicroplannerConfig {
	return MicroplannerConfig{
		MaxReplans:      3,
		MinUsefulOutput: 32,
		SummaryWindow:   5,
		FallbackTool:    "web_search",
	}
}

// Microplanner decides, after every node completion, whether the remaining
// plan still fits what was just observed. Fast heuristics run first; an
// optional LLM reflection refines the decision, bounded by MaxReplans.
// A provider of nil disables reflection entirely.
type Microplanner struct {
	provider Provider
	cfg      MicroplannerConfig
	logger   *slog.Logger
}

// NewMicroplanner creates a planner. provider may be nil (heuristics only).
func NewMicroplanner(provider Provider, cfg MicroplannerConfig, logger *slog.Logger) *Microplanner {
	if cfg.MaxReplans == 0 {
		cfg.MaxReplans = 3
	}
	if cfg.MinUsefulOutput == 0 {
		cfg.MinUsefulOutput = 32
	}
	if cfg.SummaryWindow == 0 {
		cfg.SummaryWindow = 5
	}
	if cfg.FallbackTool == "" {
		cfg.FallbackTool = "web_search"
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Microplanner{provider: provider, cfg: cfg, logger: logger}
}

// CheckpointInput is everything the planner sees at one checkpoint.
type CheckpointInput struct {
	Query       string
	Completed   *WorkflowNode
	Result      *NodeResult
	Remaining   []*WorkflowNode // non-terminal nodes, in blueprint order
	Summaries   []string        // recent completed-node summaries, oldest first
	Store       *ArtifactStore
	ReplansUsed int
}

// Checkpoint evaluates the plan after one node ends. The returned usage
// covers the reflection call, if any.
func (m *Microplanner) Checkpoint(ctx context.Context, in CheckpointInput) (PlanDecision, Usage) {
	heuristic := m.heuristic(in)

	// Heuristic COMPLETE and CONTINUE are final: reflection is reserved
	// for checkpoints that already show trouble, keeping LLM spend
	// proportional to plan churn.
	if heuristic.Action == PlanComplete || heuristic.Action == PlanContinue {
		return heuristic, Usage{}
	}
	if m.provider == nil || in.ReplansUsed >= m.cfg.MaxReplans {
		return heuristic, Usage{}
	}

	decision, usage, err := m.reflect(ctx, in)
	if err != nil {
		// Any reflection or parse failure falls back to the heuristic.
		m.logger.Warn("reflection failed, using heuristic decision",
			"node", in.Completed.ID, "heuristic", string(heuristic.Action), "error", err)
		return heuristic, usage
	}
	decision.Source = "llm"
	return decision, usage
}

// heuristic runs the no-LLM checks in priority order.
func (m *Microplanner) heuristic(in CheckpointInput) PlanDecision {
	if len(in.Remaining) == 0 {
		return PlanDecision{Action: PlanComplete, Source: "heuristic"}
	}

	// A failed node with dependents invalidates the downstream plan.
	if in.Result.Status == NodeFailed && hasDependents(in.Completed.ID, in.Remaining) {
		return PlanDecision{
			Action: PlanReplan,
			Nodes:  m.fallbackPlan(in),
			Source: "heuristic",
		}
	}

	// Empty or error-marked output on a completed data-fetch node: inject
	// a search fallback rather than synthesizing from nothing. Failed
	// nodes without dependents stay as stderr entries; expanding on them
	// would retry what the retry policy already gave up on.
	if in.Result.Status == NodeCompleted && isDataFetch(in.Completed) && m.outputLooksEmpty(in.Result) {
		return PlanDecision{
			Action: PlanExpand,
			Nodes: []*WorkflowNode{{
				ID:             in.Completed.ID + "_fallback_search",
				Type:           NodeTool,
				ToolName:       m.cfg.FallbackTool,
				Args:           map[string]any{"query": in.Query},
				DependsOn:      []string{in.Completed.ID},
				OutputArtifact: in.Completed.ID + "_fallback",
				Status:         NodePending,
			}},
			Source: "heuristic",
		}
	}

	return PlanDecision{Action: PlanContinue, Source: "heuristic"}
}

// fallbackPlan is the heuristic replacement for a broken remainder: search
// for the query, then synthesize from whatever the store holds.
func (m *Microplanner) fallbackPlan(in CheckpointInput) []*WorkflowNode {
	searchID := in.Completed.ID + "_replan_search"
	return []*WorkflowNode{
		{
			ID:             searchID,
			Type:           NodeTool,
			ToolName:       m.cfg.FallbackTool,
			Args:           map[string]any{"query": in.Query},
			OutputArtifact: "replan_search",
			Status:         NodePending,
		},
		{
			ID:        in.Completed.ID + "_replan_synthesize",
			Type:      NodeLLM,
			Prompt:    "Synthesize an answer to the research query from the collected artifacts.",
			DependsOn: []string{searchID},
			Status:    NodePending,
		},
	}
}

// outputLooksEmpty reports whether a node result is too thin or carries
// error markers to be worth building on.
func (m *Microplanner) outputLooksEmpty(r *NodeResult) bool {
	out := strings.TrimSpace(stringifyArtifact(r.Output))
	if len([]rune(out)) < m.cfg.MinUsefulOutput {
		return true
	}
	lower := strings.ToLower(out)
	for _, marker := range []string{"error:", "no results", "not found", "access denied", "empty response"} {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	return false
}

// hasDependents reports whether any remaining node depends on id.
func hasDependents(id string, remaining []*WorkflowNode) bool {
	for _, n := range remaining {
		for _, dep := range n.DependsOn {
			if dep == id {
				return true
			}
		}
	}
	return false
}

// isDataFetch reports whether the node reaches outside the process for data.
func isDataFetch(n *WorkflowNode) bool {
	return n.Type == NodeTool || n.Type == NodeCode
}

// --- LLM reflection ---

// reflectionDecision is the strict JSON shape the reflection call must
// return: one of four actions, with nodes only for expand/replan.
type reflectionDecision struct {
	Action string            `json:"action"`
	Nodes  []json.RawMessage `json:"nodes,omitempty"`
}

const reflectionSystem = `You are a research plan reviewer. Given the query, what just completed, and the remaining plan, decide whether the plan still fits the observed output. Respond with exactly one JSON object, no prose:
{"action":"continue"} - plan is fine
{"action":"complete"} - enough evidence gathered, skip the rest
{"action":"expand","nodes":[...]} - add follow-up steps after the completed node
{"action":"replan","nodes":[...]} - replace the remaining steps
Each node object uses the step-dict shape: id, tool_name/prompt, args, depends_on.`

// reflect sends a compact context to the provider and parses one of the
// four strict shapes.
func (m *Microplanner) reflect(ctx context.Context, in CheckpointInput) (PlanDecision, Usage, error) {
	prompt := m.buildReflectionPrompt(in)
	resp, err := m.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(reflectionSystem),
			UserMessage(prompt),
		},
	})
	if err != nil {
		return PlanDecision{}, resp.Usage, err
	}

	var rd reflectionDecision
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &rd); err != nil {
		return PlanDecision{}, resp.Usage, fmt.Errorf("parse reflection: %w", err)
	}

	switch PlanAction(rd.Action) {
	case PlanContinue:
		return PlanDecision{Action: PlanContinue}, resp.Usage, nil
	case PlanComplete:
		return PlanDecision{Action: PlanComplete}, resp.Usage, nil
	case PlanExpand, PlanReplan:
		nodes, err := parseReflectionNodes(rd.Nodes)
		if err != nil {
			return PlanDecision{}, resp.Usage, err
		}
		if len(nodes) == 0 {
			return PlanDecision{}, resp.Usage, fmt.Errorf("reflection %s with no nodes", rd.Action)
		}
		if PlanAction(rd.Action) == PlanExpand {
			// Injected nodes always hang off the completed node.
			for _, n := range nodes {
				if len(n.DependsOn) == 0 {
					n.DependsOn = []string{in.Completed.ID}
				}
			}
		}
		return PlanDecision{Action: PlanAction(rd.Action), Nodes: nodes}, resp.Usage, nil
	default:
		return PlanDecision{}, resp.Usage, fmt.Errorf("unknown reflection action %q", rd.Action)
	}
}

// parseReflectionNodes converts raw step dicts into typed nodes.
func parseReflectionNodes(raw []json.RawMessage) ([]*WorkflowNode, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var nodes []*WorkflowNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parse reflection nodes: %w", err)
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("reflection node missing id")
		}
		if n.Type == "" {
			t, err := inferNodeType(n)
			if err != nil {
				return nil, err
			}
			n.Type = t
		}
		n.Status = NodePending
	}
	return nodes, nil
}

// buildReflectionPrompt assembles the compact checkpoint context.
func (m *Microplanner) buildReflectionPrompt(in CheckpointInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\n", in.Query)

	summaries := in.Summaries
	if len(summaries) > m.cfg.SummaryWindow {
		summaries = summaries[len(summaries)-m.cfg.SummaryWindow:]
	}
	if len(summaries) > 0 {
		b.WriteString("Recently completed:\n")
		for _, s := range summaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Just finished: node %s (%s), status %s\n", in.Completed.ID, in.Completed.Type, in.Result.Status)
	out := truncateStr(stringifyArtifact(in.Result.Output), 1500)
	if in.Result.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", truncateStr(in.Result.Error, 500))
	}
	fmt.Fprintf(&b, "Output: %s\n\n", out)

	b.WriteString("Remaining plan:\n")
	for _, n := range in.Remaining {
		label := n.ToolName
		if label == "" {
			label = truncateStr(n.Prompt, 80)
		}
		fmt.Fprintf(&b, "- %s (%s) %s\n", n.ID, n.Type, label)
	}
	return b.String()
}

// extractJSONObject pulls the outermost {...} from a response that may be
// wrapped in prose or markdown fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
