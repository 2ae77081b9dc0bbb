package arbor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DispatchResult holds the result of a single tool dispatch.
type DispatchResult struct {
	Content string
	Usage   Usage
	// IsError signals that Content represents an error message rather than
	// a successful tool result. This enables structural error detection
	// without relying on string-prefix heuristics.
	IsError bool
}

// DispatchFunc executes a single tool call and returns the result. The
// executor provides one that routes through the session registry; the
// code runner uses it to bridge call_tool() back out of the sandbox.
type DispatchFunc func(ctx context.Context, tc ToolCall) DispatchResult

// maxToolResultMessageLen is the maximum rune length for a tool result
// stored in the conversation history during the agentic loop. Results
// exceeding this limit are truncated with a marker so the model knows
// content was trimmed. Artifacts retain the full content.
const maxToolResultMessageLen = 100_000 // ~25K tokens

// maxParallelDispatch caps concurrent tool-call goroutines so one model
// turn cannot overwhelm external services.
const maxParallelDispatch = 10

// defaultAgentMaxSteps bounds an agentic node that omits agent_max_steps.
const defaultAgentMaxSteps = 8

// runAgentic executes an agentic node: a bounded act-observe loop where
// the model plans its own tool calls against the node's allow-list. When
// the step budget runs out a final synthesis turn is forced so the node
// still completes with whatever was gathered.
func (e *DAGExecutor) runAgentic(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	if e.provider == nil {
		return failResult(n.ID, Tag(KindPermanent, fmt.Errorf("agentic node %s: no provider configured", n.ID)))
	}
	if n.Goal == "" {
		return failResult(n.ID, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: "agentic node missing goal"}))
	}

	maxSteps := n.AgentMaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultAgentMaxSteps
	}

	defs, allowed, err := e.agentToolDefs(n.AgentTools)
	if err != nil {
		return failResult(n.ID, err)
	}

	dispatch := e.agentDispatch(allowed)
	messages := []ChatMessage{
		SystemMessage("You are a focused research agent. Use the available tools to achieve the goal, then answer with your findings. Be concise and factual."),
		UserMessage(e.agentTaskPrompt(n, env)),
	}

	var totalUsage Usage
	var toolsUsed []string

	for step := 0; step < maxSteps; step++ {
		stepCtx := ctx
		var stepSpan Span
		if e.tracer != nil {
			stepCtx, stepSpan = e.tracer.Start(ctx, "agentic.step",
				StringAttr("node.id", n.ID),
				IntAttr("step", step))
		}

		resp, err := e.provider.Chat(stepCtx, ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			if stepSpan != nil {
				stepSpan.Error(err)
				stepSpan.End()
			}
			res := failResult(n.ID, err)
			res.Usage = totalUsage
			return res
		}
		totalUsage.add(resp.Usage)
		if env.Budget != nil {
			if err := env.Budget.Charge(env.CellID, resp.Usage); err != nil {
				if stepSpan != nil {
					stepSpan.End()
				}
				res := failResult(n.ID, err)
				res.Usage = totalUsage
				return res
			}
		}

		// No tool calls: the agent is done.
		if len(resp.ToolCalls) == 0 {
			if stepSpan != nil {
				stepSpan.End()
			}
			return NodeResult{
				NodeID:   n.ID,
				Status:   NodeCompleted,
				Output:   resp.Content,
				Usage:    totalUsage,
				Metadata: map[string]any{"steps": step + 1, "tools_used": toolsUsed},
			}
		}
		if stepSpan != nil {
			stepSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			e.emit(env, StreamEvent{Type: EventToolCallStart, Name: tc.Name, Args: tc.Args})
			toolsUsed = append(toolsUsed, tc.Name)
		}

		results := dispatchParallel(stepCtx, resp.ToolCalls, dispatch)
		for j, tc := range resp.ToolCalls {
			totalUsage.add(results[j].usage)
			e.emit(env, StreamEvent{
				Type:     EventToolCallResult,
				Name:     tc.Name,
				Content:  truncateStr(results[j].content, 200),
				Duration: results[j].duration,
			})
			content := results[j].content
			if len([]rune(content)) > maxToolResultMessageLen {
				content = truncateStr(content, maxToolResultMessageLen) + "\n\n[output truncated]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, content))
		}
		if stepSpan != nil {
			stepSpan.End()
		}
		if ctx.Err() != nil {
			res := failResult(n.ID, Tag(KindCancelled, ctx.Err()))
			res.Usage = totalUsage
			return res
		}
	}

	// Step budget exhausted: force a synthesis turn with no tools so the
	// node completes with the evidence gathered so far.
	e.logger.Warn("agent step budget exhausted, forcing synthesis", "node", n.ID, "max_steps", maxSteps)
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and answer the goal now."))
	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: messages})
	if err != nil {
		res := failResult(n.ID, err)
		res.Usage = totalUsage
		return res
	}
	totalUsage.add(resp.Usage)
	if env.Budget != nil {
		if err := env.Budget.Charge(env.CellID, resp.Usage); err != nil {
			res := failResult(n.ID, err)
			res.Usage = totalUsage
			return res
		}
	}
	return NodeResult{
		NodeID:   n.ID,
		Status:   NodeCompleted,
		Output:   resp.Content,
		Usage:    totalUsage,
		Metadata: map[string]any{"steps": maxSteps, "tools_used": toolsUsed, "forced_synthesis": true},
	}
}

// agentTaskPrompt renders the goal with recent artifacts as context.
func (e *DAGExecutor) agentTaskPrompt(n *WorkflowNode, env ExecEnv) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n\nGoal: %s\n", env.Query, resolveTemplates(n.Goal, env.Store))

	flat := env.Store.Flatten()
	if len(flat) > 0 {
		b.WriteString("\nCollected so far:\n")
		const window = 8
		if len(flat) > window {
			flat = flat[:window]
		}
		for _, a := range flat {
			fmt.Fprintf(&b, "- %s.%s: %s\n", a.StepID, a.Name, truncateStr(stringifyArtifact(a.Value), 300))
		}
	}
	return b.String()
}

// agentToolDefs resolves the node's allow-list against the session
// registry, then the local in-process registry. An empty allow-list is a
// validation error: an unconstrained agent inside a blueprint defeats
// the plan's budget accounting. Local tools carry an empty Server.
func (e *DAGExecutor) agentToolDefs(names []string) ([]ToolDefinition, map[string]ToolInfo, error) {
	if len(names) == 0 {
		return nil, nil, Tag(KindPermanent, &ValidationError{Subject: "agentic", Detail: "agent_tools must name at least one tool"})
	}
	defs := make([]ToolDefinition, 0, len(names))
	allowed := make(map[string]ToolInfo, len(names))
	for _, name := range names {
		info, ok := e.registry.Lookup(name)
		if !ok {
			info, ok = e.localLookup(name)
		}
		if !ok {
			return nil, nil, Tag(KindPermanent, &ValidationError{Subject: "agentic", Detail: fmt.Sprintf("unknown tool %q in agent_tools", name)})
		}
		params, err := json.Marshal(info.Schema)
		if err != nil {
			return nil, nil, err
		}
		defs = append(defs, ToolDefinition{Name: info.Name, Description: info.Description, Parameters: params})
		allowed[info.Name] = info
	}
	return defs, allowed, nil
}

// agentDispatch routes one tool call through the registry, enforcing the
// allow-list even when the model hallucinates a tool name. Registry tools
// name their owning server; an empty Server marks a local tool.
func (e *DAGExecutor) agentDispatch(allowed map[string]ToolInfo) DispatchFunc {
	return func(ctx context.Context, tc ToolCall) DispatchResult {
		info, ok := allowed[tc.Name]
		if !ok {
			return DispatchResult{Content: "error: tool not available: " + tc.Name, IsError: true}
		}
		if info.Server == "" && e.local != nil {
			res, err := e.local.Execute(ctx, tc.Name, tc.Args)
			if err != nil {
				return DispatchResult{Content: "error: " + err.Error(), IsError: true}
			}
			if res.Error != "" {
				return DispatchResult{Content: "error: " + res.Error, IsError: true}
			}
			return DispatchResult{Content: res.Content}
		}
		var args map[string]any
		if len(tc.Args) > 0 {
			if err := json.Unmarshal(tc.Args, &args); err != nil {
				return DispatchResult{Content: "error: bad arguments: " + err.Error(), IsError: true}
			}
		}
		out, err := e.registry.Execute(ctx, info.Server, tc.Name, args)
		if err != nil {
			return DispatchResult{Content: "error: " + err.Error(), IsError: true}
		}
		return DispatchResult{Content: out}
	}
}

// --- parallel tool dispatch ---

// toolExecResult holds the result of a single parallel tool call.
type toolExecResult struct {
	content  string
	usage    Usage
	duration time.Duration
	isError  bool
}

// indexedResult pairs a tool execution result with its position in the
// original call slice, allowing channel-based collection in order.
type indexedResult struct {
	idx    int
	result toolExecResult
}

// safeDispatch wraps a dispatch call with panic recovery. If the dispatched
// tool panics, the panic is caught and converted to an error result instead
// of crashing the process.
func safeDispatch(ctx context.Context, tc ToolCall, dispatch DispatchFunc) (dr DispatchResult) {
	defer func() {
		if p := recover(); p != nil {
			dr = DispatchResult{Content: fmt.Sprintf("error: tool %q panic: %v", tc.Name, p), IsError: true}
		}
	}()
	return dispatch(ctx, tc)
}

// dispatchParallel runs all tool calls concurrently via the dispatch function
// and returns results in the same order as the input calls.
// Single calls run inline (no goroutine). Multiple calls use a fixed worker
// pool of min(len(calls), maxParallelDispatch) goroutines pulling from a
// shared work channel, avoiding unbounded goroutine creation.
//
// The collection loop is context-aware: if ctx is cancelled while tool calls
// are still in-flight, the function returns immediately with context-error
// results for incomplete calls instead of blocking indefinitely.
func dispatchParallel(ctx context.Context, calls []ToolCall, dispatch DispatchFunc) []toolExecResult {
	// Fast path: single call, no goroutine needed.
	if len(calls) == 1 {
		start := time.Now()
		dr := safeDispatch(ctx, calls[0], dispatch)
		return []toolExecResult{{content: dr.Content, usage: dr.Usage, duration: time.Since(start), isError: dr.IsError}}
	}

	resultCh := make(chan indexedResult, len(calls))

	// Work channel: each item is an (index, ToolCall) pair for workers to consume.
	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	// Spawn a fixed pool of workers — never more goroutines than needed.
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}}
					continue
				}
				start := time.Now()
				dr := safeDispatch(ctx, w.tc, dispatch)
				resultCh <- indexedResult{w.idx, toolExecResult{content: dr.Content, usage: dr.Usage, duration: time.Since(start), isError: dr.IsError}}
			}
		}()
	}

	// Close resultCh once all workers are done.
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect results, bailing out if ctx is cancelled while calls are in-flight.
	results := make([]toolExecResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			errResult := toolExecResult{content: "error: " + ctx.Err().Error(), isError: true}
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return results
		}
	}
	// Fill any unseen results (e.g. channel closed early) with error markers.
	for i := range results {
		if !seen[i] {
			results[i] = toolExecResult{content: "error: result not received", isError: true}
		}
	}
	return results
}
