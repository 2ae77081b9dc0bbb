package arbor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DegradeSignal reports whether the governor has degraded the system.
// The executor reads it at every admission, so a degrade event lowers the
// effective parallelism ceiling within one scheduling step.
type DegradeSignal interface {
	Degraded() bool
}

// DAGConfig bounds one blueprint execution.
type DAGConfig struct {
	// MaxParallel is the baseline parallelism ceiling (default 4).
	MaxParallel int
	// MinParallel is the ceiling while the governor is degraded (default 1).
	MinParallel int
	// Per-type node timeouts. Zero disables the timeout for that type.
	ToolTimeout    time.Duration
	CodeTimeout    time.Duration
	LLMTimeout     time.Duration
	AgenticTimeout time.Duration
	// Retry paces node-level retries (backoff with jitter).
	Retry RetryPolicy
}

// DefaultDAGConfig returns the shipped execution bounds.
func DefaultDAGConfig() DAGConfig {
	return DAGConfig{
		MaxParallel:    4,
		MinParallel:    1,
		ToolTimeout:    60 * time.Second,
		CodeTimeout:    120 * time.Second,
		LLMTimeout:     90 * time.Second,
		AgenticTimeout: 5 * time.Minute,
		Retry:          DefaultRetryPolicy(),
	}
}

// ExecEnv is the per-execution environment a cell hands to the executor.
type ExecEnv struct {
	// Query is the research query driving this blueprint.
	Query string
	// CellID attributes budget charges and failures.
	CellID string
	// Budget is charged for every LLM call the execution makes.
	Budget *Budget
	// Store receives every node's published artifacts.
	Store *ArtifactStore
	// Stream receives progress events when non-nil.
	Stream chan<- StreamEvent
	// Feedback receives policy-violation notes consumed by replanning.
	Feedback func(note string)
}

// ExecOutcome summarizes one blueprint execution.
type ExecOutcome struct {
	Results   []NodeResult
	Replans   int
	ToolCalls int
	Usage     Usage
}

// DAGExecutor runs a parsed blueprint: ready nodes are admitted under a
// dynamic parallelism ceiling, tool arguments are auto-wired from the
// artifact store, and the microplanner reviews the remainder after every
// completion.
type DAGExecutor struct {
	registry SessionRegistry
	local    *ToolRegistry
	wirer    *AutoWirer
	planner  *Microplanner
	provider Provider
	runner   CodeRunner
	degrade  DegradeSignal
	cfg      DAGConfig
	tracer   Tracer
	logger   *slog.Logger
}

// ExecutorOption configures a DAGExecutor.
type ExecutorOption func(*DAGExecutor)

// ExecutorCodeRunner sets the sandbox for code nodes. Without one, code
// nodes are dispatched to the registry's execute_code tool.
func ExecutorCodeRunner(r CodeRunner) ExecutorOption {
	return func(e *DAGExecutor) { e.runner = r }
}

// ExecutorLocalTools adds in-process tools. Tool and agentic nodes
// resolve names against the session registry first, then the local
// registry, so built-ins like web search and pool search work without
// an external tool server.
func ExecutorLocalTools(reg *ToolRegistry) ExecutorOption {
	return func(e *DAGExecutor) { e.local = reg }
}

// ExecutorDegradeSignal wires the governor's degrade state into admission.
func ExecutorDegradeSignal(s DegradeSignal) ExecutorOption {
	return func(e *DAGExecutor) { e.degrade = s }
}

// ExecutorTracer enables span emission per node.
func ExecutorTracer(t Tracer) ExecutorOption {
	return func(e *DAGExecutor) { e.tracer = t }
}

// ExecutorLogger sets the structured logger.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *DAGExecutor) { e.logger = l }
}

// NewDAGExecutor creates an executor. registry handles tool nodes,
// provider handles llm and agentic nodes, planner reviews the plan after
// every node (nil disables review), wirer fills missing tool arguments.
func NewDAGExecutor(registry SessionRegistry, provider Provider, wirer *AutoWirer, planner *Microplanner, cfg DAGConfig, opts ...ExecutorOption) *DAGExecutor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.MinParallel <= 0 {
		cfg.MinParallel = 1
	}
	e := &DAGExecutor{
		registry: registry,
		provider: provider,
		wirer:    wirer,
		planner:  planner,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// Ceiling returns the effective parallelism ceiling at this instant.
func (e *DAGExecutor) Ceiling() int {
	if e.degrade != nil && e.degrade.Degraded() {
		return e.cfg.MinParallel
	}
	return e.cfg.MaxParallel
}

// Execute runs the blueprint to completion. An empty blueprint returns
// immediately with no results and an unchanged store. Node failures do
// not abort the run: they surface in the outcome and feed the
// microplanner; the caller decides what a partial result is worth.
func (e *DAGExecutor) Execute(ctx context.Context, nodes []*WorkflowNode, env ExecEnv) (ExecOutcome, error) {
	if env.Store == nil {
		env.Store = NewArtifactStore()
	}
	return e.run(ctx, nodes, env, true)
}

// nodeDone pairs a finished node with its result for the coordinator.
type nodeDone struct {
	node   *WorkflowNode
	result NodeResult
}

// run is the reactive scheduler. All mutation of the node set happens on
// the coordinator goroutine; worker goroutines only execute and report.
func (e *DAGExecutor) run(ctx context.Context, nodes []*WorkflowNode, env ExecEnv, usePlanner bool) (ExecOutcome, error) {
	var outcome ExecOutcome
	if len(nodes) == 0 {
		return outcome, nil
	}

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "dag.execute",
			StringAttr("cell_id", env.CellID),
			IntAttr("node_count", len(nodes)))
		defer span.End()
	}

	// Merge inputs behave as dependencies.
	for _, n := range nodes {
		if n.Type == NodeMerge {
			n.DependsOn = unionIDs(n.DependsOn, n.MergeInputs)
		}
	}

	byID := make(map[string]*WorkflowNode, len(nodes))
	for _, n := range nodes {
		if n.Status == "" {
			n.Status = NodePending
		}
		byID[n.ID] = n
	}
	failSkipped := make(map[string]bool)
	var summaries []string

	done := make(chan nodeDone)
	inflight := 0

	// depsSatisfied: all dependencies terminal, none failed or skipped by
	// an upstream failure. Returns (ready, doomed).
	depsState := func(n *WorkflowNode) (bool, bool) {
		for _, dep := range n.DependsOn {
			d, ok := byID[dep]
			if !ok {
				// Dependency vanished in a replan: treat as satisfied.
				continue
			}
			if d.Status == NodeFailed || (d.Status == NodeSkipped && failSkipped[dep]) {
				return false, true
			}
			if !d.Status.Terminal() {
				return false, false
			}
		}
		return true, false
	}

	launch := func(n *WorkflowNode) {
		n.Status = NodeRunning
		inflight++
		e.emit(env, StreamEvent{Type: EventNodeStart, Name: n.ID})
		go func(n *WorkflowNode) {
			res := e.runNode(ctx, n, env)
			done <- nodeDone{node: n, result: res}
		}(n)
	}

	// schedule admits ready pending nodes up to the current ceiling and
	// synchronously skips doomed ones (failed upstream), cascading.
	var schedule func()
	schedule = func() {
		progressed := true
		for progressed {
			progressed = false
			ceiling := e.Ceiling()
			for _, n := range nodes {
				if n.Status != NodePending && n.Status != NodeWaiting {
					continue
				}
				ready, doomed := depsState(n)
				if doomed {
					n.Status = NodeSkipped
					failSkipped[n.ID] = true
					outcome.Results = append(outcome.Results, NodeResult{NodeID: n.ID, Status: NodeSkipped, Error: "upstream failure"})
					progressed = true
					continue
				}
				if !ready {
					continue
				}
				if n.Status == NodePending {
					n.Status = NodeWaiting
				}
				if inflight < ceiling {
					launch(n)
					progressed = true
				}
			}
		}
	}

	skipRemaining := func(reason string) {
		for _, n := range nodes {
			if n.Status == NodePending || n.Status == NodeWaiting {
				n.Status = NodeSkipped
				outcome.Results = append(outcome.Results, NodeResult{NodeID: n.ID, Status: NodeSkipped, Error: reason})
			}
		}
	}

	schedule()

	for inflight > 0 {
		var d nodeDone
		select {
		case d = <-done:
		case <-ctx.Done():
			// Cooperative cancellation: running nodes observe ctx and
			// report back; pending work is skipped.
			skipRemaining("cancelled")
			for inflight > 0 {
				d := <-done
				inflight--
				outcome.Results = append(outcome.Results, d.result)
				outcome.Usage.add(d.result.Usage)
			}
			return outcome, Tag(KindCancelled, ctx.Err())
		}
		inflight--

		n, res := d.node, d.result
		n.Status = res.Status
		outcome.Results = append(outcome.Results, res)
		outcome.Usage.add(res.Usage)
		if n.Type == NodeTool || n.Type == NodeCode || n.Type == NodeAgentic {
			outcome.ToolCalls++
		}
		e.publish(env.Store, n, &res)
		e.emit(env, StreamEvent{
			Type:     EventNodeFinish,
			Name:     n.ID,
			Content:  truncateStr(stringifyArtifact(res.Output), 200),
			Usage:    res.Usage,
			Duration: durationOf(res),
		})
		summaries = append(summaries, fmt.Sprintf("%s (%s): %s", n.ID, res.Status, truncateStr(stringifyArtifact(res.Output), 120)))

		// Switch nodes inject their taken branch before the checkpoint.
		if n.Type == NodeSwitch && res.Status == NodeCompleted {
			branch := e.takenBranch(n, env.Store)
			if len(branch) > 0 {
				injected := injectAfter(n.ID, branch)
				nodes = append(nodes, injected...)
				for _, b := range injected {
					byID[b.ID] = b
				}
			}
		}

		if usePlanner && e.planner != nil {
			decision, usage := e.planner.Checkpoint(ctx, CheckpointInput{
				Query:       env.Query,
				Completed:   n,
				Result:      &res,
				Remaining:   remainingNodes(nodes),
				Summaries:   summaries,
				Store:       env.Store,
				ReplansUsed: outcome.Replans,
			})
			outcome.Usage.add(usage)
			if env.Budget != nil && usage.Total() > 0 {
				if err := env.Budget.Charge(env.CellID, usage); err != nil {
					skipRemaining("budget exhausted")
					e.drain(done, inflight, &outcome)
					return outcome, err
				}
			}
			switch decision.Action {
			case PlanComplete:
				skipRemaining("completed early")
			case PlanExpand:
				if err := ValidateBlueprint(append(remainingAndTerminal(nodes), decision.Nodes...)); err != nil {
					e.logger.Warn("rejecting expand decision", "node", n.ID, "error", err)
					break
				}
				outcome.Replans++
				nodes = append(nodes, decision.Nodes...)
				for _, x := range decision.Nodes {
					byID[x.ID] = x
				}
				e.emit(env, StreamEvent{Type: EventReplan, Name: n.ID, Content: string(decision.Action)})
			case PlanReplan:
				outcome.Replans++
				// Cancel the remaining pending set and install the replacement.
				for _, x := range nodes {
					if x.Status == NodePending || x.Status == NodeWaiting {
						x.Status = NodeSkipped
						outcome.Results = append(outcome.Results, NodeResult{NodeID: x.ID, Status: NodeSkipped, Error: "replanned"})
					}
				}
				nodes = append(nodes, decision.Nodes...)
				for _, x := range decision.Nodes {
					byID[x.ID] = x
				}
				e.emit(env, StreamEvent{Type: EventReplan, Name: n.ID, Content: string(decision.Action)})
			}
		}

		schedule()
	}

	if span != nil {
		span.SetAttr(IntAttr("replans", outcome.Replans), IntAttr("tool_calls", outcome.ToolCalls))
	}
	return outcome, nil
}

// drain collects results from still-running workers after an abort decision.
func (e *DAGExecutor) drain(done chan nodeDone, inflight int, outcome *ExecOutcome) {
	for ; inflight > 0; inflight-- {
		d := <-done
		outcome.Results = append(outcome.Results, d.result)
		outcome.Usage.add(d.result.Usage)
	}
}

// publish stores a completed node's output and named artifacts. Partial
// output of a failed tool is kept, flagged partial, so replanning can see
// what the failing call produced; it is excluded from work packages.
func (e *DAGExecutor) publish(store *ArtifactStore, n *WorkflowNode, res *NodeResult) {
	if res.Output != nil {
		name := n.OutputArtifact
		if name == "" {
			name = "output"
		}
		if res.Status == NodeFailed {
			if res.Metadata == nil {
				res.Metadata = map[string]any{}
			}
			res.Metadata["partial"] = true
			store.Put(n.ID, name+"_partial", res.Output)
		} else {
			store.Put(n.ID, name, res.Output)
		}
	}
	store.PutAll(n.ID, res.Artifacts)
}

// runNode executes one node with its per-type timeout and retry policy.
func (e *DAGExecutor) runNode(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	start := time.Now()
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "dag.node",
			StringAttr("node.id", n.ID),
			StringAttr("node.type", string(n.Type)))
		defer span.End()
	}

	res := e.runNodeWithRetry(ctx, n, env)
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["duration_ms"] = time.Since(start).Milliseconds()
	if span != nil {
		span.SetAttr(StringAttr("node.status", string(res.Status)))
		if res.Error != "" {
			span.Error(fmt.Errorf("%s", res.Error))
		}
	}
	return res
}

// runNodeWithRetry retries retryable failures with backoff and jitter,
// bounded by the node's max_retries. Policy violations are never retried:
// they are recorded on the feedback queue and the node is skipped so the
// research continues without the blocked call.
func (e *DAGExecutor) runNodeWithRetry(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	attempts := n.MaxRetries + 1
	var res NodeResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			n.RetryCount = attempt
			delay := e.cfg.Retry.Delay(attempt-1, KindTransient)
			e.logger.Info("retrying node", "node", n.ID, "attempt", attempt, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return NodeResult{NodeID: n.ID, Status: NodeSkipped, Error: ctx.Err().Error()}
			case <-timer.C:
			}
		}

		res = e.runNodeOnce(ctx, n, env)
		if res.Status != NodeFailed {
			return res
		}

		kind := KindPermanent
		if k, ok := res.Metadata["error_kind"].(ErrorKind); ok {
			kind = k
		}
		if kind == KindPolicy {
			if env.Feedback != nil {
				env.Feedback(fmt.Sprintf("tool call %s blocked by policy: %s", n.ID, res.Error))
			}
			res.Status = NodeSkipped
			return res
		}
		if !kind.Retryable() || ctx.Err() != nil {
			return res
		}
	}
	return res
}

// runNodeOnce dispatches on the node type under the per-type timeout.
func (e *DAGExecutor) runNodeOnce(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	timeout := e.timeoutFor(n.Type)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res NodeResult
	switch n.Type {
	case NodeTool:
		res = e.runTool(ctx, n, env)
	case NodeCode:
		res = e.runCode(ctx, n, env)
	case NodeLLM:
		res = e.runLLM(ctx, n, env)
	case NodeSwitch:
		res = e.runSwitch(n, env)
	case NodeLoop:
		res = e.runLoop(ctx, n, env)
	case NodeMerge:
		res = e.runMerge(n, env)
	case NodeAgentic:
		res = e.runAgentic(ctx, n, env)
	default:
		res = failResult(n.ID, Tag(KindPermanent, fmt.Errorf("unknown node type %q", n.Type)))
	}

	// A per-type timeout shows up as context.DeadlineExceeded from the
	// underlying call; label it so retry and reporting see "timeout".
	if res.Status == NodeFailed && ctx.Err() == context.DeadlineExceeded {
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["error_kind"] = KindTransient
		res.Metadata["error"] = "timeout"
		res.Error = "timeout: " + res.Error
	}
	return res
}

func (e *DAGExecutor) timeoutFor(t NodeType) time.Duration {
	switch t {
	case NodeTool:
		return e.cfg.ToolTimeout
	case NodeCode:
		return e.cfg.CodeTimeout
	case NodeLLM:
		return e.cfg.LLMTimeout
	case NodeAgentic:
		return e.cfg.AgenticTimeout
	default:
		return 0
	}
}

// --- per-type execution ---

// runTool wires arguments and dispatches through the session registry,
// falling back to the local in-process registry for built-in tools.
func (e *DAGExecutor) runTool(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	info, ok := e.registry.Lookup(n.ToolName)
	if !ok {
		if local, lok := e.localLookup(n.ToolName); lok {
			return e.runLocalTool(ctx, n, local, env)
		}
		return failResult(n.ID, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: fmt.Sprintf("unknown tool %q", n.ToolName)}))
	}

	args, err := e.wireArgs(n, info.Schema, env.Store)
	if err != nil {
		return failResult(n.ID, err)
	}

	e.emit(env, StreamEvent{Type: EventToolCallStart, Name: n.ToolName, Args: marshalArgs(args)})
	out, err := e.registry.Execute(ctx, info.Server, n.ToolName, args)
	if err != nil {
		res := failResult(n.ID, err)
		res.Output = out // partial output policy: keep what the tool produced
		return res
	}
	e.emit(env, StreamEvent{Type: EventToolCallResult, Name: n.ToolName, Content: truncateStr(out, 200)})
	return NodeResult{NodeID: n.ID, Status: NodeCompleted, Output: out}
}

// localLookup resolves a tool name against the in-process registry,
// shaping its definition as a ToolInfo with an empty Server.
func (e *DAGExecutor) localLookup(name string) (ToolInfo, bool) {
	if e.local == nil {
		return ToolInfo{}, false
	}
	for _, d := range e.local.AllDefinitions() {
		if d.Name != name {
			continue
		}
		var schema ToolSchema
		_ = json.Unmarshal(d.Parameters, &schema)
		return ToolInfo{Name: d.Name, Description: d.Description, Schema: schema}, true
	}
	return ToolInfo{}, false
}

// runLocalTool executes an in-process tool with the same wiring and
// eventing as a registry tool.
func (e *DAGExecutor) runLocalTool(ctx context.Context, n *WorkflowNode, info ToolInfo, env ExecEnv) NodeResult {
	args, err := e.wireArgs(n, info.Schema, env.Store)
	if err != nil {
		return failResult(n.ID, err)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return failResult(n.ID, err)
	}

	e.emit(env, StreamEvent{Type: EventToolCallStart, Name: n.ToolName, Args: raw})
	res, err := e.local.Execute(ctx, n.ToolName, raw)
	if err != nil {
		return failResult(n.ID, err)
	}
	if res.Error != "" {
		r := failResult(n.ID, Tagf(KindTransient, "tool %s: %s", n.ToolName, res.Error))
		r.Output = res.Content
		return r
	}
	e.emit(env, StreamEvent{Type: EventToolCallResult, Name: n.ToolName, Content: truncateStr(res.Content, 200)})
	return NodeResult{NodeID: n.ID, Status: NodeCompleted, Output: res.Content}
}

// runCode executes a code node through the sandbox runner, falling back
// to the registry's execute_code tool when no runner is configured.
func (e *DAGExecutor) runCode(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	code, _ := n.Args["code"].(string)
	if code == "" {
		return failResult(n.ID, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: "code node missing args.code"}))
	}
	if e.runner == nil {
		n2 := *n
		n2.Type = NodeTool
		n2.ToolName = CodeToolName
		return e.runTool(ctx, &n2, env)
	}

	runtime, _ := n.Args["runtime"].(string)
	result, err := e.runner.Run(ctx, CodeRequest{Code: code, Runtime: runtime}, e.codeDispatch(ctx, env))
	if err != nil {
		return failResult(n.ID, err)
	}
	if result.Error != "" {
		return failResult(n.ID, Tag(KindPermanent, fmt.Errorf("code execution: %s", result.Error)))
	}
	return NodeResult{
		NodeID:   n.ID,
		Status:   NodeCompleted,
		Output:   result.Output,
		Metadata: map[string]any{"exit_code": result.ExitCode, "logs": truncateStr(result.Logs, 2000)},
	}
}

// codeDispatch bridges call_tool() invocations from sandboxed code back to
// the session registry. Code cannot recurse into execute_code.
func (e *DAGExecutor) codeDispatch(ctx context.Context, env ExecEnv) DispatchFunc {
	return func(ctx context.Context, tc ToolCall) DispatchResult {
		if tc.Name == CodeToolName {
			return DispatchResult{Content: "error: execute_code cannot be called from within code", IsError: true}
		}
		info, ok := e.registry.Lookup(tc.Name)
		if !ok {
			return DispatchResult{Content: "error: unknown tool: " + tc.Name, IsError: true}
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

// runLLM makes a single provider call with the node's prompt and system,
// resolving {{artifact}} references in the prompt against the store.
func (e *DAGExecutor) runLLM(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	if e.provider == nil {
		return failResult(n.ID, Tag(KindPermanent, fmt.Errorf("llm node %s: no provider configured", n.ID)))
	}
	prompt := resolveTemplates(n.Prompt, env.Store)
	msgs := []ChatMessage{}
	if n.System != "" {
		msgs = append(msgs, SystemMessage(n.System))
	}
	msgs = append(msgs, UserMessage(prompt))

	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: msgs})
	if err != nil {
		res := failResult(n.ID, err)
		res.Usage = resp.Usage
		return res
	}
	res := NodeResult{NodeID: n.ID, Status: NodeCompleted, Output: resp.Content, Usage: resp.Usage}
	if env.Budget != nil {
		if err := env.Budget.Charge(env.CellID, resp.Usage); err != nil {
			res.Status = NodeFailed
			res.Error = err.Error()
			res.Metadata = map[string]any{"error_kind": Classify(err)}
		}
	}
	return res
}

// runSwitch evaluates the condition; the coordinator injects the taken
// branch after the result lands. The boolean is also published so merge
// and llm nodes can reference it.
func (e *DAGExecutor) runSwitch(n *WorkflowNode, env ExecEnv) NodeResult {
	v, err := evalCondition(n.Condition, env.Store)
	if err != nil {
		return failResult(n.ID, err)
	}
	return NodeResult{NodeID: n.ID, Status: NodeCompleted, Output: v,
		Artifacts: map[string]any{"condition": v}}
}

// takenBranch returns the branch chosen by a completed switch node.
func (e *DAGExecutor) takenBranch(n *WorkflowNode, store *ArtifactStore) []*WorkflowNode {
	v, _ := store.Get(n.ID, "condition")
	if taken, _ := v.(bool); taken {
		return n.TrueBranch
	}
	return n.FalseBranch
}

// runLoop materializes loop_body once per item of the resolved sequence,
// bounded by max_parallel, and aggregates each iteration's output under
// the loop node. A loop_over that is not a sequence fails fast with a
// validation error.
func (e *DAGExecutor) runLoop(ctx context.Context, n *WorkflowNode, env ExecEnv) NodeResult {
	raw, ok := resolveRef(env.Store, n.LoopOver)
	if !ok {
		return failResult(n.ID, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: fmt.Sprintf("loop_over %q not found", n.LoopOver)}))
	}
	items, err := asSequence(raw)
	if err != nil {
		return failResult(n.ID, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: err.Error()}))
	}
	if len(n.LoopBody) == 0 {
		return failResult(n.ID, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: "loop has no body"}))
	}

	maxParallel := n.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	loopVar := n.LoopVariable
	if loopVar == "" {
		loopVar = "item"
	}

	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	outputs := make([]any, len(items))
	var usageMu sync.Mutex
	var totalUsage Usage
	var firstErr error

	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			prefix := fmt.Sprintf("%s_%d", n.ID, i)
			env.Store.Put(prefix, loopVar, item)
			body := cloneBody(n.LoopBody, prefix, loopVar)
			sub, err := e.run(ctx, body, ExecEnv{
				Query:    env.Query,
				CellID:   env.CellID,
				Budget:   env.Budget,
				Store:    env.Store,
				Feedback: env.Feedback,
			}, false)
			usageMu.Lock()
			totalUsage.add(sub.Usage)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if len(sub.Results) > 0 {
				outputs[i] = sub.Results[len(sub.Results)-1].Output
			}
			usageMu.Unlock()
		}(i, item)
	}
	wg.Wait()

	if firstErr != nil {
		res := failResult(n.ID, firstErr)
		res.Usage = totalUsage
		return res
	}
	return NodeResult{NodeID: n.ID, Status: NodeCompleted, Output: outputs, Usage: totalUsage,
		Metadata: map[string]any{"iterations": len(items)}}
}

// runMerge combines its inputs per strategy. The custom strategy has no
// in-core combiner; it degrades to dict so downstream nodes see all inputs.
func (e *DAGExecutor) runMerge(n *WorkflowNode, env ExecEnv) NodeResult {
	values := make(map[string]any, len(n.MergeInputs))
	for _, in := range n.MergeInputs {
		values[in] = primaryOutput(env.Store, in)
	}

	var out any
	switch n.MergeStrategy {
	case MergeFirst:
		for _, in := range n.MergeInputs {
			if v := values[in]; v != nil && stringifyArtifact(v) != "" {
				out = v
				break
			}
		}
	case MergeDict, MergeCustom, "":
		if n.MergeStrategy == "" {
			// Default for unspecified strategy.
			var parts []string
			for _, in := range n.MergeInputs {
				if v := values[in]; v != nil {
					parts = append(parts, stringifyArtifact(v))
				}
			}
			out = strings.Join(parts, "\n\n")
		} else {
			out = values
		}
	case MergeConcat:
		var parts []string
		for _, in := range n.MergeInputs {
			if v := values[in]; v != nil {
				parts = append(parts, stringifyArtifact(v))
			}
		}
		out = strings.Join(parts, "\n\n")
	default:
		return failResult(n.ID, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: fmt.Sprintf("unknown merge strategy %q", n.MergeStrategy)}))
	}
	return NodeResult{NodeID: n.ID, Status: NodeCompleted, Output: out}
}

// --- helpers ---

// wireArgs builds the explicit input set from args and input_mapping, then
// lets the auto-wirer fill remaining required arguments from the store.
func (e *DAGExecutor) wireArgs(n *WorkflowNode, schema ToolSchema, store *ArtifactStore) (map[string]any, error) {
	explicit := make(map[string]any, len(n.Args)+len(n.InputMapping))
	for k, v := range n.Args {
		if s, ok := v.(string); ok && strings.Contains(s, "{{") {
			explicit[k] = resolveTemplates(s, store)
			continue
		}
		explicit[k] = v
	}
	for arg, ref := range n.InputMapping {
		v, ok := resolveRef(store, ref)
		if !ok {
			return nil, Tag(KindPermanent, &ValidationError{Subject: n.ID, Detail: fmt.Sprintf("input_mapping %s: artifact %q not found", arg, ref)})
		}
		explicit[arg] = v
	}
	if e.wirer == nil {
		return explicit, nil
	}
	wired, err := e.wirer.Wire(schema, explicit, store)
	if err != nil {
		return nil, &ValidationError{Subject: n.ID, Detail: err.Error()}
	}
	return wired, nil
}

func (e *DAGExecutor) emit(env ExecEnv, ev StreamEvent) {
	if env.Stream == nil {
		return
	}
	select {
	case env.Stream <- ev:
	default:
		// Stream consumers that fall behind lose events, not progress.
	}
}

// resolveTemplates replaces {{ref}} placeholders with artifact values.
func resolveTemplates(s string, store *ArtifactStore) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			return s
		}
		end += start
		ref := s[start+2 : end]
		v, ok := resolveRef(store, ref)
		repl := ""
		if ok {
			repl = stringifyArtifact(v)
		}
		s = s[:start] + repl + s[end+2:]
	}
}

// primaryOutput returns a node's main published artifact: "output" by
// convention, else the single artifact under its step.
func primaryOutput(store *ArtifactStore, nodeID string) any {
	if v, ok := store.Get(nodeID, "output"); ok {
		return v
	}
	step := store.Step(nodeID)
	for _, v := range step {
		if len(step) == 1 {
			return v
		}
	}
	if v, ok := step["condition"]; ok {
		return v
	}
	return nil
}

// cloneBody deep-copies loop body nodes with a per-iteration id prefix,
// rewriting intra-body dependency edges to the prefixed ids and loop
// variable references to the iteration's binding.
func cloneBody(body []*WorkflowNode, prefix, loopVar string) []*WorkflowNode {
	inBody := make(map[string]bool, len(body))
	for _, n := range body {
		inBody[n.ID] = true
	}
	out := make([]*WorkflowNode, len(body))
	for i, n := range body {
		c := *n
		c.ID = prefix + "_" + n.ID
		c.Status = NodePending
		c.RetryCount = 0
		c.DependsOn = nil
		for _, dep := range n.DependsOn {
			if inBody[dep] {
				c.DependsOn = append(c.DependsOn, prefix+"_"+dep)
			} else {
				c.DependsOn = append(c.DependsOn, dep)
			}
		}
		if c.Args != nil {
			args := make(map[string]any, len(c.Args))
			for k, v := range c.Args {
				if s, ok := v.(string); ok {
					args[k] = strings.ReplaceAll(s, "{{"+loopVar+"}}", "{{"+prefix+"."+loopVar+"}}")
				} else {
					args[k] = v
				}
			}
			c.Args = args
		}
		out[i] = &c
	}
	return out
}

// injectAfter sets the switch node as the dependency root of injected
// branch nodes that declare no dependencies of their own.
func injectAfter(switchID string, branch []*WorkflowNode) []*WorkflowNode {
	out := make([]*WorkflowNode, len(branch))
	for i, n := range branch {
		c := *n
		c.Status = NodePending
		if len(c.DependsOn) == 0 {
			c.DependsOn = []string{switchID}
		}
		out[i] = &c
	}
	return out
}

func remainingNodes(nodes []*WorkflowNode) []*WorkflowNode {
	var out []*WorkflowNode
	for _, n := range nodes {
		if !n.Status.Terminal() && n.Status != NodeRunning {
			out = append(out, n)
		}
	}
	return out
}

// remainingAndTerminal returns all current nodes, used to validate that an
// expansion does not collide with existing ids.
func remainingAndTerminal(nodes []*WorkflowNode) []*WorkflowNode {
	out := make([]*WorkflowNode, len(nodes))
	copy(out, nodes)
	return out
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func asSequence(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out, nil
	case string:
		// Tool outputs are often JSON-encoded strings; accept a JSON array.
		var arr []any
		if err := json.Unmarshal([]byte(t), &arr); err == nil {
			return arr, nil
		}
		return nil, fmt.Errorf("loop_over resolved to a string, not a sequence")
	default:
		return nil, fmt.Errorf("loop_over resolved to %T, not a sequence", v)
	}
}

func failResult(nodeID string, err error) NodeResult {
	return NodeResult{
		NodeID:   nodeID,
		Status:   NodeFailed,
		Error:    err.Error(),
		Metadata: map[string]any{"error_kind": Classify(err)},
	}
}

func marshalArgs(args map[string]any) json.RawMessage {
	b, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return b
}

func durationOf(res NodeResult) time.Duration {
	if ms, ok := res.Metadata["duration_ms"].(int64); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}
