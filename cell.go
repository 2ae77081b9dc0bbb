package arbor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CellState is a kernel cell's position in the cognitive cycle.
type CellState int32

const (
	CellCreated CellState = iota
	CellPlanning
	CellDelegating
	CellWaiting
	CellSynthesizing
	CellDone
	CellFailed
	CellCancelled
)

func (s CellState) String() string {
	switch s {
	case CellCreated:
		return "created"
	case CellPlanning:
		return "planning"
	case CellDelegating:
		return "delegating"
	case CellWaiting:
		return "waiting"
	case CellSynthesizing:
		return "synthesizing"
	case CellDone:
		return "done"
	case CellFailed:
		return "failed"
	case CellCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s CellState) IsTerminal() bool {
	return s == CellDone || s == CellFailed || s == CellCancelled
}

// CellConfig carries everything a cell and its descendants need. One value
// is built by the engine and shared down the hierarchy.
type CellConfig struct {
	Provider Provider
	Registry SessionRegistry
	// Local holds in-process tools resolvable after the registry.
	Local   *ToolRegistry
	Wirer   *AutoWirer
	Planner *Microplanner
	Runner  CodeRunner
	Bus     *CellBus
	Policy  BudgetPolicy
	DAG     DAGConfig
	// Govern is the governor's degrade state; the cell combines it with
	// its own budget-floor flag before handing it to the executor.
	Govern DegradeSignal
	// Input answers clarification questions; only consulted at depth 0.
	Input InputHandler
	// Retriever surfaces previously ingested pool content during
	// synthesis, so past collection grounds new answers.
	Retriever Retriever
	Tracer    Tracer
	Logger    *slog.Logger
	// GovernanceTick paces the stall-detection sweep (default 1s).
	GovernanceTick time.Duration
	// MaxDepth stops recursion regardless of role (default 4).
	MaxDepth int
}

// KernelCell is one recursive executor in the hierarchy. A cell perceives
// its query, plans a blueprint (optionally delegating subqueries to child
// cells of strictly lower role), executes the blueprint, and synthesizes
// an envelope. All spawned children terminate before the cell does.
type KernelCell struct {
	id       string
	role     Role
	depth    int
	parentID string
	domain   string

	budget *Budget
	store  *ArtifactStore
	cfg    CellConfig
	logger *slog.Logger

	state   atomic.Int32
	degrade *cellDegrade
	inbox   <-chan Message

	stream chan<- StreamEvent

	mu         sync.Mutex
	children   []*ChildHandle
	cancelled  atomic.Bool
	cancelWhy  atomic.Value // string
	msgSent    atomic.Int64
	msgRecv    atomic.Int64
	feedbackMu sync.Mutex
	feedback   []string
}

// cellDegrade ORs the governor's degrade state with the cell's own
// budget-floor flag, so either lowers the executor's ceiling.
type cellDegrade struct {
	govern DegradeSignal
	floor  atomic.Bool
}

func (d *cellDegrade) Degraded() bool {
	if d.floor.Load() {
		return true
	}
	return d.govern != nil && d.govern.Degraded()
}

// NewKernelCell creates a root cell with the given role and domain. The
// budget defaults come from the policy when tokens is zero.
func NewKernelCell(role Role, domain string, tokens int64, cfg CellConfig) *KernelCell {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	if cfg.Bus == nil {
		cfg.Bus = NewCellBus(BusLogger(cfg.Logger))
	}
	if cfg.GovernanceTick <= 0 {
		cfg.GovernanceTick = time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 4
	}
	if tokens <= 0 {
		tokens = cfg.Policy.TokensPerRole[role]
	}
	deadline := time.Time{}
	if d := cfg.Policy.TimePerRole[role]; d > 0 {
		deadline = time.Now().Add(d)
	}
	c := newCell(role, domain, "", 0, NewBudget(tokens, deadline), cfg)
	return c
}

func newCell(role Role, domain, parentID string, depth int, budget *Budget, cfg CellConfig) *KernelCell {
	c := &KernelCell{
		id:       NewID(),
		role:     role,
		depth:    depth,
		parentID: parentID,
		domain:   domain,
		budget:   budget,
		store:    NewArtifactStore(),
		cfg:      cfg,
		degrade:  &cellDegrade{govern: cfg.Govern},
	}
	c.logger = cfg.Logger.With("cell_id", c.id, "role", role.String(), "depth", depth)
	c.state.Store(int32(CellCreated))
	c.inbox = cfg.Bus.Register(c.id)
	return c
}

// ID returns the cell's stable identifier.
func (c *KernelCell) ID() string { return c.id }

// Role returns the cell's hierarchy role.
func (c *KernelCell) Role() Role { return c.role }

// State returns the cell's current cycle state.
func (c *KernelCell) State() CellState { return CellState(c.state.Load()) }

// Budget returns the cell's ledger.
func (c *KernelCell) Budget() *Budget { return c.budget }

// Send delivers a message from this cell to the target.
func (c *KernelCell) Send(target string, kind MessageKind, reason string, payload any) bool {
	ok := c.cfg.Bus.Send(Message{Kind: kind, From: c.id, To: target, Reason: reason, Payload: payload})
	if ok {
		c.msgSent.Add(1)
	}
	return ok
}

// SetStream attaches a progress event channel for the whole subtree.
func (c *KernelCell) SetStream(ch chan<- StreamEvent) { c.stream = ch }

// SeedArtifact publishes a value into the cell's store before Process
// runs, making caller-supplied context (extracted URLs, prior findings)
// visible to planning and auto-wiring.
func (c *KernelCell) SeedArtifact(stepID, name string, value any) {
	c.store.Put(stepID, name, value)
}

// Process runs the cognitive cycle and returns the cell's envelope. The
// error is non-nil only for total failure (budget exhausted before any
// product, or cancellation); partial trouble lands in stderr instead.
func (c *KernelCell) Process(ctx context.Context, query string) (StdioEnvelope, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.cfg.Bus.Unregister(c.id)

	var span Span
	if c.cfg.Tracer != nil {
		ctx, span = c.cfg.Tracer.Start(ctx, "cell.process",
			StringAttr("cell.id", c.id),
			StringAttr("cell.role", c.role.String()),
			IntAttr("cell.depth", c.depth))
		defer span.End()
	}

	c.emit(StreamEvent{Type: EventCellStart, Name: c.id, Content: c.role.String()})

	// Message pump: CANCEL and RESOURCE act immediately; everything else
	// is counted and logged. Runs until Process returns.
	pumpDone := make(chan struct{})
	go c.pump(ctx, cancel, pumpDone)
	defer func() { cancel(); <-pumpDone }()

	var stderr EnvelopeStderr
	var replans, toolCalls int

	// Plan.
	c.setState(CellPlanning)
	plan, usage, err := c.plan(ctx, query)
	if chargeErr := c.budget.Charge(c.id, usage); chargeErr != nil {
		return c.finish(start, query, "", stderr, 0, 0, CellFailed), chargeErr
	}
	if err != nil {
		if c.cancelled.Load() || ctx.Err() != nil {
			stderr.warnf("cancelled", "warning", c.cancelReason())
			return c.finish(start, query, "", stderr, 0, 0, CellCancelled), Tag(KindCancelled, fmt.Errorf("cell %s cancelled: %s", c.id, c.cancelReason()))
		}
		// Planning trouble degrades to a direct answer, not a dead cell.
		c.logger.Warn("planning failed, falling back to direct answer", "error", err)
		stderr.warnf("planning", "warning", err.Error())
		plan = cellPlan{Steps: fallbackSteps(query)}
	}

	// The planner may ask one clarifying question instead of committing
	// to steps. Only the root cell has a user to ask; everywhere else the
	// cell proceeds with whatever plan came back.
	if q := plan.Clarify; q != "" && c.cfg.Input != nil && c.depth == 0 {
		answer, ierr := c.cfg.Input(ctx, q)
		if ierr != nil {
			stderr.warnf("clarify", "warning", ierr.Error())
		} else {
			query = query + "\n\nClarification: " + q + "\nAnswer: " + answer
			var usage2 Usage
			plan, usage2, err = c.plan(ctx, query)
			if chargeErr := c.budget.Charge(c.id, usage2); chargeErr != nil {
				return c.finish(start, query, "", stderr, 0, 0, CellFailed), chargeErr
			}
			if err != nil {
				if c.cancelled.Load() || ctx.Err() != nil {
					stderr.warnf("cancelled", "warning", c.cancelReason())
					return c.finish(start, query, "", stderr, 0, 0, CellCancelled), Tag(KindCancelled, fmt.Errorf("cell %s cancelled: %s", c.id, c.cancelReason()))
				}
				c.logger.Warn("replanning after clarification failed, falling back", "error", err)
				stderr.warnf("planning", "warning", err.Error())
				plan = cellPlan{Steps: fallbackSteps(query)}
			}
		}
	} else if q != "" {
		// No one to ask here. Raise CLARIFY toward the root, record the
		// ambiguity, and proceed on the best guess.
		if c.parentID != "" {
			if c.cfg.Bus.Send(Message{Kind: MsgClarify, From: c.id, To: c.parentID, Reason: q, SentAt: time.Now()}) {
				c.msgSent.Add(1)
			}
		}
		stderr.warnf("clarify", "warning", "unresolved clarification: "+q)
	}

	// Delegate.
	if len(plan.Delegate) > 0 {
		c.setState(CellDelegating)
		c.delegate(ctx, plan.Delegate, &stderr)
		c.setState(CellWaiting)
		c.supervise(ctx, &stderr)
	}

	// Execute own blueprint.
	var results []NodeResult
	if len(plan.Steps) > 0 {
		nodes, perr := ParseSteps(plan.Steps)
		if perr != nil {
			c.logger.Warn("blueprint rejected, falling back to direct answer", "error", perr)
			stderr.warnf("blueprint", "warning", perr.Error())
			nodes, _ = ParseSteps(fallbackSteps(query))
		}
		exec := NewDAGExecutor(c.cfg.Registry, c.cfg.Provider, c.cfg.Wirer, c.cfg.Planner, c.cfg.DAG,
			ExecutorCodeRunner(c.cfg.Runner),
			ExecutorLocalTools(c.cfg.Local),
			ExecutorDegradeSignal(c.degrade),
			ExecutorTracer(c.cfg.Tracer),
			ExecutorLogger(c.logger))
		outcome, eerr := exec.Execute(ctx, nodes, ExecEnv{
			Query:    query,
			CellID:   c.id,
			Budget:   c.budget,
			Store:    c.store,
			Stream:   c.stream,
			Feedback: c.recordFeedback,
		})
		results = outcome.Results
		replans = outcome.Replans
		toolCalls = outcome.ToolCalls
		for _, r := range results {
			if r.Status == NodeFailed {
				stderr.fail(r.NodeID, fmt.Errorf("%s", r.Error), "included partial artifacts")
			}
		}
		if eerr != nil {
			if Classify(eerr) == KindCancelled || c.cancelled.Load() {
				stderr.warnf("cancelled", "warning", c.cancelReason())
				env := c.finish(start, query, c.partialContent(), stderr, replans, toolCalls, CellCancelled)
				return env, Tag(KindCancelled, eerr)
			}
			if isBudgetExhausted(eerr) {
				env := c.finish(start, query, c.partialContent(), stderr, replans, toolCalls, CellFailed)
				return env, eerr
			}
			stderr.fail("blueprint", eerr, "synthesized from partial artifacts")
		}
	}
	for _, note := range c.takeFeedback() {
		stderr.warnf("policy", "warning", note)
	}

	// Synthesize.
	c.setState(CellSynthesizing)
	content, findings, usage, serr := c.synthesize(ctx, query)
	if chargeErr := c.budget.Charge(c.id, usage); chargeErr != nil {
		env := c.finish(start, query, content, stderr, replans, toolCalls, CellFailed)
		return env, chargeErr
	}
	if serr != nil {
		if c.cancelled.Load() || ctx.Err() != nil {
			stderr.warnf("cancelled", "warning", c.cancelReason())
			env := c.finish(start, query, c.partialContent(), stderr, replans, toolCalls, CellCancelled)
			return env, Tag(KindCancelled, serr)
		}
		stderr.fail("synthesize", serr, "returned raw artifacts")
		content = c.partialContent()
	}

	env := c.finish(start, query, content, stderr, replans, toolCalls, CellDone)
	env.Stdout.KeyFindings = findings
	env.Stdout.WorkPackage.KeyFindings = findings
	return env, nil
}

// finish assembles the envelope and records the terminal state.
func (c *KernelCell) finish(start time.Time, query, content string, stderr EnvelopeStderr, replans, toolCalls int, state CellState) StdioEnvelope {
	c.setState(state)
	c.emit(StreamEvent{Type: EventCellFinish, Name: c.id, Content: state.String(), Duration: time.Since(start)})

	var artifacts []WorkArtifact
	for _, a := range c.store.Flatten() {
		artifacts = append(artifacts, WorkArtifact{Name: a.Name, StepID: a.StepID, Value: a.Value})
	}

	childCount := len(c.snapshotChildren())
	env := StdioEnvelope{
		Stdout: EnvelopeStdout{
			Content: content,
			WorkPackage: WorkPackage{
				Summary:   truncateStr(content, 500),
				Artifacts: artifacts,
			},
		},
		Stderr: stderr,
		Metadata: EnvelopeMetadata{
			CellID:           c.id,
			Level:            c.depth,
			Role:             c.role.String(),
			Domain:           c.domain,
			Confidence:       confidenceOf(state, stderr, toolCalls, childCount),
			DurationMS:       time.Since(start).Milliseconds(),
			TokensUsed:       c.budget.Used(),
			ChildrenCount:    childCount,
			MessagesSent:     int(c.msgSent.Load()),
			MessagesReceived: int(c.msgRecv.Load()),
			ToolsUsed:        toolCalls,
			Replans:          replans,
		},
	}
	return env
}

// confidenceOf derives the envelope confidence: full-cycle completions
// start high and lose ground per surfaced failure.
func confidenceOf(state CellState, stderr EnvelopeStderr, toolCalls, children int) float64 {
	if state != CellDone {
		return 0.2
	}
	conf := 0.9
	if toolCalls == 0 && children == 0 {
		conf = 0.7 // ungrounded: straight model output
	}
	conf -= 0.1 * float64(len(stderr.Failures))
	conf -= 0.05 * float64(len(stderr.Warnings))
	if conf < 0.2 {
		conf = 0.2
	}
	return conf
}

func isBudgetExhausted(err error) bool {
	var be *BudgetExhaustedError
	return errors.As(err, &be)
}

// setState transitions the cycle state.
func (c *KernelCell) setState(s CellState) {
	c.state.Store(int32(s))
}

func (c *KernelCell) emit(ev StreamEvent) {
	if c.stream == nil {
		return
	}
	select {
	case c.stream <- ev:
	default:
	}
}

func (c *KernelCell) recordFeedback(note string) {
	c.feedbackMu.Lock()
	c.feedback = append(c.feedback, note)
	c.feedbackMu.Unlock()
}

func (c *KernelCell) takeFeedback() []string {
	c.feedbackMu.Lock()
	defer c.feedbackMu.Unlock()
	out := c.feedback
	c.feedback = nil
	return out
}

func (c *KernelCell) cancelReason() string {
	if v, ok := c.cancelWhy.Load().(string); ok && v != "" {
		return v
	}
	return "cancelled"
}

// pump drains the inbox for the duration of Process. CANCEL cancels the
// cell's context (the reason distinguishes stall, timeout, and parent
// shutdown); RESOURCE grants land on the budget; the rest are counted.
func (c *KernelCell) pump(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.inbox:
			if !ok {
				return
			}
			c.msgRecv.Add(1)
			switch msg.Kind {
			case MsgCancel:
				reason := msg.Reason
				if reason == "" {
					reason = "parent"
				}
				c.cancelWhy.Store(reason)
				c.cancelled.Store(true)
				c.logger.Info("cancel received", "from", msg.From, "reason", reason)
				cancel()
			case MsgResource:
				granted := c.budget.Grant(msg.Tokens, c.cfg.Policy.ReallocCap)
				c.logger.Info("resource grant", "from", msg.From, "requested", msg.Tokens, "granted", granted)
			case MsgAlert:
				if msg.Reason == "degrade" {
					c.degrade.floor.Store(true)
				}
			default:
				c.logger.Debug("message received", "kind", msg.Kind, "family", msg.Kind.Family(), "from", msg.From)
			}
		}
	}
}

// --- planning ---

// cellPlan is the planner's strict JSON output: blueprint steps the cell
// runs itself, plus subqueries to delegate to child cells.
type cellPlan struct {
	Steps    []map[string]any `json:"steps"`
	Delegate []Delegation     `json:"delegate,omitempty"`
	// Clarify is a single question the planner wants answered before
	// committing to steps. Honored only at the root cell.
	Clarify string `json:"clarify,omitempty"`
}

// Delegation is one subquery handed to a child cell.
type Delegation struct {
	Domain     string `json:"domain"`
	Query      string `json:"query"`
	BudgetHint int64  `json:"budget_hint,omitempty"`
}

// rolePrompts shape the planning call per hierarchy level: upper roles
// decompose, lower roles execute.
var rolePrompts = map[Role]string{
	RoleCEO:      "You lead a research organization. Decompose the query into distinct domains and delegate each; keep at most a final synthesis step for yourself.",
	RoleVP:       "You own one research domain. Split it into concrete workstreams for directors, or plan direct steps when the domain is narrow.",
	RoleDirector: "You run a research workstream. Plan concrete tool and analysis steps; delegate only clearly separable sub-investigations.",
	RoleManager:  "You coordinate a focused investigation. Plan an executable step list; delegate at most small lookups.",
	RoleStaff:    "You execute a focused research task. Plan only direct steps; you cannot delegate.",
}

const planSystemTemplate = `%s

Available tools can be referenced by name in tool steps. Respond with exactly one JSON object, no prose:
{"steps":[{"id":"s1","tool_name":"...","args":{...},"depends_on":[]}, {"id":"s2","prompt":"...","depends_on":["s1"]}],
 "delegate":[{"domain":"...","query":"...","budget_hint":0}]}
Steps may be tool calls (tool_name+args), LLM steps (prompt), switches (condition), loops (loop_over+loop_body), or merges (merge_inputs). Use delegate only for separable subqueries. Either list may be empty. If the query is too ambiguous to plan, set "clarify" to a single question instead.`

// plan asks the provider for a blueprint and delegations. The cell refuses
// delegations it cannot honor (staff role, max depth) by folding them back
// into its own steps.
func (c *KernelCell) plan(ctx context.Context, query string) (cellPlan, Usage, error) {
	var plan cellPlan
	prompt := c.planPrompt(query)
	resp, err := c.cfg.Provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(fmt.Sprintf(planSystemTemplate, rolePrompts[c.role])),
			UserMessage(prompt),
		},
	})
	if err != nil {
		return plan, resp.Usage, err
	}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &plan); err != nil {
		return plan, resp.Usage, fmt.Errorf("parse plan: %w", err)
	}

	if _, ok := c.role.Below(); !ok || c.depth+1 >= c.cfg.MaxDepth {
		// Cannot delegate: turn each delegation into a local agentic step
		// so the work still happens.
		for i, d := range plan.Delegate {
			plan.Steps = append(plan.Steps, map[string]any{
				"id":              fmt.Sprintf("inline_%d", i),
				"prompt":          "Answer this sub-question from available artifacts and general knowledge: " + d.Query,
				"output_artifact": "inline_" + d.Domain,
			})
		}
		plan.Delegate = nil
	}
	return plan, resp.Usage, nil
}

func (c *KernelCell) planPrompt(query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\nRole: %s  Depth: %d  Token budget: %d  Time left: %s\n",
		query, c.role, c.depth, c.budget.Remaining(), time.Until(c.budget.Deadline()).Round(time.Second))
	tools, err := c.searchTools(query)
	if err != nil {
		tools = nil
	}
	var localDefs []ToolDefinition
	if c.cfg.Local != nil {
		localDefs = c.cfg.Local.AllDefinitions()
	}
	if len(tools) > 0 || len(localDefs) > 0 {
		b.WriteString("\nRelevant tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, truncateStr(t.Description, 120))
		}
		for _, d := range localDefs {
			fmt.Fprintf(&b, "- %s: %s\n", d.Name, truncateStr(d.Description, 120))
		}
	}
	return b.String()
}

// searchTools surfaces the most relevant registry tools for the planner.
func (c *KernelCell) searchTools(query string) ([]ToolInfo, error) {
	if c.cfg.Registry == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.cfg.Registry.Search(ctx, query, 8, 0.3)
}

// fallbackSteps is the one-node blueprint used when planning fails: a
// direct LLM answer so the cell still produces an envelope.
func fallbackSteps(query string) []map[string]any {
	return []map[string]any{{
		"id":     "direct_answer",
		"prompt": "Answer the following research query directly and factually: " + query,
	}}
}

// --- delegation and governance ---

// ChildHandle tracks one spawned child cell. Completion is signalled by
// closing done; the envelope and error are written before the close, so
// any reader past the close observes them.
type ChildHandle struct {
	cell     *KernelCell
	query    string
	envelope StdioEnvelope
	err      error
	done     chan struct{}
	cancel   context.CancelFunc
	finished atomic.Bool
}

// ID returns the child cell's id.
func (h *ChildHandle) ID() string { return h.cell.id }

// Done is closed when the child's Process returns.
func (h *ChildHandle) Done() <-chan struct{} { return h.done }

// Result returns the envelope and error; meaningful only after Done.
func (h *ChildHandle) Result() (StdioEnvelope, error) {
	select {
	case <-h.done:
		return h.envelope, h.err
	default:
		return StdioEnvelope{}, nil
	}
}

// SpawnChild creates and starts a child cell of strictly lower role with
// budget min(hint, parent remaining * share). The child runs on its own
// goroutine; the returned handle tracks it.
func (c *KernelCell) SpawnChild(ctx context.Context, domain, subquery string, budgetHint int64) (*ChildHandle, error) {
	childRole, ok := c.role.Below()
	if !ok {
		return nil, Tag(KindPermanent, &ValidationError{Subject: c.id, Detail: "staff cells cannot spawn children"})
	}
	if c.depth+1 >= c.cfg.MaxDepth {
		return nil, Tag(KindPermanent, &ValidationError{Subject: c.id, Detail: "max hierarchy depth reached"})
	}

	tokens := childAllotment(c.budget, c.cfg.Policy.ChildShare[childRole], budgetHint)
	if tokens <= 0 {
		return nil, &BudgetExhaustedError{CellID: c.id, Used: c.budget.Used(), Total: c.budget.Total(), Reason: "no budget for child"}
	}
	deadline := c.budget.Deadline()
	if d := c.cfg.Policy.TimePerRole[childRole]; d > 0 {
		if cd := time.Now().Add(d); deadline.IsZero() || cd.Before(deadline) {
			deadline = cd
		}
	}

	child := newCell(childRole, domain, c.id, c.depth+1, NewBudget(tokens, deadline), c.cfg)
	child.stream = c.stream

	childCtx, cancel := context.WithCancel(ctx)
	h := &ChildHandle{cell: child, query: subquery, done: make(chan struct{}), cancel: cancel}

	c.mu.Lock()
	c.children = append(c.children, h)
	c.mu.Unlock()

	c.logger.Info("child spawned", "child_id", child.id, "role", childRole.String(), "domain", domain, "tokens", tokens)
	c.Send(child.id, MsgDelegate, "", subquery)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				c.logger.Error("child cell panic", "child_id", child.id, "panic", fmt.Sprintf("%v", p))
				h.err = fmt.Errorf("cell panic: %v", p)
				h.finished.Store(true)
				close(h.done)
			}
		}()
		env, err := child.Process(childCtx, subquery)
		h.envelope = env
		h.err = err
		h.finished.Store(true)
		close(h.done)
	}()
	return h, nil
}

// delegate spawns one child per delegation; spawn failures become stderr
// warnings, not fatal errors.
func (c *KernelCell) delegate(ctx context.Context, delegations []Delegation, stderr *EnvelopeStderr) {
	for _, d := range delegations {
		if _, err := c.SpawnChild(ctx, d.Domain, d.Query, d.BudgetHint); err != nil {
			c.logger.Warn("delegation refused", "domain", d.Domain, "error", err)
			stderr.warnf("delegation", "warning", fmt.Sprintf("%s: %v", d.Domain, err))
		}
	}
}

// supervise waits for all children while running the governance loop:
// finished children publish artifacts to the parent store and their
// budget surplus is redistributed; a stall sweep cancels children whose
// burn rate projects past their allotment; a parent budget below the
// floor degrades the subtree's parallelism.
func (c *KernelCell) supervise(ctx context.Context, stderr *EnvelopeStderr) {
	children := c.snapshotChildren()
	if len(children) == 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.GovernanceTick)
	defer ticker.Stop()

	collected := make(map[string]bool, len(children))
	remaining := len(children)
	for remaining > 0 {
		if ctx.Err() != nil {
			c.cancelChildren("parent")
			// Children observe the cancelled context; collect what they return.
		}
		// Reap any child that finished since the last pass.
		progressed := false
		for _, h := range children {
			if collected[h.cell.id] || !h.finished.Load() {
				continue
			}
			<-h.done
			collected[h.cell.id] = true
			remaining--
			progressed = true
			c.collectChild(h, stderr)
			c.reallocate(h, children, collected)
		}
		if remaining == 0 {
			break
		}
		if progressed {
			continue
		}

		select {
		case <-ticker.C:
			c.stallSweep(children, collected)
			c.floorCheck()
		case <-firstDone(children, collected):
		case <-ctx.Done():
			c.cancelChildren("parent")
		}
	}
}

// firstDone returns a channel that fires when any uncollected child ends.
func firstDone(children []*ChildHandle, collected map[string]bool) <-chan struct{} {
	out := make(chan struct{})
	var once sync.Once
	live := 0
	for _, h := range children {
		if collected[h.cell.id] {
			continue
		}
		live++
		go func(h *ChildHandle) {
			<-h.done
			once.Do(func() { close(out) })
		}(h)
	}
	if live == 0 {
		close(out)
	}
	return out
}

// collectChild folds a finished child's product into the parent: artifacts
// under the child's cell id, findings into the store, trouble into stderr.
func (c *KernelCell) collectChild(h *ChildHandle, stderr *EnvelopeStderr) {
	env, err := h.Result()
	if err != nil {
		// A child's fatal error never crashes the parent.
		c.logger.Warn("child failed", "child_id", h.cell.id, "error", err)
		stderr.fail(h.cell.id, err, "synthesized without this child")
		return
	}
	c.store.Put(h.cell.id, "report", env.Stdout.Content)
	for _, a := range env.Stdout.WorkPackage.Artifacts {
		c.store.Put(h.cell.id, a.Name, a.Value)
	}
	if len(env.Stdout.KeyFindings) > 0 {
		c.store.Put(h.cell.id, "key_findings", env.Stdout.KeyFindings)
	}
	stderr.Failures = append(stderr.Failures, env.Stderr.Failures...)
	c.logger.Info("child collected", "child_id", h.cell.id,
		"tokens_used", env.Metadata.TokensUsed, "confidence", env.Metadata.Confidence)
}

// reallocate redistributes a finisher's unspent tokens across the still
// running siblings, proportional to how much of their own allotment they
// have left to spend. Each grant is capped at 2x the sibling's original
// budget; grants are announced with a PROGRESS message carrying the new
// allotment.
func (c *KernelCell) reallocate(finished *ChildHandle, children []*ChildHandle, collected map[string]bool) {
	surplus := finished.cell.budget.Remaining()
	if surplus <= 0 {
		return
	}

	var running []*ChildHandle
	var totalRemaining int64
	for _, h := range children {
		if collected[h.cell.id] || h.finished.Load() {
			continue
		}
		running = append(running, h)
		totalRemaining += h.cell.budget.Remaining()
	}
	if len(running) == 0 || totalRemaining <= 0 {
		return
	}

	for _, h := range running {
		share := float64(h.cell.budget.Remaining()) / float64(totalRemaining)
		delta := int64(float64(surplus) * share)
		granted := h.cell.budget.Grant(delta, c.cfg.Policy.ReallocCap)
		if granted <= 0 {
			continue
		}
		c.logger.Info("budget reallocated", "from", finished.cell.id, "to", h.cell.id, "granted", granted)
		c.cfg.Bus.Send(Message{
			Kind:   MsgProgress,
			From:   c.id,
			To:     h.cell.id,
			Reason: "realloc",
			Tokens: h.cell.budget.Total(),
		})
		c.msgSent.Add(1)
	}
}

// stallSweep cancels children whose projected burn exceeds their revised
// allotment before their deadline.
func (c *KernelCell) stallSweep(children []*ChildHandle, collected map[string]bool) {
	for _, h := range children {
		if collected[h.cell.id] || h.finished.Load() {
			continue
		}
		if h.cell.budget.ProjectedOverrun() {
			c.logger.Warn("cancelling stalled child", "child_id", h.cell.id,
				"used", h.cell.budget.Used(), "total", h.cell.budget.Total())
			c.Send(h.cell.id, MsgCancel, "stall", nil)
			h.cancel()
		}
	}
}

// floorCheck degrades the subtree when the parent's remaining budget falls
// below the policy floor.
func (c *KernelCell) floorCheck() {
	if c.budget.Remaining() >= c.cfg.Policy.FloorTokens {
		return
	}
	if c.degrade.floor.Swap(true) {
		return
	}
	c.logger.Warn("budget floor reached, degrading subtree", "remaining", c.budget.Remaining())
	c.cfg.Bus.Broadcast(Message{Kind: MsgAlert, From: c.id, Reason: "degrade"})
	c.emit(StreamEvent{Type: EventDegrade, Name: c.id, Content: "budget_floor"})
}

// cancelChildren forwards CANCEL to every unfinished child.
func (c *KernelCell) cancelChildren(reason string) {
	for _, h := range c.snapshotChildren() {
		if h.finished.Load() {
			continue
		}
		c.Send(h.cell.id, MsgCancel, reason, nil)
		h.cancel()
	}
}

func (c *KernelCell) snapshotChildren() []*ChildHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ChildHandle, len(c.children))
	copy(out, c.children)
	return out
}

// --- synthesis ---

const synthesisSystem = `You are a research synthesizer. Combine the collected artifacts into a direct, well-grounded answer to the query. Then list the key findings. Respond with exactly one JSON object:
{"content":"...","key_findings":["..."]}`

// synthesize turns the artifact store into the envelope's content and key
// findings. An empty store short-circuits to a direct answer prompt.
// Ingested pool passages relevant to the query ride along as background.
func (c *KernelCell) synthesize(ctx context.Context, query string) (string, []string, Usage, error) {
	flat := c.store.Flatten()
	background := c.retrieveBackground(ctx, query)
	if len(flat) == 0 {
		prompt := "Answer directly and factually: " + query
		if background != "" {
			prompt += "\n\n" + background
		}
		resp, err := c.cfg.Provider.Chat(ctx, ChatRequest{
			Messages: []ChatMessage{UserMessage(prompt)},
		})
		return resp.Content, nil, resp.Usage, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCollected artifacts:\n", query)
	const maxArtifactRunes = 2000
	for _, a := range flat {
		fmt.Fprintf(&b, "--- %s.%s ---\n%s\n", a.StepID, a.Name, truncateStr(stringifyArtifact(a.Value), maxArtifactRunes))
	}
	if background != "" {
		b.WriteString("\n" + background)
	}

	resp, err := c.cfg.Provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(synthesisSystem),
			UserMessage(b.String()),
		},
	})
	if err != nil {
		return "", nil, resp.Usage, err
	}

	var parsed struct {
		Content     string   `json:"content"`
		KeyFindings []string `json:"key_findings"`
	}
	if jerr := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &parsed); jerr != nil || parsed.Content == "" {
		// Unstructured response: use it verbatim.
		return resp.Content, nil, resp.Usage, nil
	}
	return parsed.Content, parsed.KeyFindings, resp.Usage, nil
}

// retrieveBackground pulls the top ingested passages for the query. A
// missing retriever or a retrieval error yields no background; synthesis
// proceeds on artifacts alone.
func (c *KernelCell) retrieveBackground(ctx context.Context, query string) string {
	if c.cfg.Retriever == nil {
		return ""
	}
	const topK = 5
	results, err := c.cfg.Retriever.Retrieve(ctx, query, topK)
	if err != nil {
		c.logger.Debug("background retrieval failed", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Background from previously collected sources:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncateStr(r.Content, 600))
	}
	return b.String()
}

// partialContent renders whatever the store holds when synthesis cannot
// run, so cancelled and failed cells still return their evidence.
func (c *KernelCell) partialContent() string {
	flat := c.store.Flatten()
	if len(flat) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Partial findings:\n")
	const window = 10
	if len(flat) > window {
		flat = flat[:window]
	}
	for _, a := range flat {
		fmt.Fprintf(&b, "- %s.%s: %s\n", a.StepID, a.Name, truncateStr(stringifyArtifact(a.Value), 300))
	}
	return b.String()
}
