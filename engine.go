package arbor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine is the top-level orchestrator: it classifies incoming queries,
// answers bypass-eligible ones with a single model call, and runs the
// kernel cell hierarchy for real research. It owns the process-wide
// singletons (registry, governor, dispatcher) and their lifecycles.
type Engine struct {
	provider   Provider
	embedding  EmbeddingProvider
	store      Store
	registry   SessionRegistry
	governor   *Governor
	dispatcher *Dispatcher
	bus        *CellBus
	runner     CodeRunner
	audit      *AuditSink
	tracer     Tracer
	logger     *slog.Logger
	guards     []QueryChecker
	input      InputHandler
	sink       ArtifactSink
	local      *ToolRegistry
	retriever  Retriever
	poolProc   PoolProcessor

	policy     BudgetPolicy
	dagCfg     DAGConfig
	planCfg    MicroplannerConfig
	wireCfg    AutoWireConfig
	governCfg  GovernorConfig
	dispatchCfg DispatcherConfig
	maxDepth   int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithProvider(p Provider) EngineOption          { return func(e *Engine) { e.provider = p } }
func WithEmbedding(p EmbeddingProvider) EngineOption { return func(e *Engine) { e.embedding = p } }
func WithStore(s Store) EngineOption                { return func(e *Engine) { e.store = s } }
func WithRegistry(r SessionRegistry) EngineOption   { return func(e *Engine) { e.registry = r } }
func WithCodeRunner(r CodeRunner) EngineOption      { return func(e *Engine) { e.runner = r } }
func WithAudit(a *AuditSink) EngineOption           { return func(e *Engine) { e.audit = a } }
func WithTracer(t Tracer) EngineOption              { return func(e *Engine) { e.tracer = t } }
func WithLogger(l *slog.Logger) EngineOption        { return func(e *Engine) { e.logger = l } }

// WithGuards installs query screening guards. Guards run before
// classification; a violation answers with a refusal envelope.
func WithGuards(gs ...QueryChecker) EngineOption {
	return func(e *Engine) { e.guards = append(e.guards, gs...) }
}

// WithBudgetPolicy overrides the per-role budget defaults.
func WithBudgetPolicy(p BudgetPolicy) EngineOption { return func(e *Engine) { e.policy = p } }

// WithInputHandler installs a clarification handler consulted by the root
// cell when planning needs a question answered.
func WithInputHandler(h InputHandler) EngineOption { return func(e *Engine) { e.input = h } }

// WithArtifactSink stores full task outputs in s; queue rows keep only
// truncated summaries.
func WithArtifactSink(s ArtifactSink) EngineOption { return func(e *Engine) { e.sink = s } }

// WithLocalTools registers in-process tools (web search, pool search)
// resolvable by tool and agentic nodes alongside external tool servers.
func WithLocalTools(reg *ToolRegistry) EngineOption { return func(e *Engine) { e.local = reg } }

// WithRetriever overrides the synthesis retriever. By default the engine
// builds a hybrid retriever when both store and embedding are present.
func WithRetriever(r Retriever) EngineOption { return func(e *Engine) { e.retriever = r } }

// WithPoolProcessor installs the background ingestor for raw data-pool
// items. Effective only with a store, registry, and artifact sink.
func WithPoolProcessor(p PoolProcessor) EngineOption { return func(e *Engine) { e.poolProc = p } }

// WithDAGConfig overrides the executor bounds.
func WithDAGConfig(c DAGConfig) EngineOption { return func(e *Engine) { e.dagCfg = c } }

// WithMicroplannerConfig overrides the reactive planner bounds.
func WithMicroplannerConfig(c MicroplannerConfig) EngineOption { return func(e *Engine) { e.planCfg = c } }

// WithAutoWireConfig overrides the wiring thresholds.
func WithAutoWireConfig(c AutoWireConfig) EngineOption { return func(e *Engine) { e.wireCfg = c } }

// WithGovernorConfig overrides the health thresholds.
func WithGovernorConfig(c GovernorConfig) EngineOption { return func(e *Engine) { e.governCfg = c } }

// WithDispatcherConfig overrides the worker bounds.
func WithDispatcherConfig(c DispatcherConfig) EngineOption { return func(e *Engine) { e.dispatchCfg = c } }

// WithMaxDepth caps hierarchy recursion (default 4).
func WithMaxDepth(n int) EngineOption { return func(e *Engine) { e.maxDepth = n } }

// NewEngine creates an engine. Provider is required; registry, store, and
// the rest are optional and degrade feature-by-feature when absent.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policy:      DefaultBudgetPolicy(),
		dagCfg:      DefaultDAGConfig(),
		planCfg:     DefaultMicroplannerConfig(),
		wireCfg:     DefaultAutoWireConfig(),
		governCfg:   DefaultGovernorConfig(),
		dispatchCfg: DefaultDispatcherConfig(),
		maxDepth:    4,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.provider == nil {
		return nil, fmt.Errorf("engine requires a Provider")
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	e.bus = NewCellBus(BusLogger(e.logger))

	var queue QueueStore
	if e.store != nil {
		queue = e.store
	}
	if e.retriever == nil && e.store != nil && e.embedding != nil {
		e.retriever = NewHybridRetriever(e.store, e.embedding, WithMinRetrievalScore(0.05))
	}
	e.governor = NewGovernor(e.governCfg, queue, GovernorLogger(e.logger))
	if queue != nil && e.registry != nil {
		dopts := []DispatcherOption{DispatcherLogger(e.logger), DispatcherTracer(e.tracer)}
		if e.sink != nil {
			dopts = append(dopts, DispatcherArtifacts(e.sink))
			dopts = append(dopts, DispatcherPools(e.store, e.poolProc))
		}
		e.dispatcher = NewDispatcher(queue, e.registry, e.governor, e.dispatchCfg, dopts...)
	}
	return e, nil
}

// Governor exposes the resource governor (health endpoints, tests).
func (e *Engine) Governor() *Governor { return e.governor }

// Dispatcher exposes the batch dispatcher, nil without store and registry.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Run initializes persistence and starts the background loops (governor
// sampling, task dispatching). Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.store != nil {
		if err := e.store.Init(ctx); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.governor.Start(ctx)
	}()
	if e.dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.dispatcher.Start(ctx)
		}()
	}

	e.logger.Info("engine running")
	<-ctx.Done()
	wg.Wait()
	if e.audit != nil {
		e.audit.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
	return ctx.Err()
}

// Process answers one query: bypass-eligible queries get a single model
// call, research queries run the kernel hierarchy and persist a job row.
func (e *Engine) Process(ctx context.Context, q Query) (StdioEnvelope, error) {
	return e.process(ctx, q, nil)
}

// ProcessStream is Process with progress events. ch receives cell, node,
// and tool events for the whole run and is closed before return.
func (e *Engine) ProcessStream(ctx context.Context, q Query, ch chan<- StreamEvent) (StdioEnvelope, error) {
	defer close(ch)
	return e.process(ctx, q, ch)
}

func (e *Engine) process(ctx context.Context, q Query, stream chan<- StreamEvent) (StdioEnvelope, error) {
	if q.ID == "" {
		q.ID = NewID()
	}
	start := time.Now()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.process", StringAttr("query.id", q.ID))
		defer span.End()
	}

	for _, g := range e.guards {
		if err := g.Check(ctx, q.Text); err != nil {
			var v *GuardViolation
			if errors.As(err, &v) {
				e.auditLog("query", "guard_block", q.UserID, q.ID, map[string]any{
					"rule":  v.Rule,
					"layer": v.Layer,
				})
				e.logger.Warn("query blocked by guard", "query_id", q.ID, "rule", v.Rule)
				return guardEnvelope(q, v, start), nil
			}
			return StdioEnvelope{}, err
		}
	}

	cls := ClassifyQuery(q)
	e.auditLog("query", "classify", q.UserID, q.ID, map[string]any{
		"query_type": string(cls.Type),
		"bypass":     cls.BypassKernel,
		"confidence": cls.Confidence,
	})
	e.logger.Info("query classified", "query_id", q.ID, "type", cls.Type, "bypass", cls.BypassKernel)
	if span != nil {
		span.SetAttr(StringAttr("query.type", string(cls.Type)), BoolAttr("query.bypass", cls.BypassKernel))
	}

	if cls.Type == QueryUnsafe {
		return refusalEnvelope(q, start), nil
	}
	if cls.BypassKernel {
		return e.bypass(ctx, q, cls, stream, start)
	}
	return e.research(ctx, q, cls, stream)
}

// bypass answers without the kernel: one model call shaped by the query
// type. Streaming queries get token deltas on the event channel.
func (e *Engine) bypass(ctx context.Context, q Query, cls Classification, stream chan<- StreamEvent, start time.Time) (StdioEnvelope, error) {
	var system string
	switch cls.Type {
	case QueryCasual:
		system = "You are a friendly research assistant. Reply briefly and warmly."
	case QuerySystem:
		system = "You are an autonomous research engine. Describe your capabilities: multi-step research, tool use, and source-grounded answers."
	case QueryUtility:
		system = "Perform the requested text task directly. Output only the result."
	default: // knowledge
		system = "Answer the question directly and factually. Say so when unsure."
	}
	req := ChatRequest{Messages: []ChatMessage{SystemMessage(system), UserMessage(q.Text)}}

	var resp ChatResponse
	var err error
	if stream != nil {
		mid := make(chan StreamEvent, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range mid {
				select {
				case stream <- ev:
				default:
				}
			}
		}()
		resp, err = e.provider.ChatStream(ctx, req, mid)
		<-done
	} else {
		resp, err = e.provider.Chat(ctx, req)
	}
	if err != nil {
		return StdioEnvelope{}, err
	}

	return StdioEnvelope{
		Stdout: EnvelopeStdout{Content: resp.Content, WorkPackage: WorkPackage{Summary: truncateStr(resp.Content, 500)}},
		Metadata: EnvelopeMetadata{
			CellID:     q.ID,
			Role:       "bypass",
			Confidence: cls.Confidence,
			DurationMS: time.Since(start).Milliseconds(),
			TokensUsed: int64(resp.Usage.Total()),
		},
	}, nil
}

// research runs the kernel hierarchy and persists the job lifecycle.
func (e *Engine) research(ctx context.Context, q Query, cls Classification, stream chan<- StreamEvent) (StdioEnvelope, error) {
	if e.store != nil {
		job := ResearchJob{
			JobID:      q.ID,
			Query:      q.Text,
			Depth:      q.Depth,
			MaxSources: q.MaxSources,
			Status:     JobPending,
			UserID:     q.UserID,
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		}
		if err := e.store.CreateJob(ctx, job); err != nil {
			// Persistence trouble does not block the research itself.
			e.logger.Warn("job row not created", "job_id", q.ID, "error", err)
		} else {
			_ = e.store.UpdateJobProgress(ctx, q.ID, JobRunning, 0.05)
		}
	}

	role := roleForDepth(q.Depth)
	cell := NewKernelCell(role, "", 0, CellConfig{
		Provider: e.provider,
		Registry: e.registry,
		Local:    e.local,
		Wirer:    NewAutoWirer(e.wireCfg),
		Planner:  NewMicroplanner(e.provider, e.planCfg, e.logger),
		Runner:   e.runner,
		Bus:      e.bus,
		Policy:   e.policy,
		DAG:      e.dagCfg,
		Govern:    e.governor,
		Input:     e.input,
		Retriever: e.retriever,
		Tracer:    e.tracer,
		Logger:    e.logger,
		MaxDepth:  e.maxDepth,
	})
	if stream != nil {
		cell.SetStream(stream)
	}
	for i, url := range cls.ExtractedURLs {
		cell.SeedArtifact("query", fmt.Sprintf("url_%d", i), url)
	}

	e.auditLog("research", "start", q.UserID, q.ID, map[string]any{"role": role.String()})
	env, err := cell.Process(ctx, q.Text)

	if e.store != nil {
		switch {
		case err != nil:
			_ = e.store.FailJob(ctx, q.ID, err.Error())
		default:
			if result, merr := json.Marshal(env); merr == nil {
				_ = e.store.CompleteJob(ctx, q.ID, result)
			}
		}
	}
	e.auditLog("research", "finish", q.UserID, q.ID, map[string]any{
		"tokens_used": env.Metadata.TokensUsed,
		"confidence":  env.Metadata.Confidence,
		"failed":      err != nil,
	})
	return env, err
}

func (e *Engine) auditLog(eventType, action, actor, resource string, details map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Log(eventType, action, actor, resource, details, "")
}

// roleForDepth maps the requested research depth to the root cell's role.
// Default research runs at manager; deeper requests climb the hierarchy.
func roleForDepth(depth int) Role {
	switch {
	case depth >= 4:
		return RoleCEO
	case depth == 3:
		return RoleVP
	case depth == 2:
		return RoleDirector
	default:
		return RoleManager
	}
}

// guardEnvelope is the refusal response for guard-blocked queries.
func guardEnvelope(q Query, v *GuardViolation, start time.Time) StdioEnvelope {
	return StdioEnvelope{
		Stdout: EnvelopeStdout{Content: RefusalResponse},
		Stderr: EnvelopeStderr{Warnings: []Warning{{Type: "guard", Message: v.Error(), Severity: "error"}}},
		Metadata: EnvelopeMetadata{
			CellID:     q.ID,
			Role:       "bypass",
			Confidence: 1.0,
			DurationMS: time.Since(start).Milliseconds(),
		},
	}
}

// refusalEnvelope is the fixed response for unsafe-classified queries.
func refusalEnvelope(q Query, start time.Time) StdioEnvelope {
	return StdioEnvelope{
		Stdout: EnvelopeStdout{Content: RefusalResponse},
		Stderr: EnvelopeStderr{Warnings: []Warning{{Type: "unsafe", Message: "query refused by classifier", Severity: "error"}}},
		Metadata: EnvelopeMetadata{
			CellID:     q.ID,
			Role:       "bypass",
			Confidence: 1.0,
			DurationMS: time.Since(start).Milliseconds(),
		},
	}
}
