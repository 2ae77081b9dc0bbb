// Command arbor runs the research kernel. With a query argument it answers
// once and prints the stdio envelope as JSON; with -serve it starts the
// background loops (governor sampling, batch dispatching) and blocks.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	arbor "github.com/ossian/arbor"
	"github.com/ossian/arbor/code"
	"github.com/ossian/arbor/ingest"
	"github.com/ossian/arbor/internal/config"
	"github.com/ossian/arbor/mcp"
	"github.com/ossian/arbor/observer"
	"github.com/ossian/arbor/provider/openaicompat"
	"github.com/ossian/arbor/store/postgres"
	"github.com/ossian/arbor/store/sqlite"
	"github.com/ossian/arbor/tools/knowledge"
	searchtool "github.com/ossian/arbor/tools/search"
)

func main() {
	serve := flag.Bool("serve", false, "run as a long-lived service")
	stream := flag.Bool("stream", false, "print progress events while answering")
	configPath := flag.String("config", os.Getenv("ARBOR_CONFIG"), "path to arbor.toml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(*configPath)
	if cfg.LLM.APIKey == "" {
		log.Fatal("no LLM API key: set ARBOR_LLM_API_KEY or [llm] api_key")
	}

	// 2. Create providers, with retries on transient failures
	var provider arbor.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	provider = arbor.WithRetry(provider)
	var embedding arbor.EmbeddingProvider = openaicompat.NewEmbedding(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL,
		openaicompat.WithDimensions(cfg.Embedding.Dimensions),
	)
	embedding = arbor.WithEmbeddingRetry(embedding)

	// 3. Telemetry (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
	}

	// 4. Create store
	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	// 5. Tool-server registry
	var registry arbor.SessionRegistry = mcp.NewRegistry(mcp.RegistryConfig{
		ManifestDirs: cfg.Tools.ManifestDirs,
		IdleTTL:      time.Duration(cfg.Tools.IdleTTLSeconds) * time.Second,
		SpawnTimeout: time.Duration(cfg.Tools.SpawnTimeoutSeconds) * time.Second,
	}, embedding.Embed, mcp.RegistryStore(store))
	if inst != nil {
		registry = observer.WrapRegistry(registry, inst)
	}

	// 6. Code runner
	runner, err := newRunner(cfg)
	if err != nil {
		log.Fatalf("code runner: %v", err)
	}

	// 7. In-process tools: pool search over ingested sources, plus Brave
	// web search when a key is configured.
	local := arbor.NewToolRegistry()
	local.Add(knowledge.New(store, embedding))
	if cfg.Search.BraveAPIKey != "" {
		local.Add(searchtool.New(embedding, cfg.Search.BraveAPIKey))
	}

	// 8. Assemble the engine
	opts := []arbor.EngineOption{
		arbor.WithProvider(provider),
		arbor.WithEmbedding(embedding),
		arbor.WithStore(store),
		arbor.WithRegistry(registry),
		arbor.WithCodeRunner(runner),
		arbor.WithLocalTools(local),
		arbor.WithGuards(arbor.NewInjectionGuard(), arbor.NewContentGuard()),
		arbor.WithMaxDepth(cfg.Engine.MaxDepth),
		arbor.WithBudgetPolicy(budgetPolicy(cfg.Budget)),
		arbor.WithDAGConfig(dagConfig(cfg.Executor)),
		arbor.WithMicroplannerConfig(arbor.MicroplannerConfig{
			MaxReplans:      cfg.Planner.MaxReplans,
			MinUsefulOutput: cfg.Planner.MinUsefulOutput,
			SummaryWindow:   cfg.Planner.SummaryWindow,
			FallbackTool:    cfg.Planner.FallbackTool,
		}),
		arbor.WithGovernorConfig(arbor.GovernorConfig{
			MaxAgents:      cfg.Governor.MaxAgents,
			CPUCritical:    cfg.Governor.CPUCritical,
			MemCritical:    cfg.Governor.MemCritical,
			Tick:           time.Duration(cfg.Governor.TickMillis) * time.Millisecond,
			RecoveryWindow: time.Duration(cfg.Governor.RecoveryWindowSeconds) * time.Second,
		}),
		arbor.WithDispatcherConfig(arbor.DispatcherConfig{
			Workers:      cfg.Dispatcher.Workers,
			LeaseTTL:     time.Duration(cfg.Dispatcher.LeaseTTLSeconds) * time.Second,
			Tick:         time.Duration(cfg.Dispatcher.TickMillis) * time.Millisecond,
			TaskTimeout:  time.Duration(cfg.Dispatcher.TaskTimeoutSeconds) * time.Second,
			SummaryLimit: cfg.Dispatcher.SummaryLimit,
		}),
	}
	if !*serve {
		// One-shot runs have a terminal to ask on.
		opts = append(opts, arbor.WithInputHandler(stdinClarify))
	}
	if cfg.Dispatcher.ArtifactDir != "" {
		opts = append(opts,
			arbor.WithArtifactSink(arbor.NewFileArtifactSink(cfg.Dispatcher.ArtifactDir)),
			arbor.WithPoolProcessor(newPoolIngestor(store, embedding, provider)))
	}
	if cfg.Audit.URL != "" {
		opts = append(opts, arbor.WithAudit(arbor.NewAuditSink(cfg.Audit.URL, arbor.AuditBuffer(cfg.Audit.Buffer))))
	}
	if inst != nil {
		opts = append(opts, arbor.WithTracer(observer.NewTracer()))
	}
	eng, err := arbor.NewEngine(opts...)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	// 9. Run
	if *serve {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatal(err)
		}
		return
	}
	if err := answerOnce(ctx, eng, store, strings.Join(flag.Args(), " "), *stream); err != nil {
		log.Fatal(err)
	}
}

// answerOnce runs a single query through the kernel and prints the
// envelope to stdout. Progress events go to stderr when stream is set.
func answerOnce(ctx context.Context, eng *arbor.Engine, store arbor.Store, text string, stream bool) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("usage: arbor [flags] <query>")
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer store.Close()

	var (
		env arbor.StdioEnvelope
		err error
	)
	if stream {
		events := make(chan arbor.StreamEvent, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				fmt.Fprintf(os.Stderr, "[%s] %s %s\n", ev.Type, ev.Name, ev.Content)
			}
		}()
		env, err = eng.ProcessStream(ctx, arbor.Query{Text: text}, events)
		<-done
	} else {
		env, err = eng.Process(ctx, arbor.Query{Text: text})
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// stdinClarify prints a planner clarification on stderr and reads one
// line from stdin.
func stdinClarify(ctx context.Context, question string) (string, error) {
	fmt.Fprintf(os.Stderr, "clarification needed: %s\n> ", question)
	line := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		s, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			errc <- err
			return
		}
		line <- strings.TrimSpace(s)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errc:
		return "", err
	case s := <-line:
		return s, nil
	}
}

// poolIngestor turns raw pool items into retrievable chunks: semantic
// chunking for the mostly-prose tool outputs, contextual enrichment so
// each chunk embeds with its document situation.
type poolIngestor struct {
	ing *ingest.Ingestor
}

func newPoolIngestor(store arbor.Store, emb arbor.EmbeddingProvider, provider arbor.Provider) arbor.PoolProcessor {
	return &poolIngestor{ing: ingest.NewIngestor(store, emb,
		ingest.WithChunker(ingest.NewSemanticChunker(emb.Embed)),
		ingest.WithExtractor(ingest.TypeJSON, ingest.NewJSONExtractor()),
		ingest.WithContextualEnrichment(provider),
	)}
}

func (p *poolIngestor) ProcessPoolItem(ctx context.Context, item arbor.PoolItem, data []byte) error {
	var meta struct {
		Tool string `json:"tool"`
	}
	_ = json.Unmarshal(item.Metadata, &meta)
	_, err := p.ing.IngestText(ctx, string(data), "pool:"+item.PoolID+"/"+item.ItemID, meta.Tool)
	return err
}

func newStore(ctx context.Context, cfg config.Config) (arbor.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions)), nil
	case "sqlite", "":
		return sqlite.New(cfg.Database.Path), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func newRunner(cfg config.Config) (arbor.CodeRunner, error) {
	timeout := code.WithTimeout(time.Duration(cfg.Code.TimeoutSeconds) * time.Second)
	switch cfg.Code.Runner {
	case "docker":
		return code.NewDockerRunner(timeout, code.WithImage(cfg.Code.DockerImage))
	case "subprocess", "":
		return code.NewSubprocessRunner("python3", timeout), nil
	default:
		return nil, fmt.Errorf("unknown code runner %q", cfg.Code.Runner)
	}
}

func budgetPolicy(b config.BudgetConfig) arbor.BudgetPolicy {
	p := arbor.DefaultBudgetPolicy()
	roles := map[arbor.Role]config.RoleBudget{
		arbor.RoleCEO:      b.CEO,
		arbor.RoleVP:       b.VP,
		arbor.RoleDirector: b.Director,
		arbor.RoleManager:  b.Manager,
		arbor.RoleStaff:    b.Staff,
	}
	for role, rb := range roles {
		if rb.Tokens > 0 {
			p.TokensPerRole[role] = rb.Tokens
		}
		if rb.TimeSeconds > 0 {
			p.TimePerRole[role] = time.Duration(rb.TimeSeconds) * time.Second
		}
	}
	if b.ReallocCap > 0 {
		p.ReallocCap = b.ReallocCap
	}
	if b.FloorTokens > 0 {
		p.FloorTokens = b.FloorTokens
	}
	return p
}

func dagConfig(e config.ExecutorConfig) arbor.DAGConfig {
	c := arbor.DefaultDAGConfig()
	if e.MaxParallel > 0 {
		c.MaxParallel = e.MaxParallel
	}
	if e.MinParallel > 0 {
		c.MinParallel = e.MinParallel
	}
	if e.ToolTimeoutSeconds > 0 {
		c.ToolTimeout = time.Duration(e.ToolTimeoutSeconds) * time.Second
	}
	if e.CodeTimeoutSeconds > 0 {
		c.CodeTimeout = time.Duration(e.CodeTimeoutSeconds) * time.Second
	}
	if e.LLMTimeoutSeconds > 0 {
		c.LLMTimeout = time.Duration(e.LLMTimeoutSeconds) * time.Second
	}
	if e.AgenticTimeoutSeconds > 0 {
		c.AgenticTimeout = time.Duration(e.AgenticTimeoutSeconds) * time.Second
	}
	return c
}
