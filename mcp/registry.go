package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ossian/arbor"
)

// EmbedFunc embeds texts for the semantic tool index. The registry never
// talks to an embedding provider directly; the caller injects one.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// transport is the common surface of the stdio and SSE clients.
type transport interface {
	Initialize(ctx context.Context, clientName, clientVersion string) error
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error)
	Close() error
}

// session is one live tool server. mu serializes RPCs: a session handles
// one call at a time; parallelism comes from running multiple servers.
type session struct {
	manifest Manifest
	mu       sync.Mutex
	client   transport
	ready    bool
	lastUsed time.Time
}

// RegistryConfig bounds the session registry.
type RegistryConfig struct {
	// ManifestDirs are scanned for <server>/manifest.json entries.
	ManifestDirs []string
	// IdleTTL stops servers unused for this long (default 5m).
	IdleTTL time.Duration
	// SweepTick paces the idle sweeper (default 30s).
	SweepTick time.Duration
	// SpawnTimeout bounds handshake plus tool ingest (default 20s).
	SpawnTimeout time.Duration
	// ClientName and ClientVersion identify us in the handshake.
	ClientName    string
	ClientVersion string
}

// DefaultRegistryConfig returns the shipped bounds.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTTL:       5 * time.Minute,
		SweepTick:     30 * time.Second,
		SpawnTimeout:  20 * time.Second,
		ClientName:    "arbor",
		ClientVersion: "1.0.0",
	}
}

// Registry manages tool-server sessions: manifest discovery, lazy spawn,
// semantic indexing of discovered tools, per-session call serialization,
// and idle teardown. It implements the kernel's SessionRegistry and
// BatchExecutor contracts.
type Registry struct {
	cfg    RegistryConfig
	embed  EmbedFunc
	store  arbor.ToolStore
	index  *Index
	logger *slog.Logger

	mu        sync.Mutex
	manifests map[string]Manifest
	sessions  map[string]*session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryStore persists tool registrations and call statistics.
func RegistryStore(s arbor.ToolStore) RegistryOption {
	return func(r *Registry) { r.store = s }
}

// RegistryLogger sets the structured logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry. embed may be nil; Search then falls
// back to lexical matching over names and descriptions.
func NewRegistry(cfg RegistryConfig, embed EmbedFunc, opts ...RegistryOption) *Registry {
	def := DefaultRegistryConfig()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.SweepTick <= 0 {
		cfg.SweepTick = def.SweepTick
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = def.SpawnTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = def.ClientVersion
	}
	r := &Registry{
		cfg:       cfg,
		embed:     embed,
		index:     NewIndex(),
		manifests: make(map[string]Manifest),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds a manifest directly, bypassing directory discovery.
func (r *Registry) Register(m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.manifests[m.Name] = m
	r.mu.Unlock()
	return nil
}

// Discover scans the manifest dirs and loads persisted registrations so
// search works before any server has been spawned this process.
func (r *Registry) Discover(ctx context.Context) error {
	manifests, errs := DiscoverManifests(r.cfg.ManifestDirs)
	for _, err := range errs {
		r.logger.Warn("tool manifest rejected", "error", err)
	}
	r.mu.Lock()
	for _, m := range manifests {
		r.manifests[m.Name] = m
	}
	r.mu.Unlock()
	r.logger.Info("tool servers discovered", "count", len(manifests))

	if r.store == nil {
		return nil
	}
	regs, err := r.store.LoadToolRegistrations(ctx)
	if err != nil {
		return fmt.Errorf("load tool registrations: %w", err)
	}
	for _, reg := range regs {
		r.index.Upsert(arbor.ToolInfo{
			Name:        reg.ToolName,
			Server:      reg.ServerName,
			Description: reg.Description,
			Schema:      reg.Schema,
		}, reg.Embedding)
	}
	if len(regs) > 0 {
		r.logger.Info("tool index restored", "tools", len(regs))
	}
	return nil
}

// Start runs the idle sweeper. Blocks until ctx is cancelled, then closes
// every live session.
func (r *Registry) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-time.After(r.cfg.SweepTick):
			r.sweep()
		}
	}
}

// sweep stops sessions idle past the TTL. Index entries stay so the tools
// remain discoverable; the next call respawns the server.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTTL)
	r.mu.Lock()
	var idle []*session
	for name, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, name)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.mu.Lock()
		if s.client != nil {
			_ = s.client.Close()
		}
		s.mu.Unlock()
		r.logger.Info("idle tool server stopped", "server", s.manifest.Name)
	}
}

// Close tears down every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for name, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, name)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		if s.client != nil {
			_ = s.client.Close()
		}
		s.mu.Unlock()
	}
}

// Lookup resolves an exact tool name against the index.
func (r *Registry) Lookup(name string) (arbor.ToolInfo, bool) {
	return r.index.Lookup(name)
}

// Search returns the top-k tools for a natural-language need. With an
// embed function it scores by cosine similarity; without one it falls
// back to lexical overlap on names and descriptions.
func (r *Registry) Search(ctx context.Context, query string, k int, minSimilarity float64) ([]arbor.ToolInfo, error) {
	if err := r.ensureIngested(ctx); err != nil {
		return nil, err
	}
	if r.embed == nil {
		return r.lexicalSearch(query, k), nil
	}
	vecs, err := r.embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		r.logger.Warn("query embedding failed, falling back to lexical", "error", err)
		return r.lexicalSearch(query, k), nil
	}
	return r.index.Search(vecs[0], k, minSimilarity), nil
}

// ensureIngested spawns any discovered server whose tools are not yet
// indexed, so search sees the full surface.
func (r *Registry) ensureIngested(ctx context.Context) error {
	r.mu.Lock()
	var missing []string
	for name := range r.manifests {
		if _, live := r.sessions[name]; live {
			continue
		}
		if r.serverIndexed(name) {
			continue
		}
		missing = append(missing, name)
	}
	r.mu.Unlock()

	for _, name := range missing {
		if _, err := r.session(ctx, name); err != nil {
			r.logger.Warn("tool server ingest failed", "server", name, "error", err)
		}
	}
	return nil
}

func (r *Registry) serverIndexed(server string) bool {
	for _, info := range r.index.All() {
		if info.Server == server {
			return true
		}
	}
	return false
}

func (r *Registry) lexicalSearch(query string, k int) []arbor.ToolInfo {
	terms := strings.Fields(strings.ToLower(query))
	var scored []arbor.ToolInfo
	for _, info := range r.index.All() {
		haystack := strings.ToLower(info.Name + " " + info.Description)
		hits := 0
		for _, t := range terms {
			if strings.Contains(haystack, t) {
				hits++
			}
		}
		if hits == 0 || len(terms) == 0 {
			continue
		}
		info.Score = float64(hits) / float64(len(terms))
		scored = append(scored, info)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Execute runs one tool call, spawning the owning server if needed. A
// transport failure tears the session down; the next call respawns it.
func (r *Registry) Execute(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	s, err := r.session(ctx, server)
	if err != nil {
		return "", err
	}

	start := time.Now()
	s.mu.Lock()
	out, isErr, err := s.client.CallTool(ctx, tool, args)
	s.lastUsed = time.Now()
	s.mu.Unlock()

	if err != nil {
		r.teardown(server, s)
		return "", fmt.Errorf("tool %s on %s: %w", tool, server, err)
	}
	if r.store != nil {
		_ = r.store.RecordToolCall(ctx, tool, time.Since(start))
	}
	if isErr {
		return "", fmt.Errorf("tool %s reported error: %s", tool, out)
	}
	return out, nil
}

// ExecuteBatch fans calls out: calls sharing a server run in input order
// on its session, different servers run concurrently. Results keep input
// order.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []arbor.BatchCall) []arbor.BatchResult {
	results := make([]arbor.BatchResult, len(calls))
	byServer := make(map[string][]int)
	for i, call := range calls {
		byServer[call.Server] = append(byServer[call.Server], i)
	}

	var wg sync.WaitGroup
	for _, indices := range byServer {
		wg.Add(1)
		go func(indices []int) {
			defer wg.Done()
			for _, i := range indices {
				out, err := r.Execute(ctx, calls[i].Server, calls[i].Tool, calls[i].Args)
				results[i] = arbor.BatchResult{Output: out, Err: err}
			}
		}(indices)
	}
	wg.Wait()
	return results
}

// ExecuteEphemeral runs one call on a throwaway session: spawn, call,
// close. For servers too heavy or stateful to keep resident.
func (r *Registry) ExecuteEphemeral(ctx context.Context, m Manifest, tool string, args map[string]any) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	client, err := r.connect(ctx, m)
	if err != nil {
		return "", err
	}
	defer client.Close()

	out, isErr, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return "", fmt.Errorf("tool %s on ephemeral %s: %w", tool, m.Name, err)
	}
	if isErr {
		return "", fmt.Errorf("tool %s reported error: %s", tool, out)
	}
	return out, nil
}

// session returns the live session for server, spawning and ingesting it
// on first use.
func (r *Registry) session(ctx context.Context, server string) (*session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[server]; ok {
		r.mu.Unlock()
		// Blocks behind an in-flight spawn until it settles either way.
		s.mu.Lock()
		ready := s.ready
		s.mu.Unlock()
		if ready {
			return s, nil
		}
		return nil, arbor.Tagf(arbor.KindTransient, "tool server %q is not ready", server)
	}
	m, ok := r.manifests[server]
	if !ok {
		r.mu.Unlock()
		return nil, arbor.Tagf(arbor.KindPermanent, "unknown tool server %q", server)
	}
	s := &session{manifest: m}
	s.mu.Lock() // hold until spawn settles; concurrent callers queue here
	r.sessions[server] = s
	r.mu.Unlock()
	defer s.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, r.cfg.SpawnTimeout)
	defer cancel()

	client, err := r.connect(spawnCtx, m)
	if err != nil {
		r.dropSession(server, s)
		return nil, err
	}
	if err := r.ingest(spawnCtx, m.Name, client); err != nil {
		_ = client.Close()
		r.dropSession(server, s)
		return nil, err
	}
	s.client = client
	s.ready = true
	s.lastUsed = time.Now()
	r.logger.Info("tool server ready", "server", server)
	return s, nil
}

// connect spawns the transport named by the manifest and handshakes.
func (r *Registry) connect(ctx context.Context, m Manifest) (transport, error) {
	var client transport
	var err error
	if m.URL != "" {
		client, err = NewSSEClient(ctx, m.Name, m.URL, SSELogger(r.logger))
	} else {
		client, err = NewClient(m.Name, m.Command, m.Args, m.Env, ClientLogger(r.logger))
	}
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", m.Name, err)
	}
	if err := client.Initialize(ctx, r.cfg.ClientName, r.cfg.ClientVersion); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("handshake %s: %w", m.Name, err)
	}
	return client, nil
}

// ingest lists the server's tools, embeds them, and upserts the index.
func (r *Registry) ingest(ctx context.Context, server string, client transport) error {
	defs, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools on %s: %w", server, err)
	}

	infos := make([]arbor.ToolInfo, 0, len(defs))
	texts := make([]string, 0, len(defs))
	for _, def := range defs {
		schema := parseSchema(def.InputSchema)
		infos = append(infos, arbor.ToolInfo{
			Name:        def.Name,
			Server:      server,
			Description: def.Description,
			Schema:      schema,
		})
		texts = append(texts, embedText(def.Name, def.Description, schema))
	}

	var vecs [][]float32
	if r.embed != nil && len(texts) > 0 {
		vecs, err = r.embed(ctx, texts)
		if err != nil {
			r.logger.Warn("tool embedding failed, index is lexical-only", "server", server, "error", err)
			vecs = nil
		}
	}

	regs := make([]arbor.ToolRegistration, 0, len(infos))
	for i, info := range infos {
		var vec []float32
		if i < len(vecs) {
			vec = vecs[i]
		}
		r.index.Upsert(info, vec)
		regs = append(regs, arbor.ToolRegistration{
			ToolName:    info.Name,
			ServerName:  server,
			Description: info.Description,
			Schema:      info.Schema,
			Embedding:   vec,
		})
	}
	if r.store != nil && len(regs) > 0 {
		if err := r.store.SaveToolRegistrations(ctx, regs); err != nil {
			r.logger.Warn("tool registration persist failed", "server", server, "error", err)
		}
	}
	r.logger.Info("tools ingested", "server", server, "count", len(infos))
	return nil
}

// teardown closes a failed session so the next call respawns the server.
func (r *Registry) teardown(server string, s *session) {
	r.dropSession(server, s)
	s.mu.Lock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.ready = false
	s.mu.Unlock()
	r.logger.Warn("tool server torn down after failure", "server", server)
}

func (r *Registry) dropSession(server string, s *session) {
	r.mu.Lock()
	if cur, ok := r.sessions[server]; ok && cur == s {
		delete(r.sessions, server)
	}
	r.mu.Unlock()
}

// embedText builds the embedding input: name, description, and the
// parameter names, which often carry the only signal thin tools have.
func embedText(name, description string, schema arbor.ToolSchema) string {
	var b strings.Builder
	b.WriteString(name)
	if description != "" {
		b.WriteString(": ")
		b.WriteString(description)
	}
	if len(schema.Properties) > 0 {
		params := make([]string, 0, len(schema.Properties))
		for p := range schema.Properties {
			params = append(params, p)
		}
		sort.Strings(params)
		b.WriteString(" (")
		b.WriteString(strings.Join(params, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// parseSchema converts a raw inputSchema value into the kernel's shape.
func parseSchema(raw any) arbor.ToolSchema {
	data, err := json.Marshal(raw)
	if err != nil {
		return arbor.ToolSchema{}
	}
	var schema arbor.ToolSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return arbor.ToolSchema{}
	}
	return schema
}

var (
	_ arbor.SessionRegistry = (*Registry)(nil)
	_ arbor.BatchExecutor   = (*Registry)(nil)
)
