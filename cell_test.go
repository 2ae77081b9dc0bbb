package arbor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testCellConfig(p Provider) CellConfig {
	return CellConfig{
		Provider: p,
		Wirer:    NewAutoWirer(DefaultAutoWireConfig()),
		Policy:   DefaultBudgetPolicy(),
		DAG:      DefaultDAGConfig(),
	}
}

// blockingProvider parks every call until the context is cancelled.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	<-ctx.Done()
	return ChatResponse{}, ctx.Err()
}

func (p blockingProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	close(ch)
	return p.Chat(ctx, req)
}

func TestCellStateStrings(t *testing.T) {
	tests := []struct {
		state    CellState
		want     string
		terminal bool
	}{
		{CellCreated, "created", false},
		{CellPlanning, "planning", false},
		{CellDelegating, "delegating", false},
		{CellWaiting, "waiting", false},
		{CellSynthesizing, "synthesizing", false},
		{CellDone, "done", true},
		{CellFailed, "failed", true},
		{CellCancelled, "cancelled", true},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.want, got, tt.terminal)
		}
	}
}

func TestCellDirectAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"delegate":[]}`},
		{Content: "the answer"},
	}}
	cell := NewKernelCell(RoleManager, "general", 100_000, testCellConfig(provider))

	env, err := cell.Process(context.Background(), "what is a goroutine")
	if err != nil {
		t.Fatal(err)
	}
	if env.Stdout.Content != "the answer" {
		t.Errorf("content = %q", env.Stdout.Content)
	}
	if cell.State() != CellDone {
		t.Errorf("state = %s, want done", cell.State())
	}
	if env.Metadata.Role != "manager" || env.Metadata.Domain != "general" {
		t.Errorf("metadata = %+v", env.Metadata)
	}
	if env.Metadata.ChildrenCount != 0 {
		t.Errorf("ChildrenCount = %d", env.Metadata.ChildrenCount)
	}
	// No tools, no children: straight model output scores 0.7.
	if env.Metadata.Confidence != 0.7 {
		t.Errorf("Confidence = %v, want 0.7", env.Metadata.Confidence)
	}
}

// fixedRetriever returns a canned result set.
type fixedRetriever struct {
	results []RetrievalResult
	err     error
}

func (r fixedRetriever) Retrieve(_ context.Context, _ string, _ int) ([]RetrievalResult, error) {
	return r.results, r.err
}

func TestCellSynthesisUsesRetrievedBackground(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"delegate":[]}`},
		{Content: "grounded answer"},
	}}
	cfg := testCellConfig(provider)
	cfg.Retriever = fixedRetriever{results: []RetrievalResult{
		{Content: "goroutines multiplex onto OS threads", Score: 0.9},
	}}
	cell := NewKernelCell(RoleManager, "general", 100_000, cfg)

	env, err := cell.Process(context.Background(), "what is a goroutine")
	if err != nil {
		t.Fatal(err)
	}
	if env.Stdout.Content != "grounded answer" {
		t.Errorf("content = %q", env.Stdout.Content)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.requests) != 2 {
		t.Fatalf("requests = %d, want plan + synthesis", len(provider.requests))
	}
	synth := provider.requests[1]
	prompt := synth.Messages[len(synth.Messages)-1].Content
	if !strings.Contains(prompt, "goroutines multiplex onto OS threads") {
		t.Errorf("synthesis prompt missing retrieved passage:\n%s", prompt)
	}
}

func TestCellSynthesisRetrieverErrorDegrades(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"delegate":[]}`},
		{Content: "plain answer"},
	}}
	cfg := testCellConfig(provider)
	cfg.Retriever = fixedRetriever{err: errors.New("index offline")}
	cell := NewKernelCell(RoleManager, "general", 100_000, cfg)

	env, err := cell.Process(context.Background(), "what is a goroutine")
	if err != nil {
		t.Fatal(err)
	}
	if env.Stdout.Content != "plain answer" {
		t.Errorf("content = %q", env.Stdout.Content)
	}
}

func TestCellPlanningFailureFallsBack(t *testing.T) {
	provider := &scriptedProvider{
		errs: []error{errors.New("llm down")},
		responses: []ChatResponse{
			{},
			{Content: "direct result"},
			{Content: `{"content":"synthesized","key_findings":["kf"]}`},
		},
	}
	cell := NewKernelCell(RoleManager, "", 100_000, testCellConfig(provider))

	env, err := cell.Process(context.Background(), "why is the sky blue")
	if err != nil {
		t.Fatal(err)
	}
	if env.Stdout.Content != "synthesized" {
		t.Errorf("content = %q", env.Stdout.Content)
	}
	if len(env.Stdout.KeyFindings) != 1 || env.Stdout.KeyFindings[0] != "kf" {
		t.Errorf("KeyFindings = %v", env.Stdout.KeyFindings)
	}
	var planWarn bool
	for _, w := range env.Stderr.Warnings {
		if w.Type == "planning" {
			planWarn = true
		}
	}
	if !planWarn {
		t.Error("planning warning not surfaced")
	}
	// The fallback blueprint's output made it into the work package.
	var found bool
	for _, a := range env.Stdout.WorkPackage.Artifacts {
		if a.StepID == "direct_answer" && a.Value == "direct result" {
			found = true
		}
	}
	if !found {
		t.Errorf("fallback artifact missing: %+v", env.Stdout.WorkPackage.Artifacts)
	}
}

func TestCellSynthesisFailureReturnsPartial(t *testing.T) {
	provider := &scriptedProvider{
		responses: []ChatResponse{
			{Content: `{"steps":[{"id":"s","tool_name":"web_search","args":{"query":"x"},"output_artifact":"rows"}]}`},
		},
		errs: []error{nil, errors.New("synth down")},
	}
	cfg := testCellConfig(provider)
	cfg.Registry = newFakeRegistry(ToolInfo{Name: "web_search"})
	cell := NewKernelCell(RoleManager, "", 100_000, cfg)

	env, err := cell.Process(context.Background(), "find things")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.Stdout.Content, "Partial findings") {
		t.Errorf("content = %q, want partial rendering", env.Stdout.Content)
	}
	if !strings.Contains(env.Stdout.Content, "s.rows") {
		t.Errorf("content %q missing collected artifact", env.Stdout.Content)
	}
	var synthFail bool
	for _, f := range env.Stderr.Failures {
		if f.TaskID == "synthesize" {
			synthFail = true
		}
	}
	if !synthFail {
		t.Errorf("synthesize failure not surfaced: %+v", env.Stderr.Failures)
	}
}

func TestCellDelegation(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"delegate":[{"domain":"facts","query":"sub question","budget_hint":1000}]}`},
		{Content: `{"steps":[],"delegate":[]}`},
		{Content: "child findings"},
		{Content: `{"content":"combined","key_findings":["f1"]}`},
	}}
	cell := NewKernelCell(RoleManager, "root", 50_000, testCellConfig(provider))

	env, err := cell.Process(context.Background(), "broad question")
	if err != nil {
		t.Fatal(err)
	}
	if env.Metadata.ChildrenCount != 1 {
		t.Fatalf("ChildrenCount = %d, want 1", env.Metadata.ChildrenCount)
	}
	if env.Stdout.Content != "combined" {
		t.Errorf("content = %q", env.Stdout.Content)
	}
	if len(env.Stdout.KeyFindings) != 1 || env.Stdout.KeyFindings[0] != "f1" {
		t.Errorf("KeyFindings = %v", env.Stdout.KeyFindings)
	}
	// The child's report was collected into the parent's store.
	var report bool
	for _, a := range env.Stdout.WorkPackage.Artifacts {
		if a.Name == "report" && a.Value == "child findings" {
			report = true
		}
	}
	if !report {
		t.Errorf("child report missing from artifacts: %+v", env.Stdout.WorkPackage.Artifacts)
	}
	if env.Metadata.MessagesSent == 0 {
		t.Error("delegation sent no messages")
	}
}

func TestSpawnChildRefusals(t *testing.T) {
	provider := &scriptedProvider{}
	ctx := context.Background()

	t.Run("staff role", func(t *testing.T) {
		cell := NewKernelCell(RoleStaff, "", 1000, testCellConfig(provider))
		_, err := cell.SpawnChild(ctx, "x", "q", 0)
		if err == nil || !strings.Contains(err.Error(), "staff") {
			t.Errorf("err = %v", err)
		}
		if Classify(err) != KindPermanent {
			t.Errorf("Classify = %v", Classify(err))
		}
	})

	t.Run("max depth", func(t *testing.T) {
		cfg := testCellConfig(provider)
		cfg.MaxDepth = 1
		cell := NewKernelCell(RoleManager, "", 1000, cfg)
		_, err := cell.SpawnChild(ctx, "x", "q", 0)
		if err == nil || !strings.Contains(err.Error(), "depth") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("exhausted budget", func(t *testing.T) {
		cell := NewKernelCell(RoleManager, "", 10, testCellConfig(provider))
		if err := cell.Budget().Charge(cell.ID(), Usage{InputTokens: 10}); err != nil {
			t.Fatal(err)
		}
		_, err := cell.SpawnChild(ctx, "x", "q", 500)
		var be *BudgetExhaustedError
		if !errors.As(err, &be) {
			t.Errorf("err = %v, want BudgetExhaustedError", err)
		}
	})
}

func TestCellPlanFoldsDelegationsWhenCannotDelegate(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"delegate":[{"domain":"web","query":"q1"}]}`},
	}}
	cell := NewKernelCell(RoleStaff, "", 1000, testCellConfig(provider))

	plan, _, err := cell.plan(context.Background(), "query")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Delegate) != 0 {
		t.Errorf("Delegate = %v, want folded away", plan.Delegate)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("Steps = %v, want one inline step", plan.Steps)
	}
	if plan.Steps[0]["id"] != "inline_0" {
		t.Errorf("step id = %v", plan.Steps[0]["id"])
	}
	if prompt, _ := plan.Steps[0]["prompt"].(string); !strings.Contains(prompt, "q1") {
		t.Errorf("inline prompt %q missing subquery", prompt)
	}
}

func TestCellCancelViaBus(t *testing.T) {
	bus := NewCellBus()
	cfg := testCellConfig(blockingProvider{})
	cfg.Bus = bus
	cell := NewKernelCell(RoleManager, "", 10_000, cfg)

	type outcome struct {
		env StdioEnvelope
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		env, err := cell.Process(context.Background(), "long haul")
		done <- outcome{env, err}
	}()

	// Buffered inbox: the pump picks this up once Process is underway.
	bus.Send(Message{Kind: MsgCancel, From: "parent", To: cell.ID(), Reason: "stall"})

	select {
	case out := <-done:
		if Classify(out.err) != KindCancelled {
			t.Errorf("err = %v, want cancelled", out.err)
		}
		if cell.State() != CellCancelled {
			t.Errorf("state = %s, want cancelled", cell.State())
		}
		var reason bool
		for _, w := range out.env.Stderr.Warnings {
			if w.Message == "stall" {
				reason = true
			}
		}
		if !reason {
			t.Errorf("cancel reason missing from warnings: %+v", out.env.Stderr.Warnings)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled cell did not return")
	}
}

func TestCellSeedArtifact(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[]}`},
		{Content: `{"content":"used the url","key_findings":[]}`},
	}}
	cell := NewKernelCell(RoleManager, "", 100_000, testCellConfig(provider))
	cell.SeedArtifact("query", "url_0", "https://example.com/report")

	env, err := cell.Process(context.Background(), "analyze the report")
	if err != nil {
		t.Fatal(err)
	}
	// Seeded artifacts reach the synthesis prompt and the work package.
	if len(provider.requests) != 2 || !strings.Contains(messageText(provider.requests[1]), "https://example.com/report") {
		t.Error("seeded artifact missing from synthesis prompt")
	}
	var seeded bool
	for _, a := range env.Stdout.WorkPackage.Artifacts {
		if a.Name == "url_0" {
			seeded = true
		}
	}
	if !seeded {
		t.Errorf("seeded artifact missing from envelope: %+v", env.Stdout.WorkPackage.Artifacts)
	}
}

func TestConfidenceOf(t *testing.T) {
	var manyFailures EnvelopeStderr
	for range 8 {
		manyFailures.fail("t", errors.New("x"), "")
	}
	var mixed EnvelopeStderr
	mixed.fail("t", errors.New("x"), "")
	mixed.warnf("policy", "warning", "blocked")

	tests := []struct {
		name      string
		state     CellState
		stderr    EnvelopeStderr
		toolCalls int
		children  int
		want      float64
	}{
		{"failed cell", CellFailed, EnvelopeStderr{}, 3, 1, 0.2},
		{"ungrounded answer", CellDone, EnvelopeStderr{}, 0, 0, 0.7},
		{"grounded clean run", CellDone, EnvelopeStderr{}, 2, 0, 0.9},
		{"failure and warning", CellDone, mixed, 2, 0, 0.75},
		{"floor", CellDone, manyFailures, 2, 0, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := confidenceOf(tt.state, tt.stderr, tt.toolCalls, tt.children)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("confidenceOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCellClarifyReplans(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"clarify":"which cloud provider?"}`},
		{Content: `{"steps":[]}`},
		{Content: "aws findings"},
	}}
	cfg := testCellConfig(provider)
	var asked string
	cfg.Input = func(_ context.Context, question string) (string, error) {
		asked = question
		return "AWS only", nil
	}
	cell := NewKernelCell(RoleManager, "general", 100_000, cfg)

	env, err := cell.Process(context.Background(), "compare cloud egress pricing")
	if err != nil {
		t.Fatal(err)
	}
	if asked != "which cloud provider?" {
		t.Errorf("asked = %q", asked)
	}
	if env.Stdout.Content != "aws findings" {
		t.Errorf("content = %q", env.Stdout.Content)
	}
	// The second planning call carries the question and the answer.
	if len(provider.requests) != 3 {
		t.Fatalf("requests = %d, want 3", len(provider.requests))
	}
	replan := messageText(provider.requests[1])
	if !strings.Contains(replan, "which cloud provider?") || !strings.Contains(replan, "AWS only") {
		t.Errorf("replan prompt missing clarification: %q", replan)
	}
}

func TestCellClarifyWithoutHandlerProceeds(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"clarify":"which region?"}`},
		{Content: "best effort answer"},
	}}
	cell := NewKernelCell(RoleManager, "general", 100_000, testCellConfig(provider))

	env, err := cell.Process(context.Background(), "compare cloud egress pricing")
	if err != nil {
		t.Fatal(err)
	}
	if env.Stdout.Content != "best effort answer" {
		t.Errorf("content = %q", env.Stdout.Content)
	}
	if len(provider.requests) != 2 {
		t.Errorf("requests = %d, want 2 (no replan without a handler)", len(provider.requests))
	}
	if len(env.Stderr.Warnings) != 1 || !strings.Contains(env.Stderr.Warnings[0].Message, "which region?") {
		t.Errorf("warnings = %+v", env.Stderr.Warnings)
	}
}

func TestCellClarifyHandlerErrorFallsThrough(t *testing.T) {
	provider := &scriptedProvider{responses: []ChatResponse{
		{Content: `{"steps":[],"clarify":"which region?"}`},
		{Content: "unclarified answer"},
	}}
	cfg := testCellConfig(provider)
	cfg.Input = func(context.Context, string) (string, error) {
		return "", errors.New("no interactive session")
	}
	cell := NewKernelCell(RoleManager, "general", 100_000, cfg)

	env, err := cell.Process(context.Background(), "compare cloud egress pricing")
	if err != nil {
		t.Fatal(err)
	}
	if env.Stdout.Content != "unclarified answer" {
		t.Errorf("content = %q", env.Stdout.Content)
	}
	if len(env.Stderr.Warnings) != 1 || env.Stderr.Warnings[0].Type != "clarify" {
		t.Errorf("warnings = %+v", env.Stderr.Warnings)
	}
}
