package arbor

import (
	"errors"
	"strings"
	"testing"
)

func TestParseBlueprintInfersTypes(t *testing.T) {
	data := []byte(`[
		{"id": "search", "tool_name": "web_search", "args": {"query": "go generics"}},
		{"id": "run", "tool_name": "execute_code", "args": {"code": "print(1)"}},
		{"id": "summarize", "prompt": "Summarize the findings", "depends_on": ["search"]},
		{"id": "branch", "condition": "summarize.summary contains generics", "depends_on": ["summarize"]},
		{"id": "each", "loop_over": "search.results", "loop_body": [{"id": "fetch", "tool_name": "web_fetch"}], "depends_on": ["search"]},
		{"id": "combine", "merge_inputs": ["summarize", "each"]},
		{"id": "agent", "goal": "verify the claims", "depends_on": ["combine"]}
	]`)

	nodes, err := ParseBlueprint(data)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]NodeType{
		"search":    NodeTool,
		"run":       NodeCode,
		"summarize": NodeLLM,
		"branch":    NodeSwitch,
		"each":      NodeLoop,
		"combine":   NodeMerge,
		"agent":     NodeAgentic,
	}
	for _, n := range nodes {
		if n.Type != want[n.ID] {
			t.Errorf("node %s type = %s, want %s", n.ID, n.Type, want[n.ID])
		}
		if n.Status != NodePending {
			t.Errorf("node %s status = %s, want pending", n.ID, n.Status)
		}
	}
}

func TestParseBlueprintUninferrableType(t *testing.T) {
	_, err := ParseBlueprint([]byte(`[{"id": "mystery"}]`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Subject != "mystery" {
		t.Errorf("Subject = %q", verr.Subject)
	}
}

func TestParseBlueprintImplicitPhaseDeps(t *testing.T) {
	data := []byte(`[
		{"id": "a", "phase": 1, "tool_name": "t"},
		{"id": "b", "phase": 1, "tool_name": "t"},
		{"id": "c", "phase": 2, "prompt": "p"},
		{"id": "d", "phase": 2, "prompt": "p", "depends_on": ["a"]}
	]`)
	nodes, err := ParseBlueprint(data)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]*WorkflowNode{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	// c had no explicit deps: wired to all of phase 1.
	if got := strings.Join(byID["c"].DependsOn, ","); got != "a,b" {
		t.Errorf("c.DependsOn = %v, want [a b]", byID["c"].DependsOn)
	}
	// d's explicit deps are preserved.
	if got := strings.Join(byID["d"].DependsOn, ","); got != "a" {
		t.Errorf("d.DependsOn = %v, want [a]", byID["d"].DependsOn)
	}
	// Phase-1 roots stay rootless.
	if len(byID["a"].DependsOn) != 0 {
		t.Errorf("a.DependsOn = %v, want none", byID["a"].DependsOn)
	}
}

func TestValidateBlueprintRejections(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"missing id", `[{"tool_name": "t"}]`, "missing id"},
		{"duplicate id", `[{"id": "x", "tool_name": "t"}, {"id": "x", "prompt": "p"}]`, "duplicate"},
		{"unknown dep", `[{"id": "x", "tool_name": "t", "depends_on": ["ghost"]}]`, "unknown dependency"},
		{"self dep", `[{"id": "x", "tool_name": "t", "depends_on": ["x"]}]`, "depends on itself"},
		{"cycle", `[{"id": "a", "tool_name": "t", "depends_on": ["b"]}, {"id": "b", "tool_name": "t", "depends_on": ["a"]}]`, "cycle"},
		{"bad merge input", `[{"id": "m", "merge_inputs": ["nope"]}]`, "merge input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBlueprint([]byte(tt.json))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestBlueprintRoundTrip(t *testing.T) {
	data := []byte(`[
		{"id": "a", "tool_name": "web_search", "args": {"query": "x"}, "output_artifact": "results"},
		{"id": "b", "prompt": "digest", "depends_on": ["a"]}
	]`)
	nodes, err := ParseBlueprint(data)
	if err != nil {
		t.Fatal(err)
	}
	out, err := SerializeBlueprint(nodes)
	if err != nil {
		t.Fatal(err)
	}
	again, err := ParseBlueprint(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again) != len(nodes) {
		t.Fatalf("round trip length %d, want %d", len(again), len(nodes))
	}
	for i := range nodes {
		if again[i].ID != nodes[i].ID || again[i].Type != nodes[i].Type {
			t.Errorf("node %d drifted: %+v vs %+v", i, again[i], nodes[i])
		}
	}
}

func TestParseSteps(t *testing.T) {
	steps := []map[string]any{
		{"id": "one", "tool_name": "web_search", "args": map[string]any{"query": "q"}},
		{"id": "two", "prompt": "p", "depends_on": []string{"one"}},
	}
	nodes, err := ParseSteps(steps)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[1].Type != NodeLLM {
		t.Errorf("nodes = %+v", nodes)
	}
}

func TestNodeStatusTerminal(t *testing.T) {
	for _, s := range []NodeStatus{NodeCompleted, NodeFailed, NodeSkipped} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []NodeStatus{NodePending, NodeWaiting, NodeRunning} {
		if s.Terminal() {
			t.Errorf("%s terminal", s)
		}
	}
}

func TestResolveRef(t *testing.T) {
	store := NewArtifactStore()
	store.Put("fetch", "body", "page text")
	store.Put("later", "body", "newer text")

	if v, ok := resolveRef(store, "fetch.body"); !ok || v != "page text" {
		t.Errorf("step-qualified ref = %v, %v", v, ok)
	}
	if v, ok := resolveRef(store, "body"); !ok || v != "newer text" {
		t.Errorf("bare ref = %v, want newest", v)
	}
	if v, ok := resolveRef(store, "{{ fetch.body }}"); !ok || v != "page text" {
		t.Errorf("templated ref = %v, %v", v, ok)
	}
	if _, ok := resolveRef(store, ""); ok {
		t.Error("empty ref resolved")
	}
	if _, ok := resolveRef(store, "ghost.name"); ok {
		t.Error("unknown ref resolved")
	}
}

func TestEvalCondition(t *testing.T) {
	store := NewArtifactStore()
	store.Put("s", "count", 5)
	store.Put("s", "status", "complete")
	store.Put("s", "flag", true)
	store.Put("s", "empty", "")

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"numeric gt", "s.count > 3", true},
		{"numeric lt", "s.count < 3", false},
		{"numeric eq", "s.count == 5", true},
		{"numeric ge", "s.count >= 5", true},
		{"string eq", `s.status == "complete"`, true},
		{"string ne", `s.status != "complete"`, false},
		{"contains", "s.status contains plet", true},
		{"contains miss", "s.status contains missing", false},
		{"literal both sides", "10 > 9", true},
		{"bare truthy bool", "s.flag", true},
		{"bare empty string", "s.empty", false},
		{"bare missing ref", "s.ghost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalCondition(tt.expr, store)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("evalCondition(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalConditionEmpty(t *testing.T) {
	if _, err := evalCondition("  ", NewArtifactStore()); err == nil {
		t.Error("empty condition accepted")
	}
}

func TestEvalConditionNumericBeatsLexical(t *testing.T) {
	store := NewArtifactStore()
	store.Put("s", "n", 10)
	// Lexical "10" < "9" but numeric 10 > 9.
	got, err := evalCondition("s.n > 9", store)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("comparison fell back to lexical ordering")
	}
}

func TestParseBlueprintInfersSubBlueprintTypes(t *testing.T) {
	data := []byte(`[
		{"id": "branch", "condition": "seed.count > 3",
		 "true_branch": [{"id": "yes", "tool_name": "act"}],
		 "false_branch": [{"id": "no", "prompt": "explain why not"}]},
		{"id": "each", "loop_over": "seed.urls",
		 "loop_body": [{"id": "inner", "loop_over": "seed.pages",
		                "loop_body": [{"id": "fetch", "tool_name": "web_fetch"}]}]}
	]`)

	nodes, err := ParseBlueprint(data)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]*WorkflowNode{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	// Branch and body nodes run after the executor injects or clones
	// them, so they must come out of parsing already typed.
	if got := byID["branch"].TrueBranch[0]; got.Type != NodeTool || got.Status != NodePending {
		t.Errorf("true branch node = %s/%s", got.Type, got.Status)
	}
	if got := byID["branch"].FalseBranch[0]; got.Type != NodeLLM {
		t.Errorf("false branch node type = %s", got.Type)
	}
	inner := byID["each"].LoopBody[0]
	if inner.Type != NodeLoop {
		t.Errorf("nested loop type = %s", inner.Type)
	}
	if got := inner.LoopBody[0]; got.Type != NodeTool {
		t.Errorf("nested body node type = %s", got.Type)
	}
}
