package arbor

import (
	"errors"
	"strings"
	"testing"
)

func wireSchema(required []string, props map[string]SchemaProperty) ToolSchema {
	return ToolSchema{Properties: props, Required: required}
}

func TestAutoWireExactNameMatch(t *testing.T) {
	w := NewAutoWirer(DefaultAutoWireConfig())
	store := NewArtifactStore()
	store.Put("fetch", "url", "https://example.com")

	schema := wireSchema([]string{"url"}, map[string]SchemaProperty{"url": {Type: "string"}})
	out, err := w.Wire(schema, nil, store)
	if err != nil {
		t.Fatal(err)
	}
	if out["url"] != "https://example.com" {
		t.Errorf("url = %v", out["url"])
	}
}

func TestAutoWireExplicitInputsWin(t *testing.T) {
	w := NewAutoWirer(DefaultAutoWireConfig())
	store := NewArtifactStore()
	store.Put("fetch", "query", "from artifact")

	schema := wireSchema([]string{"query"}, map[string]SchemaProperty{"query": {Type: "string"}})
	out, err := w.Wire(schema, map[string]any{"query": "explicit"}, store)
	if err != nil {
		t.Fatal(err)
	}
	if out["query"] != "explicit" {
		t.Errorf("query = %v, explicit input overwritten", out["query"])
	}
}

func TestAutoWireContainmentMatch(t *testing.T) {
	w := NewAutoWirer(DefaultAutoWireConfig())
	store := NewArtifactStore()
	// "url" is contained in "source_url": containment 0.5 + type 0.3 = 0.8.
	store.Put("fetch", "url", "https://example.com/page")

	schema := wireSchema([]string{"source_url"}, map[string]SchemaProperty{"source_url": {Type: "string"}})
	out, err := w.Wire(schema, nil, store)
	if err != nil {
		t.Fatal(err)
	}
	if out["source_url"] != "https://example.com/page" {
		t.Errorf("source_url = %v", out["source_url"])
	}
}

func TestAutoWireTypeMismatchRejects(t *testing.T) {
	w := NewAutoWirer(DefaultAutoWireConfig())
	store := NewArtifactStore()
	// Exact name but wrong type: 1.0 - 1.0 = 0.0, below threshold.
	store.Put("calc", "count", "not a number")

	schema := wireSchema([]string{"count"}, map[string]SchemaProperty{"count": {Type: "integer"}})
	_, err := w.Wire(schema, nil, store)
	if err == nil {
		t.Fatal("type-mismatched artifact was wired")
	}
}

func TestAutoWireMissingRequiredFailsFast(t *testing.T) {
	w := NewAutoWirer(DefaultAutoWireConfig())
	store := NewArtifactStore()

	schema := wireSchema([]string{"beta", "alpha"}, map[string]SchemaProperty{
		"alpha": {Type: "string"},
		"beta":  {Type: "string"},
	})
	_, err := w.Wire(schema, nil, store)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %T, want ValidationError", err)
	}
	if Classify(err) != KindPermanent {
		t.Errorf("Classify = %v, want KindPermanent", Classify(err))
	}
	// Missing names are sorted for stable messages.
	if !strings.Contains(verr.Detail, "alpha, beta") {
		t.Errorf("Detail = %q, want sorted names", verr.Detail)
	}
}

func TestAutoWireMostRecentWinsTies(t *testing.T) {
	w := NewAutoWirer(DefaultAutoWireConfig())
	store := NewArtifactStore()
	store.Put("step-1", "query", "stale")
	store.Put("step-2", "query", "fresh")

	schema := wireSchema([]string{"query"}, map[string]SchemaProperty{"query": {Type: "string"}})
	out, err := w.Wire(schema, nil, store)
	if err != nil {
		t.Fatal(err)
	}
	if out["query"] != "fresh" {
		t.Errorf("query = %v, want most recent artifact", out["query"])
	}
}

func TestAutoWireOptionalArgsUntouched(t *testing.T) {
	w := NewAutoWirer(DefaultAutoWireConfig())
	store := NewArtifactStore()
	store.Put("s", "limit", 10)

	// "limit" is optional: nothing to wire, nothing missing.
	schema := wireSchema(nil, map[string]SchemaProperty{"limit": {Type: "integer"}})
	out, err := w.Wire(schema, nil, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out["limit"]; ok {
		t.Error("optional argument wired unsolicited")
	}
}

func TestTypeCompatible(t *testing.T) {
	tests := []struct {
		schemaType string
		value      any
		want       bool
	}{
		{"string", "x", true},
		{"string", 3, false},
		{"number", 3.5, true},
		{"integer", 3, true},
		{"integer", "3", false},
		{"boolean", true, true},
		{"boolean", "true", false},
		{"array", []any{1}, true},
		{"array", "not array", false},
		{"object", map[string]any{}, true},
		{"object", []any{}, false},
		{"", 42, true},
		{"custom", struct{}{}, true},
	}
	for _, tt := range tests {
		if got := typeCompatible(tt.schemaType, tt.value); got != tt.want {
			t.Errorf("typeCompatible(%q, %T) = %v, want %v", tt.schemaType, tt.value, got, tt.want)
		}
	}
}
