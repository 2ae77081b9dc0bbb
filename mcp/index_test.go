package mcp

import (
	"testing"

	arbor "github.com/ossian/arbor"
)

func TestIndexUpsertAndLookup(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(arbor.ToolInfo{Name: "web_search", Server: "search", Description: "search the web"}, []float32{1, 0})

	info, ok := idx.Lookup("web_search")
	if !ok {
		t.Fatal("Lookup() miss for upserted tool")
	}
	if info.Server != "search" {
		t.Errorf("Server = %q, want %q", info.Server, "search")
	}
	if _, ok := idx.Lookup("missing"); ok {
		t.Error("Lookup() hit for unknown tool")
	}
}

func TestIndexUpsertReplaces(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(arbor.ToolInfo{Name: "fetch", Server: "a", Description: "old"}, nil)
	idx.Upsert(arbor.ToolInfo{Name: "fetch", Server: "a", Description: "new"}, nil)

	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}
	info, _ := idx.Lookup("fetch")
	if info.Description != "new" {
		t.Errorf("Description = %q, want %q", info.Description, "new")
	}
}

func TestIndexSearchRanksByCosine(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(arbor.ToolInfo{Name: "exact", Server: "s"}, []float32{1, 0})
	idx.Upsert(arbor.ToolInfo{Name: "close", Server: "s"}, []float32{0.9, 0.1})
	idx.Upsert(arbor.ToolInfo{Name: "orthogonal", Server: "s"}, []float32{0, 1})

	results := idx.Search([]float32{1, 0}, 2, 0.5)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Name != "exact" || results[1].Name != "close" {
		t.Errorf("order = [%s, %s], want [exact, close]", results[0].Name, results[1].Name)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %f <= %f", results[0].Score, results[1].Score)
	}
}

func TestIndexSearchMinSimilarity(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(arbor.ToolInfo{Name: "far", Server: "s"}, []float32{0, 1})

	if got := idx.Search([]float32{1, 0}, 10, 0.3); len(got) != 0 {
		t.Errorf("got %d results below threshold, want 0", len(got))
	}
}

func TestIndexSearchSkipsMissingEmbeddings(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(arbor.ToolInfo{Name: "lexical_only", Server: "s"}, nil)
	idx.Upsert(arbor.ToolInfo{Name: "embedded", Server: "s"}, []float32{1, 0})

	results := idx.Search([]float32{1, 0}, 10, 0.1)
	if len(results) != 1 || results[0].Name != "embedded" {
		t.Errorf("results = %+v, want only embedded", results)
	}
}

func TestIndexRemoveServer(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(arbor.ToolInfo{Name: "a", Server: "one"}, nil)
	idx.Upsert(arbor.ToolInfo{Name: "b", Server: "two"}, nil)
	idx.Upsert(arbor.ToolInfo{Name: "c", Server: "one"}, nil)

	idx.RemoveServer("one")

	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}
	if _, ok := idx.Lookup("b"); !ok {
		t.Error("tool from surviving server removed")
	}
	if _, ok := idx.Lookup("a"); ok {
		t.Error("tool from removed server still resolvable")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineSimilarity = %f, want %f", got, tt.want)
			}
		})
	}
}
