// Package knowledge provides a tool that searches ingested research sources
// with hybrid vector + keyword retrieval.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	arbor "github.com/ossian/arbor"
)

// Tool searches the data pool of ingested documents.
//
// By default, New creates a HybridRetriever internally with default settings.
// To configure retrieval behavior (score threshold, keyword weight,
// re-ranking), construct a Retriever with the options you need and inject it:
//
//	retriever := arbor.NewHybridRetriever(store, embedding,
//	    arbor.WithMinRetrievalScore(0.05),
//	    arbor.WithKeywordWeight(0.4),
//	    arbor.WithReranker(arbor.NewScoreReranker(0.1)),
//	)
//	tool := knowledge.New(store, embedding,
//	    knowledge.WithRetriever(retriever),
//	    knowledge.WithTopK(10),
//	)
type Tool struct {
	retriever arbor.Retriever
	topK      int
}

// Option configures a knowledge Tool.
type Option func(*Tool)

// WithRetriever injects a custom Retriever. When not set, New creates a
// default HybridRetriever from the provided store and embedding provider.
func WithRetriever(r arbor.Retriever) Option {
	return func(k *Tool) { k.retriever = r }
}

// WithTopK sets the number of results to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(k *Tool) { k.topK = n }
}

// New creates a knowledge Tool. If no Retriever is provided via WithRetriever,
// a default HybridRetriever is created from store and embedding.
func New(store arbor.ChunkStore, emb arbor.EmbeddingProvider, opts ...Option) *Tool {
	k := &Tool{topK: 5}
	for _, o := range opts {
		o(k)
	}
	if k.retriever == nil {
		k.retriever = arbor.NewHybridRetriever(store, emb)
	}
	return k
}

func (k *Tool) Definitions() []arbor.ToolDefinition {
	return []arbor.ToolDefinition{{
		Name:        "pool_search",
		Description: "Search previously collected research sources for relevant passages. Use before fetching new sources: the answer may already be in the pool.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (k *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (arbor.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return arbor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	results, err := k.retriever.Retrieve(ctx, params.Query, k.topK)
	if err != nil {
		return arbor.ToolResult{Error: "retrieval error: " + err.Error()}, nil
	}

	if len(results) == 0 {
		return arbor.ToolResult{Content: fmt.Sprintf("No relevant passages found for %q.", params.Query)}, nil
	}

	var out strings.Builder
	out.WriteString("From collected sources:\n")
	for i, r := range results {
		fmt.Fprintf(&out, "%d. (score %.2f, doc %s) %s\n\n", i+1, r.Score, r.DocumentID, r.Content)
	}
	return arbor.ToolResult{Content: out.String()}, nil
}
