// Command toolserver is a stdio JSON-RPC tool server hosting the built-in
// document tools (web_fetch, extract_pdf, chunk_markdown, parse_csv). Point
// a manifest at this binary to make the tools available to the kernel:
//
//	{"name": "documents", "command": "toolserver", "transport": "stdio"}
//
// With ARBOR_BRAVE_API_KEY set the server also exposes web_search. Set
// ARBOR_EMBEDDING_API_KEY (plus ARBOR_EMBEDDING_MODEL and
// ARBOR_EMBEDDING_BASE_URL) to re-rank results semantically.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	arbor "github.com/ossian/arbor"
	"github.com/ossian/arbor/ingest"
	"github.com/ossian/arbor/mcp"
	"github.com/ossian/arbor/provider/openaicompat"
	httptool "github.com/ossian/arbor/tools/http"
	searchtool "github.com/ossian/arbor/tools/search"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mcp.New("arbor-documents", version)
	srv.AddTool(webFetch())
	srv.AddTool(extractPDF())
	srv.AddTool(chunkMarkdown())
	srv.AddTool(parseCSV())
	if h, ok := webSearch(); ok {
		srv.AddTool(h)
	}
	srv.AddResource(mcp.Resource{
		URI:         "arbor://documents/about",
		Name:        "about",
		Description: "What this server provides",
		MimeType:    "text/plain",
		Read: func() string {
			return "Built-in document tools: fetch web pages as readable text, extract PDF and CSV content, chunk markdown."
		},
	})

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

func webFetch() mcp.ToolHandler {
	fetcher := httptool.New()
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch a URL and return its readable text content.",
			InputSchema: objectSchema(map[string]any{
				"url": map[string]any{"type": "string", "description": "URL to fetch"},
			}, "url"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			text, err := fetcher.Fetch(ctx, params.URL)
			if err != nil {
				return mcp.ErrorResult("fetch failed: " + err.Error())
			}
			return mcp.TextResult(text)
		},
	}
}

// webSearch exposes Brave-backed web search. Absent an API key the tool
// is left off the listing so the kernel falls back to other servers.
func webSearch() (mcp.ToolHandler, bool) {
	key := os.Getenv("ARBOR_BRAVE_API_KEY")
	if key == "" {
		return mcp.ToolHandler{}, false
	}
	var embedding arbor.EmbeddingProvider
	if ek := os.Getenv("ARBOR_EMBEDDING_API_KEY"); ek != "" {
		embedding = openaicompat.NewEmbedding(ek,
			os.Getenv("ARBOR_EMBEDDING_MODEL"), os.Getenv("ARBOR_EMBEDDING_BASE_URL"))
	}
	searcher := searchtool.New(embedding, key)
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "web_search",
			Description: "Search the web for current information and return ranked result passages with sources.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string", "description": "search query"},
			}, "query"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			content, err := searcher.Search(ctx, params.Query)
			if err != nil {
				return mcp.ErrorResult("search failed: " + err.Error())
			}
			return mcp.TextResult(content)
		},
	}, true
}

func extractPDF() mcp.ToolHandler {
	extractor := ingest.NewPDFExtractor()
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "extract_pdf",
			Description: "Extract plain text from a base64-encoded PDF document.",
			InputSchema: objectSchema(map[string]any{
				"data": map[string]any{"type": "string", "description": "base64-encoded PDF bytes"},
			}, "data"),
		},
		Execute: func(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				Data string `json:"data"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			raw, err := base64.StdEncoding.DecodeString(params.Data)
			if err != nil {
				return mcp.ErrorResult("invalid base64: " + err.Error())
			}
			text, err := extractor.Extract(raw)
			if err != nil {
				return mcp.ErrorResult("pdf extract failed: " + err.Error())
			}
			return mcp.TextResult(text)
		},
	}
}

func chunkMarkdown() mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "chunk_markdown",
			Description: "Split markdown text into retrieval-sized chunks along heading boundaries.",
			InputSchema: objectSchema(map[string]any{
				"text":       map[string]any{"type": "string", "description": "markdown text"},
				"max_tokens": map[string]any{"type": "number", "description": "approximate chunk size limit"},
			}, "text"),
		},
		Execute: func(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				Text      string `json:"text"`
				MaxTokens int    `json:"max_tokens"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			var opts []ingest.ChunkerOption
			if params.MaxTokens > 0 {
				opts = append(opts, ingest.WithMaxTokens(params.MaxTokens))
			}
			chunks := ingest.NewMarkdownChunker(opts...).Chunk(params.Text)
			var out strings.Builder
			for i, c := range chunks {
				fmt.Fprintf(&out, "--- chunk %d ---\n%s\n", i+1, c)
			}
			if out.Len() == 0 {
				return mcp.TextResult("no chunks produced")
			}
			return mcp.TextResult(out.String())
		},
	}
}

func parseCSV() mcp.ToolHandler {
	extractor := ingest.NewCSVExtractor()
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "parse_csv",
			Description: "Parse CSV text into a readable row-by-row rendering with header labels.",
			InputSchema: objectSchema(map[string]any{
				"text": map[string]any{"type": "string", "description": "raw CSV content"},
			}, "text"),
		},
		Execute: func(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			text, err := extractor.Extract([]byte(params.Text))
			if err != nil {
				return mcp.ErrorResult("csv parse failed: " + err.Error())
			}
			return mcp.TextResult(text)
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
