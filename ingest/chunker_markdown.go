package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

var _ Chunker = (*MarkdownChunker)(nil)

// MarkdownChunker splits text at markdown heading boundaries.
// It preserves heading markers in chunks for better LLM context.
//
// Strategy:
//  1. Parse the document and split at top-level heading boundaries
//  2. Heading + content = candidate chunk
//  3. If too large → fall back to RecursiveChunker for that section
//  4. If too small → merge with next section up to maxBytes
type MarkdownChunker struct {
	md       goldmark.Markdown
	maxBytes int
	fallback *RecursiveChunker
}

// NewMarkdownChunker creates a MarkdownChunker with the given options.
// Options WithMaxTokens and WithOverlapTokens are respected.
func NewMarkdownChunker(opts ...ChunkerOption) *MarkdownChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &MarkdownChunker{
		md:       goldmark.New(),
		maxBytes: cfg.maxTokens * 4,
		fallback: NewRecursiveChunker(opts...),
	}
}

// Chunk splits markdown text into chunks respecting heading boundaries.
func (mc *MarkdownChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= mc.maxBytes {
		return []string{text}
	}

	sections := mc.splitSections(text)
	return mc.mergeSections(sections)
}

// splitSections splits markdown text into sections at heading boundaries.
// Headings inside fenced code blocks are not boundaries; the parser only
// yields document-level heading nodes.
func (mc *MarkdownChunker) splitSections(text string) []string {
	starts := mc.headingStarts([]byte(text))
	if len(starts) == 0 {
		return []string{text}
	}

	var sections []string
	// Content before the first heading (if any).
	if starts[0] > 0 {
		if pre := strings.TrimSpace(text[:starts[0]]); pre != "" {
			sections = append(sections, pre)
		}
	}

	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if section := strings.TrimSpace(text[start:end]); section != "" {
			sections = append(sections, section)
		}
	}

	return sections
}

// headingStarts returns the byte offset of each top-level heading line.
func (mc *MarkdownChunker) headingStarts(src []byte) []int {
	doc := mc.md.Parser().Parse(gmtext.NewReader(src))

	var starts []int
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		// The first line segment starts after the "#" markers; walk back
		// to the beginning of the line so the markers stay in the chunk.
		start := h.Lines().At(0).Start
		for start > 0 && src[start-1] != '\n' {
			start--
		}
		starts = append(starts, start)
	}
	return starts
}

// mergeSections merges small sections together and splits large ones.
func (mc *MarkdownChunker) mergeSections(sections []string) []string {
	var chunks []string
	var current strings.Builder

	for _, section := range sections {
		// Section too large on its own — split with fallback chunker.
		if len(section) > mc.maxBytes {
			// Flush current buffer first.
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, mc.fallback.Chunk(section)...)
			continue
		}

		needed := len(section)
		if current.Len() > 0 {
			needed = current.Len() + 2 + len(section) // "\n\n" separator
		}

		if needed <= mc.maxBytes {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(section)
		} else {
			// Flush and start new.
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			current.WriteString(section)
		}
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}
