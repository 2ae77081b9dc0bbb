package ingest

import (
	"log/slog"

	arbor "github.com/ossian/arbor"
)

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithChunker sets the chunker, overriding content-type auto-selection.
func WithChunker(c Chunker) Option {
	return func(ing *Ingestor) { ing.chunker = c }
}

// WithBatchSize sets the number of chunks per Embed() call (default 64).
func WithBatchSize(n int) Option {
	return func(ing *Ingestor) { ing.batchSize = n }
}

// WithExtractor registers an Extractor for a given ContentType.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingestor) { ing.extractors[ct] = e }
}

// WithContextualEnrichment enables LLM contextual enrichment: each chunk
// is prefixed with a short document-situating context before embedding.
func WithContextualEnrichment(p arbor.Provider) Option {
	return func(ing *Ingestor) { ing.contextual = p }
}

// WithEnrichmentWorkers bounds the enrichment worker pool (default 4).
func WithEnrichmentWorkers(n int) Option {
	return func(ing *Ingestor) { ing.ctxWorkers = n }
}

// WithEnrichmentDocLimit truncates the document text carried in each
// enrichment prompt to n bytes (default 32000). Zero disables truncation.
func WithEnrichmentDocLimit(n int) Option {
	return func(ing *Ingestor) { ing.ctxDocMaxBytes = n }
}

// WithLogger sets the structured logger for enrichment diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingestor) { ing.logger = l }
}
