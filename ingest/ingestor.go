package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	arbor "github.com/ossian/arbor"
)

// IngestResult holds the outcome of an ingest operation.
type IngestResult struct {
	DocumentID string
	Document   arbor.Document
	ChunkCount int
}

// Ingestor provides end-to-end ingestion: extract → chunk → embed → store.
type Ingestor struct {
	store      arbor.ChunkStore
	embedding  arbor.EmbeddingProvider
	chunker    Chunker
	extractors map[ContentType]Extractor
	batchSize  int

	// contextual enrichment config
	contextual     arbor.Provider
	ctxWorkers     int
	ctxDocMaxBytes int
	logger         *slog.Logger
}

// NewIngestor creates an Ingestor with sensible defaults.
func NewIngestor(store arbor.ChunkStore, emb arbor.EmbeddingProvider, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:     store,
		embedding: emb,
		chunker:   NewRecursiveChunker(),
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeHTML:      HTMLExtractor{},
			TypeMarkdown:  MarkdownExtractor{},
		},
		batchSize:      64,
		ctxWorkers:     4,
		ctxDocMaxBytes: 32_000,
	}
	for _, o := range opts {
		o(ing)
	}
	return ing
}

// IngestText ingests plain text content.
func (ing *Ingestor) IngestText(ctx context.Context, text, source, title string) (IngestResult, error) {
	return ing.ingest(ctx, text, source, title, TypePlainText)
}

// IngestFile ingests file content, detecting the content type from the filename extension.
func (ing *Ingestor) IngestFile(ctx context.Context, content []byte, filename string) (IngestResult, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	ct := ContentTypeFromExtension(ext)

	extractor, ok := ing.extractors[ct]
	if !ok {
		extractor = PlainTextExtractor{}
	}

	text, err := extractor.Extract(content)
	if err != nil {
		return IngestResult{}, fmt.Errorf("extract %s: %w", ct, err)
	}

	return ing.ingest(ctx, text, filename, filepath.Base(filename), ct)
}

// IngestReader reads all content from r and ingests it, detecting content type from filename.
func (ing *Ingestor) IngestReader(ctx context.Context, r io.Reader, filename string) (IngestResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return IngestResult{}, fmt.Errorf("read: %w", err)
	}
	return ing.IngestFile(ctx, data, filename)
}

func (ing *Ingestor) ingest(ctx context.Context, text, source, title string, ct ContentType) (IngestResult, error) {
	docID := arbor.NewID()

	doc := arbor.Document{
		ID:        docID,
		Title:     title,
		Source:    source,
		MIME:      string(ct),
		CreatedAt: time.Now(),
	}

	chunks, err := ing.chunkAndEmbed(ctx, text, docID, ct)
	if err != nil {
		return IngestResult{}, err
	}

	if err := ing.store.StoreDocument(ctx, doc, chunks); err != nil {
		return IngestResult{}, fmt.Errorf("store: %w", err)
	}

	return IngestResult{
		DocumentID: docID,
		Document:   doc,
		ChunkCount: len(chunks),
	}, nil
}

// chunkAndEmbed chunks the text, optionally enriches each chunk with
// document-level context, and embeds the results in batches.
func (ing *Ingestor) chunkAndEmbed(ctx context.Context, text, docID string, ct ContentType) ([]arbor.Chunk, error) {
	chunker := ing.selectChunker(ct)
	chunkTexts := chunker.Chunk(text)
	if len(chunkTexts) == 0 {
		return nil, nil
	}

	chunks := make([]arbor.Chunk, len(chunkTexts))
	for i, t := range chunkTexts {
		chunks[i] = arbor.Chunk{
			ID:         arbor.NewID(),
			DocumentID: docID,
			Content:    t,
			Index:      i,
		}
	}

	// Enrichment runs before embedding so the prepended context is part
	// of what gets embedded.
	if ing.contextual != nil {
		docText := truncateDocText(text, ing.ctxDocMaxBytes)
		enrichChunksWithContext(ctx, ing.contextual, chunks, docText, ing.ctxWorkers, ing.logger)
	}

	if err := ing.batchEmbed(ctx, chunks); err != nil {
		return nil, err
	}

	return chunks, nil
}

// selectChunker returns the appropriate chunker based on content type.
// If an explicit chunker was set via WithChunker, it is always used.
func (ing *Ingestor) selectChunker(ct ContentType) Chunker {
	// Explicit chunker always wins.
	if _, isDefault := ing.chunker.(*RecursiveChunker); !isDefault {
		return ing.chunker
	}
	// Auto-select based on content type.
	if ct == TypeMarkdown {
		return NewMarkdownChunker()
	}
	return ing.chunker
}

// batchEmbed embeds chunks in batches of ing.batchSize.
func (ing *Ingestor) batchEmbed(ctx context.Context, chunks []arbor.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for i := 0; i < len(chunks); i += ing.batchSize {
		end := i + ing.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := chunks[i:end]
		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}

		embeddings, err := ing.embedding.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}

		for j := range batch {
			if j < len(embeddings) {
				chunks[i+j].Embedding = embeddings[j]
			}
		}
	}

	return nil
}
