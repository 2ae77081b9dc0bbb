package ingest

import (
	"context"
	"io"
	"strings"
	"testing"

	arbor "github.com/ossian/arbor"
)

// --- test doubles ---

type mockEmbedding struct {
	callCount  int
	batchSizes []int
}

func (m *mockEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.callCount++
	m.batchSizes = append(m.batchSizes, len(texts))
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = make([]float32, 8)
	}
	return result, nil
}
func (m *mockEmbedding) Dimensions() int { return 8 }
func (m *mockEmbedding) Name() string    { return "mock" }

type mockStore struct {
	documents []arbor.Document
	chunks    []arbor.Chunk
}

func (s *mockStore) StoreDocument(_ context.Context, doc arbor.Document, chunks []arbor.Chunk) error {
	s.documents = append(s.documents, doc)
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *mockStore) SearchChunks(context.Context, []float32, int) ([]arbor.Chunk, error) {
	return nil, nil
}

// --- tests ---

func TestIngestorIngestText(t *testing.T) {
	store := &mockStore{}
	emb := &mockEmbedding{}
	ing := NewIngestor(store, emb)

	r, err := ing.IngestText(context.Background(), "Hello, world!", "test", "Test Doc")
	if err != nil {
		t.Fatal(err)
	}
	if r.DocumentID == "" {
		t.Error("expected document ID")
	}
	if r.Document.Title != "Test Doc" {
		t.Errorf("wrong title: %s", r.Document.Title)
	}
	if r.ChunkCount != 1 {
		t.Errorf("expected 1 chunk, got %d", r.ChunkCount)
	}
	if len(store.documents) != 1 {
		t.Error("document not stored")
	}
	if len(store.chunks) != 1 {
		t.Error("chunk not stored")
	}
	// Chunk should have embedding.
	if len(store.chunks[0].Embedding) == 0 {
		t.Error("chunk missing embedding")
	}
}

func TestIngestorIngestFile(t *testing.T) {
	store := &mockStore{}
	emb := &mockEmbedding{}
	ing := NewIngestor(store, emb)

	r, err := ing.IngestFile(context.Background(), []byte("<p>Hello</p>"), "page.html")
	if err != nil {
		t.Fatal(err)
	}
	if r.Document.Title != "page.html" {
		t.Errorf("wrong title: %s", r.Document.Title)
	}
	if r.Document.MIME != string(TypeHTML) {
		t.Errorf("wrong mime: %s", r.Document.MIME)
	}
	if r.ChunkCount == 0 {
		t.Error("expected chunks")
	}
}

func TestIngestorIngestReader(t *testing.T) {
	store := &mockStore{}
	emb := &mockEmbedding{}
	ing := NewIngestor(store, emb)

	r, err := ing.IngestReader(context.Background(), io.NopCloser(strings.NewReader("test content")), "file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if r.ChunkCount != 1 {
		t.Errorf("expected 1 chunk, got %d", r.ChunkCount)
	}
}

func TestIngestorBatchEmbedding(t *testing.T) {
	store := &mockStore{}
	emb := &mockEmbedding{}
	ing := NewIngestor(store, emb,
		WithBatchSize(2),
		WithChunker(NewRecursiveChunker(WithMaxTokens(25), WithOverlapTokens(0))),
	)

	// Create text with many paragraphs to produce >2 chunks.
	var parts []string
	for i := 0; i < 20; i++ {
		parts = append(parts, "This is paragraph number one with several words.")
	}
	text := strings.Join(parts, "\n\n")

	r, err := ing.IngestText(context.Background(), text, "test", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.ChunkCount <= 2 {
		t.Fatalf("expected >2 chunks for batching test, got %d", r.ChunkCount)
	}
	// With batch size 2, we should have multiple embed calls.
	if emb.callCount < 2 {
		t.Errorf("expected multiple embed batches, got %d calls", emb.callCount)
	}
}

func TestIngestorCustomExtractor(t *testing.T) {
	store := &mockStore{}
	emb := &mockEmbedding{}

	customType := ContentType("text/custom")
	custom := PlainTextExtractor{} // just reuse plain text for testing

	ing := NewIngestor(store, emb, WithExtractor(customType, custom))

	// Verify the extractor was registered.
	if _, ok := ing.extractors[customType]; !ok {
		t.Error("custom extractor not registered")
	}
}

func TestIngestorWithChunker(t *testing.T) {
	store := &mockStore{}
	emb := &mockEmbedding{}
	rc := NewRecursiveChunker(WithMaxTokens(100))

	ing := NewIngestor(store, emb, WithChunker(rc))
	r, err := ing.IngestText(context.Background(), "Hello", "test", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.ChunkCount != 1 {
		t.Errorf("expected 1 chunk, got %d", r.ChunkCount)
	}
}

func TestIngestorChunkIndexOrdering(t *testing.T) {
	store := &mockStore{}
	emb := &mockEmbedding{}
	ing := NewIngestor(store, emb,
		WithChunker(NewRecursiveChunker(WithMaxTokens(25), WithOverlapTokens(0))),
	)

	var parts []string
	for i := 0; i < 10; i++ {
		parts = append(parts, "Another paragraph with a handful of words in it.")
	}
	_, err := ing.IngestText(context.Background(), strings.Join(parts, "\n\n"), "test", "")
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range store.chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
	}
}
