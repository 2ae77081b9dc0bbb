package arbor

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// nopStore satisfies the Store interface with no-ops.
// Embed this in test-specific store structs to avoid implementing every method.
type nopStore struct{}

func (nopStore) CreateBatch(_ context.Context, _ []MicroTask) (string, error) { return "", nil }
func (nopStore) LeaseTasks(_ context.Context, _ int, _ time.Duration) ([]MicroTask, error) {
	return nil, nil
}
func (nopStore) CompleteTask(_ context.Context, _, _, _ string) error { return nil }
func (nopStore) FailTask(_ context.Context, _, _ string, _ bool, _ time.Duration) error {
	return nil
}
func (nopStore) SweepDependents(_ context.Context, _ string) (int, error) { return 0, nil }
func (nopStore) BatchStatus(_ context.Context, _ string) (BatchCounts, BatchStatus, error) {
	return BatchCounts{}, BatchPending, nil
}
func (nopStore) CompleteBatchIfDone(_ context.Context, _ string) (bool, error) { return false, nil }
func (nopStore) CountProcessing(_ context.Context) (int, error)                { return 0, nil }

func (nopStore) CreateJob(_ context.Context, _ ResearchJob) error { return nil }
func (nopStore) GetJob(_ context.Context, _ string) (ResearchJob, error) {
	return ResearchJob{}, nil
}
func (nopStore) UpdateJobProgress(_ context.Context, _ string, _ JobStatus, _ float64) error {
	return nil
}
func (nopStore) CompleteJob(_ context.Context, _ string, _ json.RawMessage) error { return nil }
func (nopStore) FailJob(_ context.Context, _, _ string) error                     { return nil }
func (nopStore) ListJobs(_ context.Context, _ string, _ int) ([]ResearchJob, error) {
	return nil, nil
}

func (nopStore) AddPoolItems(_ context.Context, _ []PoolItem) error { return nil }
func (nopStore) UpdatePoolItem(_ context.Context, _ string, _ PoolItemStatus, _ string) error {
	return nil
}
func (nopStore) ListPoolItems(_ context.Context, _ PoolItemStatus, _ int) ([]PoolItem, error) {
	return nil, nil
}
func (nopStore) PoolStatus(_ context.Context, _ string) (PoolCounts, error) {
	return PoolCounts{}, nil
}

func (nopStore) StoreDocument(_ context.Context, _ Document, _ []Chunk) error { return nil }
func (nopStore) SearchChunks(_ context.Context, _ []float32, _ int) ([]Chunk, error) {
	return nil, nil
}

func (nopStore) SaveToolRegistrations(_ context.Context, _ []ToolRegistration) error { return nil }
func (nopStore) LoadToolRegistrations(_ context.Context) ([]ToolRegistration, error) {
	return nil, nil
}
func (nopStore) RecordToolCall(_ context.Context, _ string, _ time.Duration) error { return nil }

func (nopStore) Init(_ context.Context) error { return nil }
func (nopStore) Close() error                 { return nil }

var _ Store = nopStore{}

// scriptedProvider returns canned ChatResponses in order and records every
// request it receives. Thread-safe; shared across root-package tests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return ChatResponse{}, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return ChatResponse{}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err == nil && resp.Content != "" {
		ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}
	}
	close(ch)
	return resp, err
}

var _ Provider = (*scriptedProvider)(nil)

// stubEmbedding returns the same vector for every input text.
// A zero-value stubEmbedding returns unit vectors of dimension 4.
type stubEmbedding struct {
	vector []float32
}

func (e *stubEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vec := e.vector
	if len(vec) == 0 {
		vec = []float32{1, 0, 0, 0}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = vec
	}
	return out, nil
}

func (e *stubEmbedding) Dimensions() int {
	if len(e.vector) > 0 {
		return len(e.vector)
	}
	return 4
}

func (e *stubEmbedding) Name() string { return "stub" }

var _ EmbeddingProvider = (*stubEmbedding)(nil)
