package mcp

import (
	"math"
	"sort"
	"sync"

	"github.com/ossian/arbor"
)

// indexEntry pairs a tool's registry info with its embedding.
type indexEntry struct {
	info      arbor.ToolInfo
	embedding []float32
}

// Index is the in-memory tool index: exact lookup by name plus cosine
// scan for semantic discovery. Safe for concurrent use; the registry
// upserts on server ingest and reads on every node execution.
type Index struct {
	mu      sync.RWMutex
	byName  map[string]*indexEntry
	ordered []*indexEntry
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{byName: make(map[string]*indexEntry)}
}

// Upsert adds or replaces a tool entry. An existing entry keeps its slot
// so scan order stays stable across re-ingests.
func (x *Index) Upsert(info arbor.ToolInfo, embedding []float32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.byName[info.Name]; ok {
		e.info = info
		e.embedding = embedding
		return
	}
	e := &indexEntry{info: info, embedding: embedding}
	x.byName[info.Name] = e
	x.ordered = append(x.ordered, e)
}

// Lookup resolves an exact tool name.
func (x *Index) Lookup(name string) (arbor.ToolInfo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byName[name]
	if !ok {
		return arbor.ToolInfo{}, false
	}
	return e.info, true
}

// RemoveServer drops every tool registered under server.
func (x *Index) RemoveServer(server string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	kept := x.ordered[:0]
	for _, e := range x.ordered {
		if e.info.Server == server {
			delete(x.byName, e.info.Name)
			continue
		}
		kept = append(kept, e)
	}
	x.ordered = kept
}

// Search returns the top-k entries by cosine similarity to the query
// embedding, dropping scores below minSimilarity.
func (x *Index) Search(query []float32, k int, minSimilarity float64) []arbor.ToolInfo {
	x.mu.RLock()
	scored := make([]arbor.ToolInfo, 0, len(x.ordered))
	for _, e := range x.ordered {
		score := cosineSimilarity(query, e.embedding)
		if score < minSimilarity {
			continue
		}
		info := e.info
		info.Score = score
		scored = append(scored, info)
	}
	x.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Len returns the number of indexed tools.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ordered)
}

// All returns a snapshot of every indexed tool.
func (x *Index) All() []arbor.ToolInfo {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]arbor.ToolInfo, len(x.ordered))
	for i, e := range x.ordered {
		out[i] = e.info
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
