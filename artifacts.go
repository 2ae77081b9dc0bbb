package arbor

import (
	"encoding/json"
	"sync"
)

// ArtifactStore is a per-cell keyed store: step_id -> {artifact_name -> value}.
// Values are arbitrary blobs; the store does not interpret them. Writes from
// concurrent siblings are serialized; last writer wins at a given
// (step, name) pair, though siblings conventionally write to distinct keys.
// Safe for concurrent use.
type ArtifactStore struct {
	mu    sync.RWMutex
	steps map[string]map[string]any
	order []string // step ids in first-write order, for the flat scan
}

// NewArtifactStore creates an empty store. The store lives as long as its
// cell; a child publishes named artifacts back to the parent's store on
// completion.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{steps: make(map[string]map[string]any)}
}

// Put stores a named artifact under a step.
func (s *ArtifactStore) Put(stepID, name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepID]
	if !ok {
		step = make(map[string]any)
		s.steps[stepID] = step
		s.order = append(s.order, stepID)
	}
	step[name] = value
}

// PutAll stores all artifacts from a name->value map under a step.
func (s *ArtifactStore) PutAll(stepID string, artifacts map[string]any) {
	for name, v := range artifacts {
		s.Put(stepID, name, v)
	}
}

// Get returns the artifact stored under (stepID, name).
func (s *ArtifactStore) Get(stepID, name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepID]
	if !ok {
		return nil, false
	}
	v, ok := step[name]
	return v, ok
}

// Lookup finds an artifact by name alone, scanning most recent steps first.
// Used to resolve bare artifact references in blueprints.
func (s *ArtifactStore) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if v, ok := s.steps[s.order[i]][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Step returns a copy of all artifacts published under a step.
func (s *ArtifactStore) Step(stepID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepID]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(step))
	for k, v := range step {
		out[k] = v
	}
	return out
}

// FlatArtifact is one entry of the flattened scan used by auto-wiring.
type FlatArtifact struct {
	StepID string
	Name   string
	Value  any
}

// Flatten returns all artifacts most-recent-step first. Within a step the
// name order is unspecified.
func (s *ArtifactStore) Flatten() []FlatArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FlatArtifact
	for i := len(s.order) - 1; i >= 0; i-- {
		stepID := s.order[i]
		for name, v := range s.steps[stepID] {
			out = append(out, FlatArtifact{StepID: stepID, Name: name, Value: v})
		}
	}
	return out
}

// Len returns the total artifact count.
func (s *ArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, step := range s.steps {
		n += len(step)
	}
	return n
}

// Steps returns the step ids in first-write order.
func (s *ArtifactStore) Steps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// stringifyArtifact renders an artifact value for prompts and summaries.
func stringifyArtifact(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
