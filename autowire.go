package arbor

import (
	"fmt"
	"sort"
	"strings"
)

// AutoWireConfig holds the empirical scoring thresholds. They are config,
// not constants: deployments tune them as tool schemas drift.
type AutoWireConfig struct {
	ExactNameScore   float64 // exact argument-name match
	ContainmentScore float64 // name contains artifact name or vice versa
	TypeMatchScore   float64 // value type compatible with schema type
	TypeMismatch     float64 // subtracted on incompatible type
	AcceptThreshold  float64 // minimum score to wire a candidate
}

// DefaultAutoWireConfig returns the shipped thresholds.
func DefaultAutoWireConfig() AutoWireConfig {
	return AutoWireConfig{
		ExactNameScore:   1.0,
		ContainmentScore: 0.5,
		TypeMatchScore:   0.3,
		TypeMismatch:     -1.0,
		AcceptThreshold:  0.6,
	}
}

// AutoWirer fills required tool arguments that the blueprint left unbound
// by scanning the cell's artifact store, most recent artifacts first.
type AutoWirer struct {
	cfg AutoWireConfig
}

// NewAutoWirer creates a wirer with the given thresholds.
func NewAutoWirer(cfg AutoWireConfig) *AutoWirer {
	return &AutoWirer{cfg: cfg}
}

// Wire returns explicit inputs plus wired values for every required
// argument the schema names that explicit inputs omit. An unresolved
// required argument is a pre-call validation error: the node fails fast
// instead of executing with defaults.
func (w *AutoWirer) Wire(schema ToolSchema, explicit map[string]any, store *ArtifactStore) (map[string]any, error) {
	out := make(map[string]any, len(explicit)+len(schema.Required))
	for k, v := range explicit {
		out[k] = v
	}

	var missing []string
	flat := store.Flatten()
	for _, arg := range schema.Required {
		if _, ok := out[arg]; ok {
			continue
		}
		prop := schema.Properties[arg]
		if candidate, ok := w.bestCandidate(arg, prop, flat); ok {
			out[arg] = candidate.Value
			continue
		}
		missing = append(missing, arg)
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, Tag(KindPermanent, &ValidationError{
			Subject: "autowire",
			Detail:  fmt.Sprintf("no artifact candidate for required arguments: %s", strings.Join(missing, ", ")),
		})
	}
	return out, nil
}

// bestCandidate scores every artifact against one required argument and
// returns the highest scorer at or above the acceptance threshold. The
// flat scan is most-recent first, so ties go to the newest artifact.
func (w *AutoWirer) bestCandidate(arg string, prop SchemaProperty, flat []FlatArtifact) (FlatArtifact, bool) {
	var best FlatArtifact
	var bestScore float64
	found := false
	for _, a := range flat {
		score := w.score(arg, prop, a)
		if score < w.cfg.AcceptThreshold {
			continue
		}
		if !found || score > bestScore {
			best, bestScore, found = a, score, true
		}
	}
	return best, found
}

// score rates one artifact as a candidate for one argument.
func (w *AutoWirer) score(arg string, prop SchemaProperty, a FlatArtifact) float64 {
	var score float64
	argLower := strings.ToLower(arg)
	nameLower := strings.ToLower(a.Name)

	if argLower == nameLower {
		score += w.cfg.ExactNameScore
	} else if strings.Contains(argLower, nameLower) || strings.Contains(nameLower, argLower) {
		score += w.cfg.ContainmentScore
	}

	if prop.Type != "" {
		if typeCompatible(prop.Type, a.Value) {
			score += w.cfg.TypeMatchScore
		} else {
			score += w.cfg.TypeMismatch
		}
	}
	return score
}

// typeCompatible reports whether a Go value satisfies a JSON schema type.
func typeCompatible(schemaType string, v any) bool {
	switch schemaType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true // unknown schema type: don't penalize
	}
}
