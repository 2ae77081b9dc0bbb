package arbor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NodeType tags a WorkflowNode variant. The mapping from type to executor
// is closed: dispatch happens over this tag, not over an interface tree.
type NodeType string

const (
	NodeTool    NodeType = "tool"
	NodeCode    NodeType = "code"
	NodeLLM     NodeType = "llm"
	NodeSwitch  NodeType = "switch"
	NodeLoop    NodeType = "loop"
	NodeMerge   NodeType = "merge"
	NodeAgentic NodeType = "agentic"
)

// NodeStatus is a node's execution state.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeWaiting   NodeStatus = "waiting"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// MergeStrategy selects how a merge node combines its inputs.
type MergeStrategy string

const (
	MergeConcat MergeStrategy = "concat"
	MergeDict   MergeStrategy = "dict"
	MergeFirst  MergeStrategy = "first"
	MergeCustom MergeStrategy = "custom"
)

// CodeToolName is the reserved tool name that marks a node as a code node:
// its args are executed by the sandboxed code runner instead of a tool server.
const CodeToolName = "execute_code"

// WorkflowNode is one typed vertex of a blueprint DAG. Fields beyond the
// common set apply only to the variant named by Type; the parser infers
// Type from the populated fields when the step omits it.
type WorkflowNode struct {
	ID        string   `json:"id"`
	Type      NodeType `json:"node_type,omitempty"`
	Phase     int      `json:"phase,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`

	MaxRetries int        `json:"max_retries,omitempty"`
	Status     NodeStatus `json:"status,omitempty"`
	RetryCount int        `json:"retry_count,omitempty"`

	// tool / code
	ToolName       string            `json:"tool_name,omitempty"`
	Args           map[string]any    `json:"args,omitempty"`
	InputMapping   map[string]string `json:"input_mapping,omitempty"`
	OutputArtifact string            `json:"output_artifact,omitempty"`

	// llm
	Prompt string `json:"prompt,omitempty"`
	System string `json:"system,omitempty"`

	// switch
	Condition   string          `json:"condition,omitempty"`
	TrueBranch  []*WorkflowNode `json:"true_branch,omitempty"`
	FalseBranch []*WorkflowNode `json:"false_branch,omitempty"`

	// loop
	LoopOver     string          `json:"loop_over,omitempty"`
	LoopBody     []*WorkflowNode `json:"loop_body,omitempty"`
	MaxParallel  int             `json:"max_parallel,omitempty"`
	LoopVariable string          `json:"loop_variable,omitempty"`

	// merge
	MergeInputs   []string      `json:"merge_inputs,omitempty"`
	MergeStrategy MergeStrategy `json:"merge_strategy,omitempty"`

	// agentic
	Goal          string   `json:"goal,omitempty"`
	AgentMaxSteps int      `json:"agent_max_steps,omitempty"`
	AgentTools    []string `json:"agent_tools,omitempty"`
}

// NodeResult is the outcome of one executed node.
type NodeResult struct {
	NodeID         string         `json:"node_id"`
	Status         NodeStatus     `json:"status"`
	Output         any            `json:"output,omitempty"`
	Artifacts      map[string]any `json:"artifacts,omitempty"`
	Error          string         `json:"error,omitempty"`
	ChildrenSpawn  []string       `json:"children_spawned,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Usage          Usage          `json:"usage,omitempty"`
}

// ParseBlueprint converts a JSON array of step objects into validated typed
// nodes. Missing node_type is inferred from the populated fields; a step
// without depends_on implicitly depends on every node of the immediately
// preceding phase. Validation is deterministic: duplicate ids, unknown
// dependencies, self-references, and cycles are rejected with stable errors.
func ParseBlueprint(data []byte) ([]*WorkflowNode, error) {
	var nodes []*WorkflowNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, &ValidationError{Subject: "blueprint", Detail: "malformed step list: " + err.Error()}
	}
	if err := prepareBlueprint(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ParseSteps converts in-memory step maps (the planner's native output)
// into validated typed nodes.
func ParseSteps(steps []map[string]any) ([]*WorkflowNode, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, &ValidationError{Subject: "blueprint", Detail: "marshal steps: " + err.Error()}
	}
	return ParseBlueprint(data)
}

// SerializeBlueprint renders nodes as the canonical JSON step list.
// ParseBlueprint(SerializeBlueprint(nodes)) reproduces nodes for any valid list.
func SerializeBlueprint(nodes []*WorkflowNode) ([]byte, error) {
	return json.Marshal(nodes)
}

// prepareBlueprint runs inference, implicit dependency wiring, and
// validation in place.
func prepareBlueprint(nodes []*WorkflowNode) error {
	if err := inferTypes(nodes); err != nil {
		return err
	}
	applyImplicitDeps(nodes)
	return ValidateBlueprint(nodes)
}

// inferTypes fills missing node types and default statuses, recursing
// into switch branches and loop bodies so their nodes arrive typed when
// the executor injects or clones them. Sub-blueprints skip full
// validation here: branch and body nodes may legally depend on ids from
// the enclosing scope.
func inferTypes(nodes []*WorkflowNode) error {
	for _, n := range nodes {
		if n.ID == "" {
			return &ValidationError{Subject: "blueprint", Detail: "step missing id"}
		}
		if n.Type == "" {
			t, err := inferNodeType(n)
			if err != nil {
				return err
			}
			n.Type = t
		}
		if n.Status == "" {
			n.Status = NodePending
		}
		for _, sub := range [][]*WorkflowNode{n.TrueBranch, n.FalseBranch, n.LoopBody} {
			if err := inferTypes(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// inferNodeType derives the variant from the populated fields.
func inferNodeType(n *WorkflowNode) (NodeType, error) {
	switch {
	case n.ToolName == CodeToolName:
		return NodeCode, nil
	case n.ToolName != "":
		return NodeTool, nil
	case n.Condition != "":
		return NodeSwitch, nil
	case n.LoopOver != "":
		return NodeLoop, nil
	case len(n.MergeInputs) > 0:
		return NodeMerge, nil
	case n.Goal != "":
		return NodeAgentic, nil
	case n.Prompt != "":
		return NodeLLM, nil
	default:
		return "", &ValidationError{Subject: n.ID, Detail: "cannot infer node type: no tool_name, prompt, condition, loop_over, merge_inputs, or goal"}
	}
}

// applyImplicitDeps wires nodes without explicit depends_on to all nodes of
// the immediately preceding phase value.
func applyImplicitDeps(nodes []*WorkflowNode) {
	phaseSet := make(map[int]bool)
	byPhase := make(map[int][]string)
	for _, n := range nodes {
		phaseSet[n.Phase] = true
		byPhase[n.Phase] = append(byPhase[n.Phase], n.ID)
	}
	if len(phaseSet) < 2 {
		return
	}
	phases := make([]int, 0, len(phaseSet))
	for p := range phaseSet {
		phases = append(phases, p)
	}
	sort.Ints(phases)
	prev := make(map[int]int, len(phases)) // phase -> preceding phase
	for i := 1; i < len(phases); i++ {
		prev[phases[i]] = phases[i-1]
	}
	for _, n := range nodes {
		if len(n.DependsOn) > 0 {
			continue
		}
		p, ok := prev[n.Phase]
		if !ok {
			continue
		}
		n.DependsOn = append([]string(nil), byPhase[p]...)
	}
}

// ValidateBlueprint checks structural invariants: unique ids, known
// dependency targets, no self-references, and acyclicity (Kahn).
// Merge inputs must also name existing nodes.
func ValidateBlueprint(nodes []*WorkflowNode) error {
	byID := make(map[string]*WorkflowNode, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return &ValidationError{Subject: n.ID, Detail: "duplicate node id"}
		}
		byID[n.ID] = n
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return &ValidationError{Subject: n.ID, Detail: "node depends on itself"}
			}
			if _, ok := byID[dep]; !ok {
				return &ValidationError{Subject: n.ID, Detail: fmt.Sprintf("unknown dependency %q", dep)}
			}
		}
		if n.Type == NodeMerge {
			for _, in := range n.MergeInputs {
				if _, ok := byID[in]; !ok {
					return &ValidationError{Subject: n.ID, Detail: fmt.Sprintf("merge input %q does not exist", in)}
				}
			}
		}
	}

	// Kahn's algorithm: if not all nodes drain, a cycle remains.
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(nodes) {
		var cyclic []string
		for id, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return &ValidationError{Subject: "blueprint", Detail: "dependency cycle involving: " + strings.Join(cyclic, ", ")}
	}
	return nil
}

// --- artifact references and the switch condition evaluator ---

// resolveRef resolves an artifact reference against the store. The form
// "step.name" addresses a specific step's artifact; a bare name scans most
// recent steps first. Template syntax "{{ref}}" is tolerated.
func resolveRef(store *ArtifactStore, ref string) (any, bool) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "{{")
	ref = strings.TrimSuffix(ref, "}}")
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, false
	}
	if step, name, found := strings.Cut(ref, "."); found {
		if v, ok := store.Get(step, name); ok {
			return v, true
		}
	}
	return store.Lookup(ref)
}

// conditionOperators in parsing precedence order: longer operators are
// matched before their single-character prefixes.
var conditionOperators = []string{"!=", "==", ">=", "<=", ">", "<", "contains"}

// evalCondition evaluates a switch node's condition against the store.
// Operands are artifact references or literals; the operator must appear
// space-bounded in the raw expression. A bare reference with no operator
// is truthy when the artifact exists and is non-empty/non-false.
func evalCondition(expr string, store *ArtifactStore) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, &ValidationError{Subject: "switch", Detail: "empty condition"}
	}
	for _, op := range conditionOperators {
		padded := " " + op + " "
		before, after, found := strings.Cut(expr, padded)
		if !found {
			continue
		}
		left := resolveOperand(store, before)
		right := resolveOperand(store, after)
		return evalCompare(left, right, op)
	}
	// Bare reference: truthiness.
	v, ok := resolveRef(store, expr)
	if !ok {
		return false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return t != "" && t != "false" && t != "0", nil
	case float64:
		return t != 0, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

// resolveOperand resolves one side of a condition: quoted strings are
// literals, otherwise an artifact reference is tried before falling back
// to the raw token.
func resolveOperand(store *ArtifactStore, s string) string {
	s = strings.TrimSpace(s)
	if stripped := stripQuotes(s); stripped != s {
		return stripped
	}
	if v, ok := resolveRef(store, s); ok {
		return stringifyArtifact(v)
	}
	return s
}

// evalCompare compares left and right with the given operator. Numeric
// comparison is attempted first; "contains" is always string-based.
func evalCompare(left, right, op string) (bool, error) {
	if op == "contains" {
		return strings.Contains(left, right), nil
	}
	lf, lErr := strconv.ParseFloat(left, 64)
	rf, rErr := strconv.ParseFloat(right, 64)
	if lErr == nil && rErr == nil {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	case ">":
		return left > right, nil
	case "<":
		return left < right, nil
	case ">=":
		return left >= right, nil
	case "<=":
		return left <= right, nil
	default:
		return false, fmt.Errorf("condition: unsupported operator %q", op)
	}
}

// stripQuotes removes surrounding single or double quotes from a literal.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
