package arbor

// StdioEnvelope is the universal output of any kernel cell: a content
// payload on stdout, failures and warnings on stderr, and execution
// metadata. The host process formats it into HTTP/SSE/chat shapes.
type StdioEnvelope struct {
	Stdout   EnvelopeStdout   `json:"stdout"`
	Stderr   EnvelopeStderr   `json:"stderr"`
	Metadata EnvelopeMetadata `json:"metadata"`
}

// EnvelopeStdout carries the cell's research product.
type EnvelopeStdout struct {
	Content     string      `json:"content"`
	WorkPackage WorkPackage `json:"work_package"`
	KeyFindings []string    `json:"key_findings,omitempty"`
}

// WorkPackage is the structured artifact bundle attached to an envelope,
// summarizing a cell's research product.
type WorkPackage struct {
	Summary     string         `json:"summary"`
	Artifacts   []WorkArtifact `json:"artifacts,omitempty"`
	KeyFindings []string       `json:"key_findings,omitempty"`
}

// WorkArtifact is one named value published into a work package.
type WorkArtifact struct {
	Name   string `json:"name"`
	StepID string `json:"step_id,omitempty"`
	Value  any    `json:"value"`
}

// EnvelopeStderr carries failures and warnings accumulated during the cycle.
type EnvelopeStderr struct {
	Failures []TaskFailure `json:"failures,omitempty"`
	Warnings []Warning     `json:"warnings,omitempty"`
}

// TaskFailure records one per-task failure surfaced to the caller.
type TaskFailure struct {
	TaskID         string `json:"task_id"`
	Error          string `json:"error"`
	RecoveryAction string `json:"recovery_action,omitempty"`
}

// Warning is a non-fatal condition worth surfacing (policy block,
// cancellation, budget pressure, unwired argument).
type Warning struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "info", "warning", "error"
}

// EnvelopeMetadata describes how the envelope was produced.
type EnvelopeMetadata struct {
	CellID           string  `json:"cell_id"`
	Level            int     `json:"level"`
	Role             string  `json:"role"`
	Domain           string  `json:"domain,omitempty"`
	Confidence       float64 `json:"confidence"`
	DurationMS       int64   `json:"duration_ms"`
	TokensUsed       int64   `json:"tokens_used"`
	ChildrenCount    int     `json:"children_count"`
	MessagesSent     int     `json:"messages_sent"`
	MessagesReceived int     `json:"messages_received"`
	ToolsUsed        int     `json:"tools_used"`
	Replans          int     `json:"replans"`
}

// warnf appends a warning to the stderr bundle.
func (e *EnvelopeStderr) warnf(typ, severity, msg string) {
	e.Warnings = append(e.Warnings, Warning{Type: typ, Message: msg, Severity: severity})
}

// fail appends a task failure to the stderr bundle.
func (e *EnvelopeStderr) fail(taskID string, err error, recovery string) {
	if err == nil {
		return
	}
	e.Failures = append(e.Failures, TaskFailure{TaskID: taskID, Error: err.Error(), RecoveryAction: recovery})
}
