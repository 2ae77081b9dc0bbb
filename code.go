package arbor

import (
	"context"
	"time"
)

// CodeRunner executes model-written code in a sandbox. DAG code nodes
// hand their generated source here; implementations control the runtime
// (subprocess, container). The dispatch function bridges the sandbox
// back to the session registry so running code can invoke any
// registered tool.
type CodeRunner interface {
	// Run executes req and returns the result. Code calls registered
	// tools through dispatch via call_tool().
	Run(ctx context.Context, req CodeRequest, dispatch DispatchFunc) (CodeResult, error)
}

// CodeRequest is the input to CodeRunner.Run.
type CodeRequest struct {
	// Code is the source to execute.
	Code string `json:"code"`
	// Runtime selects the execution environment ("python", "node").
	// Empty defaults to "python".
	Runtime string `json:"runtime,omitempty"`
	// Timeout caps execution time. Zero means the runner default.
	Timeout time.Duration `json:"-"`
	// SessionID keeps a workspace directory alive across executions
	// with the same ID. Empty means an isolated per-execution workspace.
	SessionID string `json:"session_id,omitempty"`
	// Files are placed in the workspace before execution: Name + Data
	// for inline bytes, or Name + URL for the sandbox to download.
	Files []CodeFile `json:"files,omitempty"`
}

// CodeResult is the output of CodeRunner.Run.
type CodeResult struct {
	// Output is the structured result the code set via set_result().
	Output string `json:"output"`
	// Logs captures print() output and stderr.
	Logs string `json:"logs,omitempty"`
	// ExitCode is the process exit code, zero on success.
	ExitCode int `json:"exit_code"`
	// Error describes an execution failure such as a timeout or a
	// syntax error.
	Error string `json:"error,omitempty"`
	// Files were returned explicitly via set_result(files=[...]).
	Files []CodeFile `json:"files,omitempty"`
}

// CodeFile is a file moved between the engine and the sandbox. Inputs
// carry Name + Data or Name + URL; outputs carry Name + MIME + Data.
type CodeFile struct {
	Name string `json:"name"`
	// MIME is set on output files ("image/png", "text/csv").
	MIME string `json:"mime,omitempty"`
	// Data holds inline bytes. Tagged json:"-" because the wire format
	// carries base64 in a separate field.
	Data []byte `json:"-"`
	// URL is an alternative to Data for inputs; the sandbox fetches it
	// with an HTTP GET.
	URL string `json:"url,omitempty"`
}
