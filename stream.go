package arbor

import (
	"encoding/json"
	"time"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventCellStart signals a kernel cell has begun its cognitive cycle.
	EventCellStart StreamEventType = "cell-start"
	// EventCellFinish signals a kernel cell has produced its envelope.
	EventCellFinish StreamEventType = "cell-finish"
	// EventNodeStart signals a DAG node is about to run.
	EventNodeStart StreamEventType = "node-start"
	// EventNodeFinish carries the result of a completed DAG node.
	EventNodeFinish StreamEventType = "node-finish"
	// EventToolCallStart signals a tool RPC is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool RPC.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventReplan signals the microplanner changed the remaining plan.
	EventReplan StreamEventType = "replan"
	// EventDegrade signals the governor lowered the parallelism ceiling.
	EventDegrade StreamEventType = "degrade"
	// EventProgress carries a cell's progress fraction (0..1).
	EventProgress StreamEventType = "progress"
)

// StreamEvent is a typed event emitted during engine streaming.
// Consumers receive these on the channel passed to ProcessStream.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Name is the cell, node, or tool name depending on Type.
	Name string `json:"name,omitempty"`
	// Content carries the text delta, node output summary, or tool result.
	Content string `json:"content,omitempty"`
	// Args carries the tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// Progress is the completion fraction (progress events only).
	Progress float64 `json:"progress,omitempty"`
	// Usage carries token usage for events that consumed tokens.
	Usage Usage `json:"usage,omitempty"`
	// Duration is how long the operation took (finish/result events).
	Duration time.Duration `json:"duration,omitempty"`
}
