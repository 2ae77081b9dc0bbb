package arbor

import "context"

// Tracer opens spans around the engine's units of work: classification,
// cell processing, DAG node execution, retrieval, and pool ingestion.
// The observer package provides an OTEL-backed implementation; where no
// Tracer is configured, callers skip span creation entirely.
type Tracer interface {
	// Start opens a span under ctx and returns a child context carrying
	// it. The caller must End the span when the operation finishes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation in flight.
type Span interface {
	// SetAttr attaches attributes after creation, for values only known
	// once the operation has run (token counts, result sizes).
	SetAttr(attrs ...SpanAttr)
	// Event records a point-in-time annotation on the span.
	Event(name string, attrs ...SpanAttr)
	// Error records err and marks the span failed.
	Error(err error)
	// End closes the span. Call exactly once.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// Typed attribute constructors, mirroring the OTEL attribute kinds the
// observer package maps onto.

func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }
