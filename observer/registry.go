package observer

import (
	"context"
	"time"

	arbor "github.com/ossian/arbor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedRegistry wraps an arbor.SessionRegistry to emit spans, metrics,
// and logs for every external tool call and semantic search. When the inner
// registry also implements arbor.BatchExecutor, batch fan-outs pass through
// with a parent span covering the whole batch.
type ObservedRegistry struct {
	inner arbor.SessionRegistry
	inst  *Instruments
}

// WrapRegistry returns an instrumented session registry.
func WrapRegistry(inner arbor.SessionRegistry, inst *Instruments) *ObservedRegistry {
	return &ObservedRegistry{inner: inner, inst: inst}
}

func (o *ObservedRegistry) Lookup(name string) (arbor.ToolInfo, bool) {
	return o.inner.Lookup(name)
}

func (o *ObservedRegistry) Search(ctx context.Context, query string, k int, minSimilarity float64) ([]arbor.ToolInfo, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.search", trace.WithAttributes(
		AttrSearchQuery.String(query),
	))
	defer span.End()

	hits, err := o.inner.Search(ctx, query, k, minSimilarity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(AttrSearchHits.Int(len(hits)))
	return hits, nil
}

func (o *ObservedRegistry) Execute(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(tool),
		AttrToolServer.String(server),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Execute(ctx, server, tool, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(out)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(tool),
		AttrToolServer.String(server),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(tool),
		AttrToolServer.String(server),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", tool),
		otellog.String("tool.server", server),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(out)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}

// ExecuteBatch delegates to the inner registry's batch fan-out under a
// parent span. Falls back to sequential Execute when the inner registry
// is not a BatchExecutor.
func (o *ObservedRegistry) ExecuteBatch(ctx context.Context, calls []arbor.BatchCall) []arbor.BatchResult {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute_batch", trace.WithAttributes(
		AttrToolCount.Int(len(calls)),
	))
	defer span.End()

	if be, ok := o.inner.(arbor.BatchExecutor); ok {
		results := be.ExecuteBatch(ctx, calls)
		for i, r := range results {
			status := "ok"
			if r.Err != nil {
				status = "error"
			}
			o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
				AttrToolName.String(calls[i].Tool),
				AttrToolServer.String(calls[i].Server),
				attribute.String("status", status),
			))
		}
		return results
	}

	results := make([]arbor.BatchResult, len(calls))
	for i, c := range calls {
		out, err := o.Execute(ctx, c.Server, c.Tool, c.Args)
		results[i] = arbor.BatchResult{Output: out, Err: err}
	}
	return results
}

var (
	_ arbor.SessionRegistry = (*ObservedRegistry)(nil)
	_ arbor.BatchExecutor   = (*ObservedRegistry)(nil)
)
