// Package tracing wraps OpenTelemetry for the change tracking engine.
//
// Spans are created from an injected trace.TracerProvider. When none is
// given the global provider is used, which is a no-op until the host
// installs an SDK.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used for every span.
const InstrumentationName = "changetrack"

// Span names.
const (
	SpanIngest      = "changetrack.Ingest"
	SpanIngestBatch = "changetrack.IngestBatch"
	SpanTransition  = "changetrack.SetStatus"
	SpanBulk        = "changetrack.Bulk"
	SpanSnapshot    = "changetrack.Snapshot"
	SpanRecover     = "changetrack.Recover"
	SpanOpen        = "changetrack.Open"
	SpanClose       = "changetrack.Close"
	SpanRelease     = "changetrack.ReleaseBatch"
)

// Attribute keys.
const (
	KeyDocumentID   = attribute.Key("changetrack.document_id")
	KeyChangeID     = attribute.Key("changetrack.change_id")
	KeyClusterID    = attribute.Key("changetrack.cluster_id")
	KeyOperationID  = attribute.Key("changetrack.operation_id")
	KeyBulkKind     = attribute.Key("changetrack.bulk_kind")
	KeyChangeCount  = attribute.Key("changetrack.change_count")
	KeyStateVersion = attribute.Key("changetrack.state_version")
	KeyStrategy     = attribute.Key("changetrack.strategy")
	KeyDegraded     = attribute.Key("changetrack.degraded")
	KeyTrigger      = attribute.Key("changetrack.trigger")
)

// Tracer starts engine spans.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer over tp, or over the global provider when tp is nil.
func New(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// Start opens a span. A nil Tracer uses the global provider.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(InstrumentationName)
	if t != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartDocument opens a span tagged with a document id.
func (t *Tracer) StartDocument(ctx context.Context, name, documentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, name, append([]attribute.KeyValue{KeyDocumentID.String(documentID)}, attrs...)...)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Event adds a named event to the span in ctx.
func Event(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceID returns the trace id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
