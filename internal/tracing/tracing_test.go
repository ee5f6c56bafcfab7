package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return New(tp), rec
}

// =============================================================================
// Span Tests
// =============================================================================

func TestStartDocumentAttributes(t *testing.T) {
	tr, rec := newRecorder(t)

	ctx, span := tr.StartDocument(context.Background(), SpanIngest, "doc-1", KeyChangeCount.Int(3))
	assert.NotEmpty(t, TraceID(ctx))
	End(span, nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanIngest, spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "doc-1", attrs[string(KeyDocumentID)])
	assert.Equal(t, int64(3), attrs[string(KeyChangeCount)])
}

func TestEndRecordsError(t *testing.T) {
	tr, rec := newRecorder(t)

	_, span := tr.Start(context.Background(), SpanSnapshot)
	End(span, errors.New("disk full"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "disk full", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestChildSpanSharesTrace(t *testing.T) {
	tr, rec := newRecorder(t)

	ctx, parent := tr.Start(context.Background(), SpanBulk)
	Event(ctx, "bulk.begin", KeyBulkKind.String("accept_all"))
	_, child := tr.Start(ctx, SpanSnapshot)
	End(child, nil)
	End(parent, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext().TraceID(), spans[1].SpanContext().TraceID())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Len(t, spans[1].Events(), 1)
}

func TestNilTracerUsesGlobal(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.Start(context.Background(), SpanOpen)
	End(span, nil)
	// The default global provider is a no-op and produces no trace id.
	assert.Empty(t, TraceID(ctx))
}
