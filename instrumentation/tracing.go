package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual credential values (access tokens, refresh
// tokens, authorization codes, client secrets) in traces or metrics. Only
// metadata such as entity type, client ID and result.
const (
	AttrClientID  = "oauth.client_id"  // Client identifier (non-secret)
	AttrCodeReuse = "oauth.code.reuse" // Whether code reuse was detected (boolean)

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageBackend   = "storage.backend"
	AttrStorageEntity    = "storage.entity"

	// Transaction attributes
	AttrTxOps     = "storage.tx.ops"
	AttrTxOutcome = "storage.tx.outcome"

	// Health attributes
	AttrHealthStatus = "storage.health.status"
)

// Results that are part of normal operation and do not mark a span as failed.
var expectedResults = map[string]bool{
	"success":        true,
	"not_found":      true,
	"already_exists": true,
}

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, backend string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageBackend, backend),
	)
}

// AddClientAttributes adds the client ID to a span (nil-safe)
func AddClientAttributes(span trace.Span, clientID string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
}

// StorageOp ties a span to the storage operation metrics for one call.
// A StorageOp from a nil *Instrumentation is a no-op.
type StorageOp struct {
	inst      *Instrumentation
	span      trace.Span
	backend   string
	operation string
	start     time.Time
}

// StartStorageOperation starts a span named "storage.{operation}" and returns
// a StorageOp that must be ended with End.
func (i *Instrumentation) StartStorageOperation(ctx context.Context, backend, operation string) (context.Context, *StorageOp) {
	op := &StorageOp{inst: i, backend: backend, operation: operation, start: time.Now()}
	if i == nil {
		return ctx, op
	}

	ctx, op.span = i.Tracer("storage").Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrStorageOperation, operation),
			attribute.String(AttrStorageBackend, backend),
		))
	return ctx, op
}

// Span returns the operation span, or nil for a no-op StorageOp.
func (o *StorageOp) Span() trace.Span {
	return o.span
}

// End records the result and ends the span. result is a low-cardinality label
// such as storage.ResultLabel(err).
func (o *StorageOp) End(ctx context.Context, result string, err error) {
	if o == nil || o.inst == nil {
		return
	}

	durationMs := float64(time.Since(o.start).Microseconds()) / 1000
	o.inst.metrics.RecordStorageOperation(ctx, o.backend, o.operation, result, durationMs)

	SetSpanAttributes(o.span, attribute.String(AttrStorageResult, result))
	if err != nil && !expectedResults[result] {
		RecordError(o.span, err)
	} else {
		SetSpanSuccess(o.span)
	}
	o.span.End()
}
