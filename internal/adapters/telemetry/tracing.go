// Package telemetry turns coordinator events into OpenTelemetry spans and
// metrics.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/domain"
)

// TracingHandler opens a span per coordinator operation and closes it when
// the operation finishes or fails.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // operation id -> span
}

func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

func (h *TracingHandler) Handle(e application.Event) {
	switch e.Kind {
	case application.EventOperationStarted:
		h.handleStarted(e)
	case application.EventOperationFinished, application.EventOperationFailed:
		h.handleEnded(e)
	case application.EventStateChanged:
		h.addEventToAll(e, attribute.String("lattice.auth_state", e.State.String()))
	}
}

func (h *TracingHandler) handleStarted(e application.Event) {
	_, span := h.tracer.Start(context.Background(), "lattice."+e.Operation,
		trace.WithAttributes(
			attribute.String("lattice.account", e.Account),
			attribute.String("lattice.operation", e.Operation),
			attribute.String("lattice.operation_id", e.OperationID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.spans[e.OperationID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleEnded(e application.Event) {
	h.mu.Lock()
	span, ok := h.spans[e.OperationID]
	if ok {
		delete(h.spans, e.OperationID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(attribute.String("lattice.duration", e.Elapsed.String()))
	if e.Kind == application.EventOperationFailed && e.Err != nil {
		span.SetAttributes(attribute.String("lattice.failure_class", domain.ClassifyAuthFailure(e.Err).String()))
		span.RecordError(e.Err, trace.WithTimestamp(e.Time))
		span.SetStatus(codes.Error, domain.DescribeError(e.Err))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// addEventToAll records state transitions on every operation still open,
// since a transition is caused by whichever operation is running.
func (h *TracingHandler) addEventToAll(e application.Event, attrs ...attribute.KeyValue) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, span := range h.spans {
		span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
	}
}

// ActiveSpanContext returns the span context of an open operation, or an
// empty one.
func (h *TracingHandler) ActiveSpanContext(operationID string) trace.SpanContext {
	h.mu.Lock()
	span, ok := h.spans[operationID]
	h.mu.Unlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}
