package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/domain"
)

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return exporter, tp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()

	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, point := range sum.DataPoints {
		total += point.Value
	}
	return total
}

func TestTracingHandlerSpanPerOperation(t *testing.T) {
	exporter, tp := newTestTracer()
	h := NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(application.Event{
		Kind:        application.EventOperationStarted,
		Operation:   "login",
		OperationID: "op-1",
		Account:     "default",
		Time:        now,
	})
	assert.True(t, h.ActiveSpanContext("op-1").IsValid())

	h.Handle(application.Event{
		Kind:  application.EventStateChanged,
		State: domain.AuthStateLoggingIn,
		Time:  now.Add(time.Millisecond),
	})
	h.Handle(application.Event{
		Kind:        application.EventOperationFinished,
		Operation:   "login",
		OperationID: "op-1",
		Time:        now.Add(20 * time.Millisecond),
		Elapsed:     20 * time.Millisecond,
	})

	assert.False(t, h.ActiveSpanContext("op-1").IsValid())
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "lattice.login", span.Name)
	assert.Equal(t, otelcodes.Ok, span.Status.Code)
	require.Len(t, span.Events, 1)
	assert.Equal(t, string(application.EventStateChanged), span.Events[0].Name)

	attrs := map[string]string{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "default", attrs["lattice.account"])
	assert.Equal(t, "op-1", attrs["lattice.operation_id"])
	assert.Equal(t, "20ms", attrs["lattice.duration"])
}

func TestTracingHandlerFailedOperation(t *testing.T) {
	exporter, tp := newTestTracer()
	h := NewTracingHandler(tp.Tracer("test"))
	now := time.Now()
	cause := &domain.MatrixError{Code: domain.ErrCodeForbidden, StatusCode: 403, Message: "Invalid password"}

	h.Handle(application.Event{Kind: application.EventOperationStarted, Operation: "login", OperationID: "op-2", Time: now})
	h.Handle(application.Event{
		Kind:        application.EventOperationFailed,
		Operation:   "login",
		OperationID: "op-2",
		Time:        now.Add(time.Millisecond),
		Err:         cause,
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, otelcodes.Error, spans[0].Status.Code)
	assert.Equal(t, "Invalid username or password", spans[0].Status.Description)
	require.NotEmpty(t, spans[0].Events)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestTracingHandlerIgnoresUnknownOperation(t *testing.T) {
	exporter, tp := newTestTracer()
	h := NewTracingHandler(tp.Tracer("test"))

	h.Handle(application.Event{Kind: application.EventOperationFinished, OperationID: "missing"})
	assert.Empty(t, exporter.GetSpans())
}

func TestMetricsHandlerCountsOperations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h, err := NewMetricsHandler(mp.Meter("test"))
	require.NoError(t, err)

	h.Handle(application.Event{Kind: application.EventOperationFinished, Operation: "login", Elapsed: 150 * time.Millisecond})
	h.Handle(application.Event{
		Kind:      application.EventOperationFailed,
		Operation: "start_sync",
		Elapsed:   time.Second,
		Err:       &domain.MatrixError{Code: domain.ErrCodeUnknownToken, StatusCode: 401},
	})
	h.Handle(application.Event{Kind: application.EventSyncReceived, Account: "default"})
	h.Handle(application.Event{Kind: application.EventSyncReceived, Account: "default"})
	h.Handle(application.Event{Kind: application.EventStateChanged, State: domain.AuthStateAuthenticated})
	h.Handle(application.Event{Kind: application.EventOperationStarted, Operation: "logout"})

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumOf(t, findMetric(rm, "lattice.operations")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "lattice.operation.failures")))
	assert.Equal(t, int64(2), sumOf(t, findMetric(rm, "lattice.sync.responses")))
	assert.Equal(t, int64(1), sumOf(t, findMetric(rm, "lattice.state.transitions")))

	failures := findMetric(rm, "lattice.operation.failures").Data.(metricdata.Sum[int64])
	class, ok := failures.DataPoints[0].Attributes.Value("class")
	require.True(t, ok)
	assert.Equal(t, "permanent", class.AsString())

	duration := findMetric(rm, "lattice.operation.duration")
	require.NotNil(t, duration)
	histogram, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, point := range histogram.DataPoints {
		count += point.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestTelemetryObserverAndSummary(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tel, err := New(context.Background(), Config{ServiceVersion: "test", SpanExporter: exporter})
	require.NoError(t, err)

	observe := tel.Observer()
	observe(application.Event{Kind: application.EventOperationStarted, Operation: "probe", OperationID: "p1"})
	observe(application.Event{Kind: application.EventOperationFailed, Operation: "probe", OperationID: "p1", Err: errors.New("boom")})
	observe(application.Event{Kind: application.EventSyncReceived})

	summary, err := tel.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary["lattice.operations"])
	assert.Equal(t, int64(1), summary["lattice.operation.failures"])
	assert.Equal(t, int64(1), summary["lattice.sync.responses"])
	assert.Equal(t, []string{"lattice.operation.failures", "lattice.operations", "lattice.sync.responses"}, SummaryKeys(summary))

	// the in-memory exporter drops its spans on shutdown
	require.NoError(t, tel.tracerProvider.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "lattice.probe", spans[0].Name)
	require.NoError(t, tel.Shutdown(context.Background()))
}
