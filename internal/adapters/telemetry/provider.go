package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bnema/lattice/internal/application"
)

const instrumentationName = "github.com/bnema/lattice"

type Config struct {
	ServiceVersion string
	// OTLPEndpoint enables span export over OTLP/HTTP when set, for example
	// http://localhost:4318.
	OTLPEndpoint string
	// SpanExporter overrides the OTLP exporter, mostly for tests.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the providers behind the coordinator observer. Metrics are
// kept in process and read with Summary.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
	observer       application.EventHandler
}

func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", "lattice"),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter := cfg.SpanExporter
	if exporter == nil && cfg.OTLPEndpoint != "" {
		otlp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		exporter = otlp
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	metrics, err := NewMetricsHandler(meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("create metrics handler: %w", err)
	}
	tracing := NewTracingHandler(tracerProvider.Tracer(instrumentationName))

	return &Telemetry{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		reader:         reader,
		observer:       application.MultiEventHandler(tracing.Handle, metrics.Handle),
	}, nil
}

func (t *Telemetry) Observer() application.EventHandler {
	return t.observer
}

// Summary collects the counters recorded so far, summed over attributes.
func (t *Telemetry) Summary(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, point := range sum.DataPoints {
				totals[m.Name] += point.Value
			}
		}
	}

	return totals, nil
}

// SummaryKeys returns the metric names of a summary in stable order.
func SummaryKeys(summary map[string]int64) []string {
	keys := make([]string, 0, len(summary))
	for key := range summary {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.tracerProvider.Shutdown(ctx),
		t.meterProvider.Shutdown(ctx),
	)
}
