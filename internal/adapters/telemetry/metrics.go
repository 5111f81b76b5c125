package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/domain"
)

// MetricsHandler counts operations, failures and sync responses and records
// operation durations.
type MetricsHandler struct {
	operations       metric.Int64Counter
	failures         metric.Int64Counter
	duration         metric.Float64Histogram
	syncs            metric.Int64Counter
	stateTransitions metric.Int64Counter
}

func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	operations, err := meter.Int64Counter("lattice.operations",
		metric.WithDescription("Number of completed coordinator operations"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("lattice.operation.failures",
		metric.WithDescription("Number of failed coordinator operations"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("lattice.operation.duration",
		metric.WithDescription("Duration of coordinator operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	syncs, err := meter.Int64Counter("lattice.sync.responses",
		metric.WithDescription("Number of sync responses received"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("lattice.state.transitions",
		metric.WithDescription("Number of session state changes by resulting auth state"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		operations:       operations,
		failures:         failures,
		duration:         duration,
		syncs:            syncs,
		stateTransitions: transitions,
	}, nil
}

func (h *MetricsHandler) Handle(e application.Event) {
	ctx := context.Background()

	switch e.Kind {
	case application.EventOperationFinished:
		attrs := metric.WithAttributes(
			attribute.String("operation", e.Operation),
			attribute.String("outcome", "ok"),
		)
		h.operations.Add(ctx, 1, attrs)
		h.duration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case application.EventOperationFailed:
		attrs := metric.WithAttributes(
			attribute.String("operation", e.Operation),
			attribute.String("outcome", "error"),
		)
		h.operations.Add(ctx, 1, attrs)
		h.duration.Record(ctx, e.Elapsed.Seconds(), attrs)
		h.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", e.Operation),
			attribute.String("class", domain.ClassifyAuthFailure(e.Err).String()),
		))
	case application.EventSyncReceived:
		h.syncs.Add(ctx, 1, metric.WithAttributes(attribute.String("account", e.Account)))
	case application.EventStateChanged:
		h.stateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", e.State.String())))
	}
}
