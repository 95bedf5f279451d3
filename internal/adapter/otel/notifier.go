package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/marketiq/internal/domain"
)

// TracingNotifier wraps a domain.Notifier with OpenTelemetry tracing.
type TracingNotifier struct {
	next   domain.Notifier
	tracer trace.Tracer
}

// Compile-time check: TracingNotifier implements domain.Notifier.
var _ domain.Notifier = (*TracingNotifier)(nil)

// NewTracingNotifier creates a tracing decorator around the given notifier.
func NewTracingNotifier(next domain.Notifier) *TracingNotifier {
	return &TracingNotifier{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (n *TracingNotifier) Push(ctx context.Context, subscriptionID string, event domain.Event, params []domain.Parameter) error {
	ctx, span := n.tracer.Start(ctx, "Notifier.Push",
		trace.WithAttributes(
			attribute.String("subscription.id", subscriptionID),
			attribute.String("event.type", string(event)),
			attribute.Int("param.count", len(params)),
		),
	)
	defer span.End()

	err := n.next.Push(ctx, subscriptionID, event, params)
	recordError(span, err)
	return err
}
