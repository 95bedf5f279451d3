package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/marketiq/internal/domain"
)

const tracerName = "github.com/neomorfeo/marketiq/internal/adapter/otel"

// TracingClient wraps a domain.ProvisioningClient with OpenTelemetry
// tracing. Each call to the external provisioning API becomes a span with
// semantic attributes; failures are recorded on the span.
type TracingClient struct {
	next   domain.ProvisioningClient
	tracer trace.Tracer
}

// Compile-time check: TracingClient implements domain.ProvisioningClient.
var _ domain.ProvisioningClient = (*TracingClient)(nil)

// NewTracingClient creates a tracing decorator around the given client.
func NewTracingClient(next domain.ProvisioningClient) *TracingClient {
	return &TracingClient{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (c *TracingClient) CreateTenant(ctx context.Context, req domain.CreateTenantRequest) error {
	ctx, span := c.tracer.Start(ctx, "ProvisioningClient.CreateTenant",
		trace.WithAttributes(
			attribute.String("environment.name", req.EnvironmentName),
			attribute.String("plan.id", req.PlanID),
		),
	)
	defer span.End()

	err := c.next.CreateTenant(ctx, req)
	recordError(span, err)
	return err
}

func (c *TracingClient) LookupTenantID(ctx context.Context, environmentName string) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "ProvisioningClient.LookupTenantID",
		trace.WithAttributes(attribute.String("environment.name", environmentName)),
	)
	defer span.End()

	id, err := c.next.LookupTenantID(ctx, environmentName)
	if err != nil {
		recordError(span, err)
	} else {
		span.SetAttributes(attribute.Int64("tenant.id", id))
	}
	return id, err
}

func (c *TracingClient) SetTenantActive(ctx context.Context, tenantID int64, active bool) error {
	ctx, span := c.tracer.Start(ctx, "ProvisioningClient.SetTenantActive",
		trace.WithAttributes(
			attribute.Int64("tenant.id", tenantID),
			attribute.Bool("tenant.active", active),
		),
	)
	defer span.End()

	err := c.next.SetTenantActive(ctx, tenantID, active)
	recordError(span, err)
	return err
}

func (c *TracingClient) ChangeEdition(ctx context.Context, tenantID int64, planID string) error {
	ctx, span := c.tracer.Start(ctx, "ProvisioningClient.ChangeEdition",
		trace.WithAttributes(
			attribute.Int64("tenant.id", tenantID),
			attribute.String("plan.id", planID),
		),
	)
	defer span.End()

	err := c.next.ChangeEdition(ctx, tenantID, planID)
	recordError(span, err)
	return err
}

func (c *TracingClient) TriggerInstanceAutomation(ctx context.Context, req domain.InstanceAutomationRequest) error {
	ctx, span := c.tracer.Start(ctx, "ProvisioningClient.TriggerInstanceAutomation",
		trace.WithAttributes(
			attribute.String("subscription.id", req.SubscriptionID),
			attribute.String("environment.name", req.EnvironmentName),
		),
	)
	defer span.End()

	err := c.next.TriggerInstanceAutomation(ctx, req)
	recordError(span, err)
	return err
}

func (c *TracingClient) DisableInstance(ctx context.Context, subscriptionID, environmentName string) error {
	ctx, span := c.tracer.Start(ctx, "ProvisioningClient.DisableInstance",
		trace.WithAttributes(
			attribute.String("subscription.id", subscriptionID),
			attribute.String("environment.name", environmentName),
		),
	)
	defer span.End()

	err := c.next.DisableInstance(ctx, subscriptionID, environmentName)
	recordError(span, err)
	return err
}

func (c *TracingClient) CheckSubdomain(ctx context.Context, name string) (domain.SubdomainAvailability, error) {
	ctx, span := c.tracer.Start(ctx, "ProvisioningClient.CheckSubdomain",
		trace.WithAttributes(attribute.String("environment.name", name)),
	)
	defer span.End()

	avail, err := c.next.CheckSubdomain(ctx, name)
	if err != nil {
		recordError(span, err)
	} else {
		span.SetAttributes(attribute.Bool("subdomain.available", avail.Available))
	}
	return avail, err
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
