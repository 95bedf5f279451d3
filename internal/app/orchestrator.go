package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neomorfeo/marketiq/internal/domain"
)

// freemiumMarker identifies plans whose tenant environment is named by the
// system rather than the caller.
const freemiumMarker = "freemium"

// Config holds the orchestrator's reconciliation settings.
type Config struct {
	// AutomaticProvisioning selects the automatic create/trigger path over
	// the manual operator path.
	AutomaticProvisioning bool
	// TenantOfferID is the offer whose plans provision shared tenants;
	// every other offer provisions dedicated instances.
	TenantOfferID string
	// WebhookSalt is the shared secret for automation callback tokens.
	WebhookSalt string
	// InstanceLocation is passed through on instance automation requests.
	InstanceLocation string
	// PlanChangeTimeout bounds the billing operation poll during a plan
	// change. Zero means 5 minutes.
	PlanChangeTimeout time.Duration
	// PlanChangePollInterval is the poll cadence. Zero means 5 seconds.
	PlanChangePollInterval time.Duration
}

// Orchestrator is the reconciliation core: it classifies inbound
// subscription events, drives the status handlers, and invokes the
// external provisioning system, keeping the store and audit log
// consistent throughout.
type Orchestrator struct {
	cfg       Config
	subs      domain.SubscriptionRepository
	prov      domain.ProvisioningRepository
	plans     domain.PlanCatalog
	audit     domain.AuditLog
	billing   domain.BillingClient
	client    domain.ProvisioningClient
	notifier  domain.Notifier
	email     domain.EmailSender
	validator domain.TransitionValidator
	handlers  Handlers
}

// NewOrchestrator creates the orchestrator with the given adapters. The
// handler set is constructed once and shared across requests.
func NewOrchestrator(
	cfg Config,
	subs domain.SubscriptionRepository,
	prov domain.ProvisioningRepository,
	plans domain.PlanCatalog,
	audit domain.AuditLog,
	billing domain.BillingClient,
	client domain.ProvisioningClient,
	notifier domain.Notifier,
	email domain.EmailSender,
	validator domain.TransitionValidator,
	handlers Handlers,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		subs:      subs,
		prov:      prov,
		plans:     plans,
		audit:     audit,
		billing:   billing,
		client:    client,
		notifier:  notifier,
		email:     email,
		validator: validator,
		handlers:  handlers,
	}
}

// ResolveSubscription exchanges a marketplace purchase token for the
// subscription it names, mirrors the subscription and its offer's plans
// into the store, and seeds the audit trail for new records.
func (o *Orchestrator) ResolveSubscription(ctx context.Context, token, customerEmail, customerName string) (domain.Subscription, error) {
	resolved, err := o.billing.ResolveToken(ctx, token)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("resolving token: %w", err)
	}

	plans, err := o.billing.GetPlans(ctx, resolved.SubscriptionID)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("fetching plans: %w", err)
	}
	if err := o.plans.SavePlans(ctx, plans); err != nil {
		return domain.Subscription{}, fmt.Errorf("caching plans: %w", err)
	}

	sub, err := o.billing.GetSubscription(ctx, resolved.SubscriptionID)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("fetching subscription: %w", err)
	}
	sub.CustomerEmail = customerEmail
	sub.CustomerName = customerName

	created, err := o.subs.Upsert(ctx, sub)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("storing subscription: %w", err)
	}

	if created && sub.Status == domain.StatusPendingFulfillmentStart {
		err := o.audit.Append(ctx, domain.AuditLogEntry{
			SubscriptionID: sub.ID,
			Attribute:      domain.AuditAttributeStatus,
			OldValue:       domain.StatusNone,
			NewValue:       string(sub.Status),
			ActorID:        customerEmail,
		})
		if err != nil {
			return domain.Subscription{}, fmt.Errorf("seeding audit trail: %w", err)
		}
	}

	return o.subs.GetByID(ctx, sub.ID)
}

// ProcessOperation reconciles one inbound operation request against the
// subscription's current state. The subscription must belong to the
// requesting customer; otherwise the caller gets ErrSubscriptionNotFound
// and learns nothing about other customers' subscriptions.
func (o *Orchestrator) ProcessOperation(ctx context.Context, req domain.OperationRequest) error {
	sub, err := o.subs.GetForCustomer(ctx, req.SubscriptionID, req.CustomerEmail)
	if err != nil {
		return err
	}

	var isTenant bool
	var opErr error

	switch req.Operation {
	case domain.OperationActivate:
		isTenant, err = o.classify(ctx, sub.OfferID, req.PlanID)
		if err != nil {
			return err
		}
		opErr = o.activate(ctx, sub, req, isTenant)
	case domain.OperationDeactivate:
		isTenant, opErr = o.deactivate(ctx, sub, req)
	default:
		return fmt.Errorf("unknown operation %q", req.Operation)
	}

	// Tenant purchases get the subscriber-side fan-out regardless of how
	// the operation itself fared.
	if isTenant {
		if err := o.handlers.Notification.Process(ctx, req.SubscriptionID); err != nil {
			slog.WarnContext(ctx, "notification handler failed",
				"subscription_id", req.SubscriptionID,
				"operation", req.Operation,
				"error", err,
			)
		}
	}

	return opErr
}

// classify decides tenant vs. instance: resolve the plan's owning offer
// and compare it against the configured tenant offer. The decision is made
// once per activation and persisted; deactivation reads it back instead of
// re-deriving.
func (o *Orchestrator) classify(ctx context.Context, offerID, planID string) (bool, error) {
	if offerID != "" {
		return offerID == o.cfg.TenantOfferID, nil
	}

	plan, err := o.plans.GetPlan(ctx, planID)
	if err != nil {
		return false, fmt.Errorf("classifying plan %q: %w", planID, err)
	}
	return plan.OfferID == o.cfg.TenantOfferID, nil
}

func (o *Orchestrator) activate(ctx context.Context, sub domain.Subscription, req domain.OperationRequest, isTenant bool) error {
	envName := req.EnvironmentName
	if envName == "" && isTenant && strings.Contains(req.PlanID, freemiumMarker) {
		name, err := RandomEnvironmentName()
		if err != nil {
			return fmt.Errorf("synthesizing environment name: %w", err)
		}
		envName = name
	}

	purchaseType := domain.PurchaseInstance
	if isTenant {
		purchaseType = domain.PurchaseTenant
	}

	// Idempotent: a retried activation updates the existing record's
	// environment name in place instead of inserting a duplicate.
	err := o.prov.Upsert(ctx, domain.ProvisioningRecord{
		SubscriptionID:  sub.ID,
		EnvironmentName: envName,
		PurchaseType:    purchaseType,
	})
	if err != nil {
		return err
	}

	if input := domain.InputParameters(req.Parameters); len(input) > 0 {
		if err := o.subs.SaveParameters(ctx, sub.ID, input); err != nil {
			return err
		}
	}

	// External-call failures stop the automatic progression but not the
	// outer request; the retry re-enters through the idempotent upsert.
	if err := o.provisionAndAdvance(ctx, sub, req, isTenant, envName); err != nil {
		slog.ErrorContext(ctx, "activation provisioning failed",
			"subscription_id", sub.ID,
			"operation", req.Operation,
			"error", err,
		)
	}

	if err := o.notifier.Push(ctx, sub.ID, domain.EventStartActivation, req.Parameters); err != nil {
		slog.WarnContext(ctx, "parameter notification failed",
			"subscription_id", sub.ID,
			"operation", req.Operation,
			"error", err,
		)
	}

	return nil
}

func (o *Orchestrator) provisionAndAdvance(ctx context.Context, sub domain.Subscription, req domain.OperationRequest, isTenant bool, envName string) error {
	if !o.cfg.AutomaticProvisioning {
		// Manual operator path.
		return o.handlers.PendingFulfillment.Process(ctx, sub.ID)
	}

	var err error
	if isTenant {
		err = o.client.CreateTenant(ctx, domain.CreateTenantRequest{
			EnvironmentName: envName,
			AdminEmail:      sub.CustomerEmail,
			AdminName:       sub.CustomerName,
			PlanID:          req.PlanID,
		})
	} else {
		err = o.client.TriggerInstanceAutomation(ctx, domain.InstanceAutomationRequest{
			SubscriptionID:       sub.ID,
			EnvironmentName:      envName,
			Location:             o.cfg.InstanceLocation,
			AdminEmail:           sub.CustomerEmail,
			InsertDatabaseRecord: true,
			UpdateSettings:       true,
			TriggerWorkflow:      true,
		})
	}
	if err != nil {
		return err
	}

	if sub.Status != domain.StatusPendingActivation {
		next, err := o.validator.Apply(ctx, sub.Status, domain.EventStartActivation)
		if err != nil {
			return err
		}
		if err := o.subs.TransitionStatus(ctx, sub.ID, sub.Status, next, req.CustomerEmail); err != nil {
			return err
		}
	}

	// Confirm activation synchronously: PendingActivation to Subscribed.
	return o.handlers.PendingActivation.Process(ctx, sub.ID)
}

// deactivate disables the provisioning target and starts the unsubscribe
// flow. Classification comes from the stored record, not the live catalog,
// so a plan-to-offer remapping after purchase cannot flip the path.
func (o *Orchestrator) deactivate(ctx context.Context, sub domain.Subscription, req domain.OperationRequest) (bool, error) {
	rec, err := o.prov.Get(ctx, sub.ID)
	if err != nil {
		return false, err
	}
	isTenant := rec.IsTenant()

	if isTenant {
		tenantID := rec.TenantID
		if tenantID == nil {
			id, err := o.client.LookupTenantID(ctx, rec.EnvironmentName)
			if err != nil {
				return isTenant, err
			}
			if err := o.prov.SetTenantID(ctx, sub.ID, id); err != nil {
				return isTenant, err
			}
			tenantID = &id
		}
		if err := o.client.SetTenantActive(ctx, *tenantID, false); err != nil {
			return isTenant, err
		}
	} else {
		if err := o.client.DisableInstance(ctx, sub.ID, rec.EnvironmentName); err != nil {
			return isTenant, err
		}
	}

	next, err := o.validator.Apply(ctx, sub.Status, domain.EventRequestUnsubscribe)
	if err != nil {
		return isTenant, err
	}
	if err := o.subs.TransitionStatus(ctx, sub.ID, sub.Status, next, req.CustomerEmail); err != nil {
		return isTenant, err
	}

	return isTenant, o.handlers.Unsubscribe.Process(ctx, sub.ID)
}

// HandleAutomationCallback completes an instance provisioning round-trip:
// the automation side reports the external environment ID together with an
// integrity token derived from the shared salt.
func (o *Orchestrator) HandleAutomationCallback(ctx context.Context, subscriptionID string, environmentID int64, token string) error {
	expected := IntegrityToken(subscriptionID, o.cfg.WebhookSalt)
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return &domain.AuthenticationError{SubscriptionID: subscriptionID}
	}

	rec, err := o.prov.Get(ctx, subscriptionID)
	switch {
	case errors.Is(err, domain.ErrProvisioningRecordNotFound):
		// Not fatal, but it means an upstream activation step never ran.
		slog.WarnContext(ctx, "automation callback without provisioning record",
			"subscription_id", subscriptionID,
			"operation", "HandleAutomationCallback",
		)
	case err != nil:
		return err
	default:
		if err := o.prov.SetEnvironmentID(ctx, subscriptionID, environmentID); err != nil {
			return err
		}
	}

	sub, err := o.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	// Dispatch failures surface to the caller for an upstream retry, but
	// the environment-ID write above is already committed and stays.
	if err := o.email.SendActivationEmail(ctx, sub.CustomerEmail, rec.EnvironmentName); err != nil {
		return fmt.Errorf("sending activation email: %w", err)
	}
	return o.handlers.Notification.Process(ctx, subscriptionID)
}

// ChangePlan moves a subscription to a new plan: it starts the billing
// operation, polls it to completion within a bounded window, and for
// tenant purchases moves the external tenant to the new plan's edition.
func (o *Orchestrator) ChangePlan(ctx context.Context, subscriptionID, planID, customerEmail string) error {
	sub, err := o.subs.GetForCustomer(ctx, subscriptionID, customerEmail)
	if err != nil {
		return err
	}

	operationID, err := o.billing.ChangePlan(ctx, sub.ID, planID)
	if err != nil {
		return err
	}

	status, err := o.pollBillingOperation(ctx, sub.ID, operationID)
	if err != nil {
		return err
	}
	if status != domain.BillingOperationSucceeded {
		return &domain.ExternalServiceError{
			Operation: "ChangePlan",
			Err:       fmt.Errorf("billing operation %s ended with status %q", operationID, status),
		}
	}

	rec, err := o.prov.Get(ctx, sub.ID)
	if err != nil && !errors.Is(err, domain.ErrProvisioningRecordNotFound) {
		return err
	}
	if err == nil && rec.IsTenant() {
		tenantID := rec.TenantID
		if tenantID == nil {
			id, err := o.client.LookupTenantID(ctx, rec.EnvironmentName)
			if err != nil {
				return err
			}
			if err := o.prov.SetTenantID(ctx, sub.ID, id); err != nil {
				return err
			}
			tenantID = &id
		}
		if err := o.client.ChangeEdition(ctx, *tenantID, planID); err != nil {
			return err
		}
	}

	sub.PlanID = planID
	if _, err := o.subs.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("recording plan change: %w", err)
	}
	return nil
}

// pollBillingOperation polls until the operation leaves NotStarted or
// InProgress, or the bounded window elapses. A timeout is retryable: the
// caller can re-invoke ChangePlan.
func (o *Orchestrator) pollBillingOperation(ctx context.Context, subscriptionID, operationID string) (domain.BillingOperationStatus, error) {
	timeout := o.cfg.PlanChangeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := o.cfg.PlanChangePollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := o.billing.OperationStatus(ctx, subscriptionID, operationID)
		if err != nil {
			return "", err
		}
		if status != domain.BillingOperationNotStarted && status != domain.BillingOperationInProgress {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return "", &domain.ExternalServiceError{
				Operation: "ChangePlan",
				Err:       fmt.Errorf("polling operation %s: %w", operationID, ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}

// ListSubscriptions returns the requesting customer's subscriptions.
func (o *Orchestrator) ListSubscriptions(ctx context.Context, customerEmail string) ([]domain.Subscription, error) {
	return o.subs.ListForCustomer(ctx, customerEmail)
}

// AuditTrail returns a subscription's audit entries in commit order, after
// verifying the subscription belongs to the requesting customer.
func (o *Orchestrator) AuditTrail(ctx context.Context, subscriptionID, customerEmail string) ([]domain.AuditLogEntry, error) {
	if _, err := o.subs.GetForCustomer(ctx, subscriptionID, customerEmail); err != nil {
		return nil, err
	}
	return o.audit.ListBySubscription(ctx, subscriptionID)
}

// CheckSubdomain reports whether an environment name is free to claim.
func (o *Orchestrator) CheckSubdomain(ctx context.Context, name string) (domain.SubdomainAvailability, error) {
	return o.client.CheckSubdomain(ctx, name)
}
