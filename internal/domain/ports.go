package domain

import "context"

// SubscriptionRepository defines the persistence contract for subscriptions.
type SubscriptionRepository interface {
	// Upsert stores a subscription mirrored from the billing platform and
	// reports whether a new row was created.
	Upsert(ctx context.Context, sub Subscription) (created bool, err error)
	GetByID(ctx context.Context, id string) (Subscription, error)
	// GetForCustomer looks a subscription up by ID scoped to the verified
	// customer email. Returns ErrSubscriptionNotFound when the subscription
	// does not exist or belongs to another customer, so existence is never
	// leaked across customers.
	GetForCustomer(ctx context.Context, id, customerEmail string) (Subscription, error)
	ListForCustomer(ctx context.Context, customerEmail string) ([]Subscription, error)
	// TransitionStatus advances a subscription's status and appends the
	// matching audit entry in the same transaction.
	TransitionStatus(ctx context.Context, id string, from, to Status, actorID string) error
	SaveParameters(ctx context.Context, id string, params []Parameter) error
}

// ProvisioningRepository defines the persistence contract for provisioning
// records. Upsert must be atomic on the subscription ID so re-entrant
// activation attempts never create duplicate rows.
type ProvisioningRepository interface {
	Get(ctx context.Context, subscriptionID string) (ProvisioningRecord, error)
	Upsert(ctx context.Context, rec ProvisioningRecord) error
	SetTenantID(ctx context.Context, subscriptionID string, tenantID int64) error
	SetEnvironmentID(ctx context.Context, subscriptionID string, environmentID int64) error
}

// AuditLog is the append-only record of subscription attribute changes.
type AuditLog interface {
	Append(ctx context.Context, entry AuditLogEntry) error
	// ListBySubscription returns entries in commit order.
	ListBySubscription(ctx context.Context, subscriptionID string) ([]AuditLogEntry, error)
}

// PlanCatalog caches the billing platform's plan-to-offer mapping locally.
type PlanCatalog interface {
	SavePlans(ctx context.Context, plans []Plan) error
	GetPlan(ctx context.Context, planID string) (Plan, error)
}

// TransitionValidator checks whether an event is valid from the current
// status and yields the destination status.
type TransitionValidator interface {
	Apply(ctx context.Context, current Status, event Event) (Status, error)
}

// CreateTenantRequest carries the fields needed to create a shared tenant
// in the external provisioning system.
type CreateTenantRequest struct {
	EnvironmentName string
	AdminEmail      string
	AdminName       string
	PlanID          string
}

// InstanceAutomationRequest is the structured payload posted to the
// instance automation trigger endpoint.
type InstanceAutomationRequest struct {
	SubscriptionID       string
	EnvironmentName      string
	Location             string
	AdminEmail           string
	InsertDatabaseRecord bool
	UpdateSettings       bool
	TriggerWorkflow      bool
}

// SubdomainAvailability is the typed result of a subdomain check.
type SubdomainAvailability struct {
	Available        bool
	SourceOfConflict string
}

// ProvisioningClient wraps the external provisioning API. Calls are
// synchronous with no built-in retry; callers retry by idempotent
// re-invocation.
type ProvisioningClient interface {
	CreateTenant(ctx context.Context, req CreateTenantRequest) error
	// LookupTenantID resolves the external numeric tenant ID for an
	// environment name.
	LookupTenantID(ctx context.Context, environmentName string) (int64, error)
	SetTenantActive(ctx context.Context, tenantID int64, active bool) error
	ChangeEdition(ctx context.Context, tenantID int64, planID string) error
	TriggerInstanceAutomation(ctx context.Context, req InstanceAutomationRequest) error
	DisableInstance(ctx context.Context, subscriptionID, environmentName string) error
	CheckSubdomain(ctx context.Context, name string) (SubdomainAvailability, error)
}

// ResolvedSubscription is the billing platform's answer to a token resolve.
type ResolvedSubscription struct {
	SubscriptionID   string
	SubscriptionName string
	OfferID          string
	PlanID           string
}

// BillingOperationStatus is the state of a long-running billing operation.
type BillingOperationStatus string

const (
	BillingOperationNotStarted BillingOperationStatus = "NotStarted"
	BillingOperationInProgress BillingOperationStatus = "InProgress"
	BillingOperationSucceeded  BillingOperationStatus = "Succeeded"
	BillingOperationFailed     BillingOperationStatus = "Failed"
)

// BillingClient wraps the marketplace billing API as a black box.
type BillingClient interface {
	ResolveToken(ctx context.Context, token string) (ResolvedSubscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	GetPlans(ctx context.Context, subscriptionID string) ([]Plan, error)
	// ChangePlan starts a plan change and returns the billing operation ID.
	ChangePlan(ctx context.Context, subscriptionID, planID string) (string, error)
	OperationStatus(ctx context.Context, subscriptionID, operationID string) (BillingOperationStatus, error)
}

// Notifier pushes best-effort web notifications about subscription state.
type Notifier interface {
	Push(ctx context.Context, subscriptionID string, event Event, params []Parameter) error
}

// EmailSender delivers customer-facing email. Composition and transport are
// external collaborators; only this boundary is part of the core.
type EmailSender interface {
	SendActivationEmail(ctx context.Context, recipient, environmentName string) error
}
