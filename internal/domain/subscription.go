package domain

import "time"

// Status represents the lifecycle state of a marketplace subscription.
type Status string

const (
	StatusPendingFulfillmentStart Status = "PendingFulfillmentStart"
	StatusPendingActivation       Status = "PendingActivation"
	StatusSubscribed              Status = "Subscribed"
	StatusPendingUnsubscribe      Status = "PendingUnsubscribe"
	StatusUnsubscribed            Status = "Unsubscribed"
)

// StatusNone is the audit-log old value recorded when a subscription is
// first resolved from the marketplace and has no prior status.
const StatusNone = "None"

// Event represents an action that triggers a status transition.
type Event string

const (
	EventStartActivation    Event = "start_activation"
	EventConfirmActivation  Event = "confirm_activation"
	EventRequestUnsubscribe Event = "request_unsubscribe"
	EventConfirmUnsubscribe Event = "confirm_unsubscribe"
)

// Transition defines a valid status change: an event moves a subscription
// from Src to Dst.
type Transition struct {
	Event Event
	Src   Status
	Dst   Status
}

// Transitions defines all valid status changes in the subscription
// lifecycle. Unsubscribed is terminal and nothing transitions back to
// PendingFulfillmentStart. This is domain knowledge consumed by the FSM
// adapter.
var Transitions = []Transition{
	{Event: EventStartActivation, Src: StatusPendingFulfillmentStart, Dst: StatusPendingActivation},
	{Event: EventConfirmActivation, Src: StatusPendingActivation, Dst: StatusSubscribed},
	{Event: EventRequestUnsubscribe, Src: StatusSubscribed, Dst: StatusPendingUnsubscribe},
	{Event: EventRequestUnsubscribe, Src: StatusPendingActivation, Dst: StatusPendingUnsubscribe},
	{Event: EventConfirmUnsubscribe, Src: StatusPendingUnsubscribe, Dst: StatusUnsubscribed},
}

// Subscription is the durable record of a marketplace subscription as
// mirrored from the billing platform. Mutated only through status handlers.
type Subscription struct {
	ID            string
	OfferID       string
	PlanID        string
	CustomerEmail string
	CustomerName  string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Plan is a purchasable plan belonging to an offer, cached locally from the
// billing platform so purchases can be classified without a live call.
type Plan struct {
	ID          string
	OfferID     string
	DisplayName string
}

// Purchase types stored on a ProvisioningRecord.
const (
	PurchaseTenant   = "tenant"
	PurchaseInstance = "instance"
)

// ProvisioningRecord links a subscription to its provisioning target in the
// external system. At most one exists per subscription; it is created at
// the first activation attempt and updated in place on retries. TenantID
// and EnvironmentID stay nil until provisioning and automation complete.
type ProvisioningRecord struct {
	SubscriptionID  string
	EnvironmentName string
	PurchaseType    string
	TenantID        *int64
	EnvironmentID   *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTenant reports whether the stored classification is a shared-tenant
// purchase. Deactivation relies on this rather than re-deriving from the
// live plan catalog.
func (r ProvisioningRecord) IsTenant() bool {
	return r.PurchaseType == PurchaseTenant
}

// AuditAttributeStatus is the only attribute audited by this core.
const AuditAttributeStatus = "Status"

// AuditLogEntry records one attribute change on a subscription. Entries are
// append-only and immutable once written.
type AuditLogEntry struct {
	ID             int64
	SubscriptionID string
	Attribute      string
	OldValue       string
	NewValue       string
	ActorID        string
	CreatedAt      time.Time
}

// ParameterTypeInput marks caller-supplied parameters that are persisted
// during activation.
const ParameterTypeInput = "input"

// Parameter is a caller-supplied subscription parameter.
type Parameter struct {
	Name  string
	Type  string
	Value string
}

// InputParameters filters params down to the ones flagged as input type.
func InputParameters(params []Parameter) []Parameter {
	var out []Parameter
	for _, p := range params {
		if p.Type == ParameterTypeInput {
			out = append(out, p)
		}
	}
	return out
}

// Operations accepted by the orchestrator.
const (
	OperationActivate   = "Activate"
	OperationDeactivate = "Deactivate"
)

// OperationRequest carries one inbound reconciliation request. It is
// constructed per request and discarded after processing.
type OperationRequest struct {
	SubscriptionID  string
	PlanID          string
	Operation       string
	EnvironmentName string
	CustomerEmail   string
	CustomerName    string
	Parameters      []Parameter
}

// NewSubscription creates a subscription in the initial marketplace state.
func NewSubscription(id, offerID, planID, customerEmail, customerName string) Subscription {
	now := time.Now().UTC()
	return Subscription{
		ID:            id,
		OfferID:       offerID,
		PlanID:        planID,
		CustomerEmail: customerEmail,
		CustomerName:  customerName,
		Status:        StatusPendingFulfillmentStart,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
