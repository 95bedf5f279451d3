package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neomorfeo/marketiq/internal/domain"
)

// ActorSystem is the audit actor for handler-driven transitions.
const ActorSystem = "system"

// StatusHandler processes a subscription that has reached a given status
// and advances it to the next one. Handlers are stateless and constructed
// once at process start.
type StatusHandler interface {
	Process(ctx context.Context, subscriptionID string) error
}

// Handlers bundles the four status handlers the orchestrator drives.
type Handlers struct {
	PendingFulfillment StatusHandler
	PendingActivation  StatusHandler
	Unsubscribe        StatusHandler
	Notification       StatusHandler
}

// NewHandlers wires the standard handler set.
func NewHandlers(subs domain.SubscriptionRepository, validator domain.TransitionValidator, notifier domain.Notifier) Handlers {
	return Handlers{
		PendingFulfillment: &PendingFulfillmentHandler{subs: subs, validator: validator},
		PendingActivation:  &PendingActivationHandler{subs: subs, validator: validator, notifier: notifier},
		Unsubscribe:        &UnsubscribeHandler{subs: subs, validator: validator},
		Notification:       &NotificationHandler{subs: subs, notifier: notifier},
	}
}

// PendingFulfillmentHandler is the manual operator path: when automatic
// provisioning is off, it moves a freshly resolved subscription to
// PendingActivation with no side effects and leaves provisioning to an
// operator.
type PendingFulfillmentHandler struct {
	subs      domain.SubscriptionRepository
	validator domain.TransitionValidator
}

func (h *PendingFulfillmentHandler) Process(ctx context.Context, subscriptionID string) error {
	sub, err := h.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != domain.StatusPendingFulfillmentStart {
		// Already past fulfillment start; nothing to do.
		return nil
	}

	next, err := h.validator.Apply(ctx, sub.Status, domain.EventStartActivation)
	if err != nil {
		return err
	}
	return h.subs.TransitionStatus(ctx, subscriptionID, sub.Status, next, ActorSystem)
}

// PendingActivationHandler confirms activation: it moves a subscription
// from PendingActivation to Subscribed and pushes a web notification.
type PendingActivationHandler struct {
	subs      domain.SubscriptionRepository
	validator domain.TransitionValidator
	notifier  domain.Notifier
}

func (h *PendingActivationHandler) Process(ctx context.Context, subscriptionID string) error {
	sub, err := h.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != domain.StatusPendingActivation {
		return nil
	}

	next, err := h.validator.Apply(ctx, sub.Status, domain.EventConfirmActivation)
	if err != nil {
		return err
	}
	if err := h.subs.TransitionStatus(ctx, subscriptionID, sub.Status, next, ActorSystem); err != nil {
		return err
	}

	if err := h.notifier.Push(ctx, subscriptionID, domain.EventConfirmActivation, nil); err != nil {
		// Best-effort: the status is already committed.
		slog.WarnContext(ctx, "activation notification failed",
			"subscription_id", subscriptionID,
			"operation", "PendingActivationHandler.Process",
			"error", err,
		)
	}
	return nil
}

// UnsubscribeHandler confirms an unsubscribe: PendingUnsubscribe to
// Unsubscribed, the terminal state.
type UnsubscribeHandler struct {
	subs      domain.SubscriptionRepository
	validator domain.TransitionValidator
}

func (h *UnsubscribeHandler) Process(ctx context.Context, subscriptionID string) error {
	sub, err := h.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != domain.StatusPendingUnsubscribe {
		return nil
	}

	next, err := h.validator.Apply(ctx, sub.Status, domain.EventConfirmUnsubscribe)
	if err != nil {
		return err
	}
	return h.subs.TransitionStatus(ctx, subscriptionID, sub.Status, next, ActorSystem)
}

// NotificationHandler drives subscriber-side fan-out: it pushes the
// subscription's current status to the notification pipeline. Callers on
// the reconciliation path treat its errors as best-effort; the webhook
// callback path propagates them so the upstream retries.
type NotificationHandler struct {
	subs     domain.SubscriptionRepository
	notifier domain.Notifier
}

func (h *NotificationHandler) Process(ctx context.Context, subscriptionID string) error {
	sub, err := h.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	event := statusEvent(sub.Status)
	if err := h.notifier.Push(ctx, subscriptionID, event, nil); err != nil {
		return fmt.Errorf("pushing %q notification: %w", event, err)
	}
	return nil
}

// statusEvent maps a status to the lifecycle event that most recently
// produced it, for notification payloads.
func statusEvent(status domain.Status) domain.Event {
	switch status {
	case domain.StatusSubscribed:
		return domain.EventConfirmActivation
	case domain.StatusPendingUnsubscribe:
		return domain.EventRequestUnsubscribe
	case domain.StatusUnsubscribed:
		return domain.EventConfirmUnsubscribe
	default:
		return domain.EventStartActivation
	}
}
