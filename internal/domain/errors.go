package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrSubscriptionNotFound       = errors.New("subscription not found")
	ErrProvisioningRecordNotFound = errors.New("provisioning record not found")
	ErrPlanNotFound               = errors.New("plan not found")
)

// TransitionError is returned when a status transition is not allowed.
type TransitionError struct {
	Event   Event
	Current Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid from status %q", e.Event, e.Current)
}

// AuthenticationError is returned when an automation callback carries an
// integrity token that does not match the expected value. Never retryable.
type AuthenticationError struct {
	SubscriptionID string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("invalid integrity token for subscription %q", e.SubscriptionID)
}

// ConfigurationError is returned when required configuration (such as a
// plan-to-edition mapping) is missing or invalid. Requires an operator fix.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %q: %s", e.Key, e.Reason)
}

// ExternalServiceError is returned on a non-2xx response or transport
// failure from an external API. Retryable by re-invocation since the
// provisioning upsert is idempotent.
type ExternalServiceError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.StatusCode)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// NotificationError wraps a best-effort fan-out failure. Callers log it and
// never fail the primary operation because of it.
type NotificationError struct {
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification fan-out: %v", e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
