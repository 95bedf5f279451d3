package river

import (
	"context"

	"github.com/neomorfeo/marketiq/internal/domain"
)

// Compile-time checks: Publisher implements the fan-out ports.
var (
	_ domain.Notifier    = (*Publisher)(nil)
	_ domain.EmailSender = (*Publisher)(nil)
)

// NotificationJobArgs carries the data needed to push a web notification
// asynchronously. River serializes this as JSON into its job queue table.
// It includes a snapshot of the parameters at publish time, so the worker
// never needs to query the database.
type NotificationJobArgs struct {
	SubscriptionID string            `json:"subscription_id"`
	Event          string            `json:"event"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (NotificationJobArgs) Kind() string { return "notification.push" }

// EmailJobArgs carries an activation email request.
type EmailJobArgs struct {
	Recipient       string `json:"recipient"`
	EnvironmentName string `json:"environment_name"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (EmailJobArgs) Kind() string { return "email.send" }

// Publisher implements the Notifier and EmailSender ports by enqueuing
// River jobs. The enqueue happens after domain state is committed, so a
// failure here only costs the notification, never the state.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher backed by the given River client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Push enqueues a web notification job.
func (p *Publisher) Push(ctx context.Context, subscriptionID string, event domain.Event, params []domain.Parameter) error {
	args := NotificationJobArgs{
		SubscriptionID: subscriptionID,
		Event:          string(event),
	}
	if len(params) > 0 {
		args.Parameters = make(map[string]string, len(params))
		for _, p := range params {
			args.Parameters[p.Name] = p.Value
		}
	}

	_, err := p.client.Insert(ctx, args, nil)
	if err != nil {
		return &domain.NotificationError{Err: err}
	}
	return nil
}

// SendActivationEmail enqueues an activation email job.
func (p *Publisher) SendActivationEmail(ctx context.Context, recipient, environmentName string) error {
	_, err := p.client.Insert(ctx, EmailJobArgs{
		Recipient:       recipient,
		EnvironmentName: environmentName,
	}, nil)
	if err != nil {
		return &domain.NotificationError{Err: err}
	}
	return nil
}
