// Package notify provides HTTP webhook implementations of the engine's
// Notifier and Tracker interfaces. Delivery is best effort with retries;
// failures never influence epic state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/retry"
	"github.com/deepnoodle-ai/epic/slogger"
)

const defaultRequestTimeout = 10 * time.Second

// WebhookOptions configures a webhook notifier or tracker.
type WebhookOptions struct {
	// Endpoint receives JSON payloads via POST.
	Endpoint string

	// Headers are added to every request, e.g. an Authorization header.
	Headers map[string]string

	Client      *http.Client
	Logger      slogger.Logger
	MaxAttempts int
}

func (o *WebhookOptions) applyDefaults() {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: defaultRequestTimeout}
	}
	if o.Logger == nil {
		o.Logger = slogger.DefaultLogger
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// WebhookNotifier posts engine events to a webhook endpoint.
type WebhookNotifier struct {
	opts WebhookOptions
}

// NewWebhookNotifier creates a notifier that posts events to the endpoint.
func NewWebhookNotifier(opts WebhookOptions) (*WebhookNotifier, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	opts.applyDefaults()
	return &WebhookNotifier{opts: opts}, nil
}

func (n *WebhookNotifier) Publish(ctx context.Context, event *epic.Event) error {
	if err := post(ctx, n.opts, event); err != nil {
		return fmt.Errorf("failed to deliver %s event: %w", event.Type, err)
	}
	n.opts.Logger.Debug("event delivered", "type", event.Type, "epic_id", event.EpicID)
	return nil
}

// trackerUpdate is the payload shape posted by WebhookTracker.
type trackerUpdate struct {
	EpicID string    `json:"epic_id"`
	StepID string    `json:"step_id,omitempty"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// WebhookTracker mirrors epic and step status to an issue-tracker style
// endpoint.
type WebhookTracker struct {
	opts WebhookOptions
}

// NewWebhookTracker creates a tracker that posts status updates to the
// endpoint.
func NewWebhookTracker(opts WebhookOptions) (*WebhookTracker, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	opts.applyDefaults()
	return &WebhookTracker{opts: opts}, nil
}

func (t *WebhookTracker) Publish(ctx context.Context, epicID, stepID, status string) error {
	update := trackerUpdate{EpicID: epicID, StepID: stepID, Status: status, Time: time.Now()}
	if err := post(ctx, t.opts, update); err != nil {
		return fmt.Errorf("failed to deliver status update: %w", err)
	}
	t.opts.Logger.Debug("status delivered", "epic_id", epicID, "step_id", stepID, "status", status)
	return nil
}

type deliveryError struct {
	status int
	body   string
}

func (e *deliveryError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.status, e.body)
}

func (e *deliveryError) StatusCode() int {
	return e.status
}

func post(ctx context.Context, opts WebhookOptions, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return retry.Do(ctx, func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.Endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		request.Header.Set("Content-Type", "application/json")
		for key, value := range opts.Headers {
			request.Header.Set(key, value)
		}
		response, err := opts.Client.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()
		if response.StatusCode >= 200 && response.StatusCode < 300 {
			return nil
		}
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &deliveryError{status: response.StatusCode, body: string(snippet)}
	}, retry.WithMaxAttempts(opts.MaxAttempts), retry.WithBaseWait(250*time.Millisecond))
}
