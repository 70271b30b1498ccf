package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// WebhookEvent is the event name sent in webhook bodies
const WebhookEvent = "pipeline_complete"

// Webhook POSTs completions as JSON to a URL.
type Webhook struct {
	url        string
	httpClient *http.Client
}

type webhookBody struct {
	Event string `json:"event"`
	messages.Completion
}

// NewWebhook creates a webhook notifier
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns "webhook"
func (w *Webhook) Name() string { return "webhook" }

// Notify posts the completion; any non-2xx response is an error
func (w *Webhook) Notify(ctx context.Context, c messages.Completion) error {
	body, err := json.Marshal(webhookBody{Event: WebhookEvent, Completion: c})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d - %s", resp.StatusCode, msg)
	}
	return nil
}
