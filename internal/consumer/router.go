package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jordanhubbard/orgcoord/internal/coordinator"
	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

// LocalRouter delivers to an in-process coordinator registry.
type LocalRouter struct {
	Registry *coordinator.Registry
}

// Deliver forwards to the registry, marking permanent refusals as ErrRejected
func (r LocalRouter) Deliver(ctx context.Context, entityID string, kind messages.AgentKind, out messages.Outcome) error {
	err := r.Registry.Deliver(ctx, entityID, kind, out)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coordinator.ErrNotInitialized),
		errors.Is(err, coordinator.ErrUnknownAgentKind),
		errors.Is(err, coordinator.ErrInvalidOutcome):
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}

// HTTPRouter delivers to a remote coordinator service's agent-complete endpoint.
type HTTPRouter struct {
	baseURL    string
	httpClient *http.Client

	// APIKey is sent as X-API-Key when the coordinator requires auth
	APIKey string
}

// NewHTTPRouter creates a router for the coordinator service at baseURL
func NewHTTPRouter(baseURL string, timeout time.Duration) *HTTPRouter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRouter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Deliver posts the outcome
func (r *HTTPRouter) Deliver(ctx context.Context, entityID string, kind messages.AgentKind, out messages.Outcome) error {
	body, err := json.Marshal(messages.AgentCompletion{
		AgentKind: string(kind),
		Result:    out.Result,
		Error:     out.Err,
		RunID:     out.RunID,
		ItemID:    out.ItemID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}

	endpoint := fmt.Sprintf("%s/coordinator/%s/agent-complete", r.baseURL, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if r.APIKey != "" {
		req.Header.Set("X-API-Key", r.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent-complete request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %d - %s", ErrRejected, resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusInternalServerError && escalated(respBody):
		// The coordinator recorded the failure and moved to its error phase.
		return nil
	}
	return fmt.Errorf("agent-complete returned %d - %s", resp.StatusCode, respBody)
}

func escalated(body []byte) bool {
	var res coordinator.CallbackResult
	if err := json.Unmarshal(body, &res); err != nil {
		return false
	}
	return res.Status == coordinator.StatusError
}
