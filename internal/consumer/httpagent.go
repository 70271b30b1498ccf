package consumer

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

// HTTPAgent runs a task by POSTing it to an external agent endpoint. The
// endpoint answers 200 with the result JSON; anything else is a failure
// whose body becomes the error message.
type HTTPAgent struct {
	url        string
	httpClient *http.Client
}

// NewHTTPAgent creates an agent backed by endpoint
func NewHTTPAgent(endpoint string, timeout time.Duration) *HTTPAgent {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPAgent{url: endpoint, httpClient: &http.Client{Timeout: timeout}}
}

// Run posts the task and returns the raw result
func (a *HTTPAgent) Run(ctx context.Context, task *messages.TaskMessage) (interface{}, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", task.TraceID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned %d - %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("agent returned invalid JSON")
	}
	return json.RawMessage(respBody), nil
}

// HTTPAgents builds agents from a kind -> endpoint map, rejecting unknown kinds
func HTTPAgents(endpoints map[string]string, timeout time.Duration) (map[messages.AgentKind]Agent, error) {
	agents := make(map[messages.AgentKind]Agent, len(endpoints))
	for name, endpoint := range endpoints {
		kind, err := messages.ParseAgentKind(name)
		if err != nil {
			return nil, err
		}
		agents[kind] = NewHTTPAgent(endpoint, timeout)
	}
	return agents, nil
}
