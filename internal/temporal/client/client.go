package client

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.temporal.io/sdk/client"
	"google.golang.org/grpc"

	"github.com/jordanhubbard/orgcoord/pkg/config"
)

const (
	maxDialAttempts = 5
	dialBaseDelay   = 2 * time.Second
	dialTimeout     = 15 * time.Second
)

// Client wraps the Temporal client with the coordinator's task queue settings
type Client struct {
	temporal client.Client
	config   *config.TemporalConfig
}

// New dials the Temporal frontend, retrying with exponential backoff
func New(cfg *config.TemporalConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			delay := dialBaseDelay * time.Duration(1<<uint(attempt-1)) // 2s, 4s, 8s, 16s
			log.Printf("[Temporal] Retrying connection in %v (attempt %d/%d)", delay, attempt+1, maxDialAttempts)
			time.Sleep(delay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		c, err := client.DialContext(ctx, client.Options{
			HostPort:  cfg.Host,
			Namespace: cfg.Namespace,
			Logger:    &temporalLogger{},
			ConnectionOptions: client.ConnectionOptions{
				DialOptions: []grpc.DialOption{
					grpc.WithBlock(),
				},
			},
		})
		cancel()

		if err == nil {
			log.Printf("[Temporal] Connected to %s (namespace: %s)", cfg.Host, cfg.Namespace)
			return &Client{temporal: c, config: cfg}, nil
		}
		lastErr = err
		log.Printf("[Temporal] Connection attempt %d failed: %v", attempt+1, err)
	}

	return nil, fmt.Errorf("failed to create temporal client after %d attempts: %w", maxDialAttempts, lastErr)
}

// Close closes the Temporal client connection
func (c *Client) Close() {
	if c.temporal != nil {
		c.temporal.Close()
	}
}

// GetClient returns the underlying Temporal client
func (c *Client) GetClient() client.Client {
	return c.temporal
}

// GetTaskQueue returns the configured task queue
func (c *Client) GetTaskQueue() string {
	return c.config.TaskQueue
}

// ExecuteWorkflow starts a new workflow execution
func (c *Client) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	return c.temporal.ExecuteWorkflow(ctx, options, workflow, args...)
}

// CancelWorkflow requests cancellation of a workflow execution
func (c *Client) CancelWorkflow(ctx context.Context, workflowID, runID string) error {
	return c.temporal.CancelWorkflow(ctx, workflowID, runID)
}

// temporalLogger routes Temporal SDK logs through the standard logger
type temporalLogger struct{}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal INFO] %s %v", msg, keyvals)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal WARN] %s %v", msg, keyvals)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	log.Printf("[Temporal ERROR] %s %v", msg, keyvals)
}
