package messages

import (
	"encoding/json"
	"fmt"
)

// AgentCompletion is the callback body an agent worker sends back to the
// coordinator that owns the entity.
type AgentCompletion struct {
	AgentKind string          `json:"agent_kind"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	ItemID    string          `json:"item_id,omitempty"`
}

// Outcome is the result-or-error half of an AgentCompletion.
type Outcome struct {
	Result json.RawMessage
	Err    string
	RunID  string
	ItemID string
}

// Failed reports whether the agent failed.
func (o Outcome) Failed() bool {
	return o.Err != ""
}

// Outcome extracts the outcome from a completion.
func (c *AgentCompletion) Outcome() Outcome {
	return Outcome{Result: c.Result, Err: c.Error, RunID: c.RunID, ItemID: c.ItemID}
}

// SuccessOutcome marshals result into a successful outcome.
func SuccessOutcome(runID string, result interface{}) (Outcome, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Outcome{Result: data, RunID: runID}, nil
}

// FailureOutcome wraps an agent error message.
func FailureOutcome(runID, message string) Outcome {
	if message == "" {
		message = "agent failed"
	}
	return Outcome{Err: message, RunID: runID}
}

// ForItem tags the outcome with the item the task targeted. Failures carry
// it so the coordinator can drop a failure for an item that already
// succeeded.
func (o Outcome) ForItem(itemID string) Outcome {
	o.ItemID = itemID
	return o
}

// DiscoverResult is produced by the discover agent.
type DiscoverResult struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

// CollectedItem is one item found by the collect agent.
type CollectedItem struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// CollectResult is produced by the collect agent.
type CollectResult struct {
	Items []CollectedItem `json:"items"`
}

// ItemResult is produced by the process_item agent.
type ItemResult struct {
	ItemID string `json:"item_id"`
	Score  int    `json:"score"`
	Label  string `json:"label,omitempty"`
}

// ArtifactResult is produced by the generate_artifact agent.
type ArtifactResult struct {
	ItemID     string `json:"item_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
}
