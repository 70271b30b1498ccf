package messages

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentKind identifies an agent function and the task it consumes.
// The set is closed; use ParseAgentKind at trust boundaries.
type AgentKind string

const (
	AgentDiscover         AgentKind = "discover"
	AgentCollect          AgentKind = "collect"
	AgentProcessItem      AgentKind = "process_item"
	AgentGenerateArtifact AgentKind = "generate_artifact"
)

// AllAgentKinds lists every known agent kind in pipeline order.
var AllAgentKinds = []AgentKind{
	AgentDiscover,
	AgentCollect,
	AgentProcessItem,
	AgentGenerateArtifact,
}

// ErrUnknownAgentKind is returned when a string does not name a known agent.
var ErrUnknownAgentKind = errors.New("unknown agent kind")

// ParseAgentKind validates s as an AgentKind.
func ParseAgentKind(s string) (AgentKind, error) {
	for _, k := range AllAgentKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAgentKind, s)
}

// TaskMessage is a unit of work placed on the queue for an agent.
type TaskMessage struct {
	TaskKind  AgentKind              `json:"task_kind"`
	EntityID  string                 `json:"entity_id"`
	EntityRef string                 `json:"entity_ref"`
	Payload   map[string]interface{} `json:"payload"`
	TraceID   string                 `json:"trace_id"`
	Timestamp int64                  `json:"timestamp"` // unix milliseconds
}

// RunID returns the pipeline run the task belongs to, if any.
func (t *TaskMessage) RunID() string {
	return t.payloadString("run_id")
}

// ItemID returns the item the task targets, if any.
func (t *TaskMessage) ItemID() string {
	return t.payloadString("item_id")
}

func (t *TaskMessage) payloadString(key string) string {
	if t.Payload == nil {
		return ""
	}
	if v, ok := t.Payload[key].(string); ok {
		return v
	}
	return ""
}

// NewTask creates a task stamped with a fresh trace id.
func NewTask(kind AgentKind, entityID, entityRef string, payload map[string]interface{}) *TaskMessage {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &TaskMessage{
		TaskKind:  kind,
		EntityID:  entityID,
		EntityRef: entityRef,
		Payload:   payload,
		TraceID:   uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// DiscoverTask asks an agent to locate the entity's resource.
func DiscoverTask(entityID, entityRef, entityName, runID string) *TaskMessage {
	return NewTask(AgentDiscover, entityID, entityRef, map[string]interface{}{
		"entity_name": entityName,
		"run_id":      runID,
	})
}

// CollectTask asks an agent to collect items from a located resource.
func CollectTask(entityID, entityRef, locator, runID string) *TaskMessage {
	return NewTask(AgentCollect, entityID, entityRef, map[string]interface{}{
		"resource_locator": locator,
		"run_id":           runID,
	})
}

// ProcessItemTask asks an agent to research and score one item.
func ProcessItemTask(entityID, entityRef, itemID, runID string) *TaskMessage {
	return NewTask(AgentProcessItem, entityID, entityRef, map[string]interface{}{
		"item_id": itemID,
		"run_id":  runID,
	})
}

// GenerateArtifactTask asks an agent to produce an artifact for a high-value item.
func GenerateArtifactTask(entityID, entityRef, itemID, runID string) *TaskMessage {
	return NewTask(AgentGenerateArtifact, entityID, entityRef, map[string]interface{}{
		"item_id": itemID,
		"run_id":  runID,
	})
}
