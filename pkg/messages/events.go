package messages

import (
	"time"

	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// EventMessage is a system event published on the bus
type EventMessage struct {
	Type      string                 `json:"type"`   // "pipeline.complete", "phase.changed", "task.dead_lettered"
	Source    string                 `json:"source"` // Service that generated the event
	EntityID  string                 `json:"entity_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Completion is the payload of the pipeline-complete side effect.
type Completion struct {
	EntityID           string                 `json:"entity_id"`
	EntityName         string                 `json:"entity_name"`
	RunID              string                 `json:"run_id,omitempty"`
	ItemsTotal         int                    `json:"items_total"`
	HighValueCount     int                    `json:"highvalue_count"`
	ArtifactsGenerated int                    `json:"artifacts_generated"`
	HighValueItems     []models.HighValueItem `json:"highvalue_items"`
	Timestamp          int64                  `json:"timestamp"`
}

// CompletionFromState snapshots the completion payload for a finished run.
func CompletionFromState(s *models.CoordinatorState) Completion {
	return Completion{
		EntityID:           s.EntityID,
		EntityName:         s.EntityName,
		RunID:              s.RunID,
		ItemsTotal:         s.ItemsTotal,
		HighValueCount:     len(s.ItemsSucceededHighValue),
		ArtifactsGenerated: s.ArtifactsGenerated,
		HighValueItems:     append([]models.HighValueItem{}, s.ItemsSucceededHighValue...),
		Timestamp:          time.Now().UnixMilli(),
	}
}

// PipelineComplete creates a pipeline.complete event
func PipelineComplete(c Completion, source string) *EventMessage {
	return &EventMessage{
		Type:     "pipeline.complete",
		Source:   source,
		EntityID: c.EntityID,
		TraceID:  c.RunID,
		Data: map[string]interface{}{
			"entity_name":         c.EntityName,
			"items_total":         c.ItemsTotal,
			"highvalue_count":     c.HighValueCount,
			"artifacts_generated": c.ArtifactsGenerated,
		},
		Timestamp: time.Now(),
	}
}

// TaskDeadLettered creates a task.dead_lettered event
func TaskDeadLettered(task *TaskMessage, deliveries uint64, reason string, source string) *EventMessage {
	return &EventMessage{
		Type:     "task.dead_lettered",
		Source:   source,
		EntityID: task.EntityID,
		TraceID:  task.TraceID,
		Data: map[string]interface{}{
			"task_kind":  string(task.TaskKind),
			"deliveries": deliveries,
			"reason":     reason,
		},
		Timestamp: time.Now(),
	}
}
