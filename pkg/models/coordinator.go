package models

import (
	"time"
)

// Phase is the coordinator's current stage in its state machine.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseDiscovering     Phase = "discovering"
	PhaseResourceLocated Phase = "resource_located"
	PhaseCollecting      Phase = "collecting"
	PhaseCollected       Phase = "collected"
	PhaseProcessingItems Phase = "processing_items"
	PhaseAggregating     Phase = "aggregating"
	PhaseComplete        Phase = "complete"
	PhaseError           Phase = "error"
)

// IsTerminal reports whether a new run may start from this phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseIdle || p == PhaseComplete || p == PhaseError
}

// Entity holds the facts read from the system of record when a coordinator
// is first created.
type Entity struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Ref  string `json:"ref" yaml:"ref"` // e.g. the organization's domain
}

// HighValueItem is an item whose processing score crossed the high-value threshold.
type HighValueItem struct {
	ItemID string `json:"item_id"`
	Score  int    `json:"score"`
	Label  string `json:"label"`
}

// CoordinatorState is the durable orchestration state for one entity.
type CoordinatorState struct {
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	EntityRef  string `json:"entity_ref"`

	Phase Phase  `json:"phase"`
	RunID string `json:"run_id,omitempty"`

	ResourceLocator *string    `json:"resource_locator"`
	LocatorSource   string     `json:"locator_source,omitempty"`
	DiscoveredAt    *time.Time `json:"discovered_at,omitempty"`

	ItemsTotal              int             `json:"items_total"`
	ItemsProcessed          int             `json:"items_processed"`
	ItemsSucceededHighValue []HighValueItem `json:"items_succeeded_highvalue"`
	ArtifactsGenerated      int             `json:"artifacts_generated"`

	// Dedupe bookkeeping for at-least-once callbacks, scoped to RunID.
	ItemIDs         []string        `json:"item_ids,omitempty"`
	ProcessedItems  map[string]bool `json:"processed_items,omitempty"`
	ArtifactItems   map[string]bool `json:"artifact_items,omitempty"`
	LastCollectedAt *time.Time      `json:"last_collected_at,omitempty"`

	LastError  *string `json:"last_error"`
	RetryCount int     `json:"retry_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCoordinatorState creates an idle state seeded from the given entity.
func NewCoordinatorState(entity *Entity, now time.Time) *CoordinatorState {
	return &CoordinatorState{
		EntityID:                entity.ID,
		EntityName:              entity.Name,
		EntityRef:               entity.Ref,
		Phase:                   PhaseIdle,
		ItemsSucceededHighValue: []HighValueItem{},
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

// Clone returns a deep copy so snapshots handed out never alias actor-owned state.
func (s *CoordinatorState) Clone() *CoordinatorState {
	if s == nil {
		return nil
	}
	c := *s
	if s.ResourceLocator != nil {
		v := *s.ResourceLocator
		c.ResourceLocator = &v
	}
	if s.DiscoveredAt != nil {
		v := *s.DiscoveredAt
		c.DiscoveredAt = &v
	}
	if s.LastCollectedAt != nil {
		v := *s.LastCollectedAt
		c.LastCollectedAt = &v
	}
	if s.LastError != nil {
		v := *s.LastError
		c.LastError = &v
	}
	c.ItemsSucceededHighValue = append([]HighValueItem{}, s.ItemsSucceededHighValue...)
	if s.ItemIDs != nil {
		c.ItemIDs = append([]string{}, s.ItemIDs...)
	}
	c.ProcessedItems = cloneSet(s.ProcessedItems)
	c.ArtifactItems = cloneSet(s.ArtifactItems)
	return &c
}

// IsHighValue reports whether itemID is in the high-value list.
func (s *CoordinatorState) IsHighValue(itemID string) bool {
	for _, it := range s.ItemsSucceededHighValue {
		if it.ItemID == itemID {
			return true
		}
	}
	return false
}

// HasItem reports whether itemID was delivered by the last collection.
func (s *CoordinatorState) HasItem(itemID string) bool {
	for _, id := range s.ItemIDs {
		if id == itemID {
			return true
		}
	}
	return false
}

func cloneSet(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
