package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// Response statuses returned by the coordinator.
const (
	StatusOrchestrating  = "orchestrating"
	StatusAlreadyRunning = "already_running"
	StatusSuccess        = "success"
	StatusProcessing     = "processing"
	StatusComplete       = "complete"
	StatusRetrying       = "retrying"
	StatusError          = "error"
	StatusIgnored        = "ignored"
	StatusDuplicate      = "duplicate"
	StatusNotInitialized = "not_initialized"
	StatusReset          = "reset"
)

// Policy holds the fixed limits the state machine enforces.
type Policy struct {
	LocatorTTL         time.Duration
	RetryCeiling       int
	HighValueThreshold int
}

// DefaultPolicy returns a 7 day locator TTL, a ceiling of 3 consecutive
// failures and a high-value threshold of 75.
func DefaultPolicy() Policy {
	return Policy{
		LocatorTTL:         7 * 24 * time.Hour,
		RetryCeiling:       3,
		HighValueThreshold: 75,
	}
}

// OrchestrateResult is the response to an orchestrate request.
type OrchestrateResult struct {
	Status  string       `json:"status"`
	Phase   models.Phase `json:"phase"`
	Message string       `json:"message"`
	Entity  string       `json:"entity,omitempty"`
}

// CallbackResult is the response to an agent-complete callback.
type CallbackResult struct {
	Status   string       `json:"status"`
	Phase    models.Phase `json:"phase"`
	Progress string       `json:"progress,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type transition struct {
	from, to models.Phase
}

// effects are the side effects a transition asks the actor to perform after
// the new state has been persisted.
type effects struct {
	tasks       []*messages.TaskMessage
	notify      bool
	transitions []transition
}

// machine holds the pure transition logic. It mutates the state it is given
// and never performs I/O.
type machine struct {
	policy   Policy
	now      func() time.Time
	newRunID func() string
}

func (m *machine) setPhase(s *models.CoordinatorState, to models.Phase, eff *effects) {
	if s.Phase == to {
		return
	}
	eff.transitions = append(eff.transitions, transition{from: s.Phase, to: to})
	s.Phase = to
	m.touch(s)
}

func (m *machine) touch(s *models.CoordinatorState) {
	now := m.now()
	if now.Before(s.UpdatedAt) {
		now = s.UpdatedAt
	}
	s.UpdatedAt = now
}

func (m *machine) locatorStale(s *models.CoordinatorState) bool {
	if s.ResourceLocator == nil || *s.ResourceLocator == "" || s.DiscoveredAt == nil {
		return true
	}
	return m.now().Sub(*s.DiscoveredAt) > m.policy.LocatorTTL
}

// startRun begins a new pipeline run unless one is already in flight.
func (m *machine) startRun(s *models.CoordinatorState, force bool) (*OrchestrateResult, effects) {
	var eff effects

	if !s.Phase.IsTerminal() && !force {
		return &OrchestrateResult{
			Status:  StatusAlreadyRunning,
			Phase:   s.Phase,
			Message: fmt.Sprintf("Orchestration already in progress (phase: %s)", s.Phase),
			Entity:  s.EntityName,
		}, eff
	}

	s.RunID = m.newRunID()
	s.ItemsTotal = 0
	s.ItemsProcessed = 0
	s.ArtifactsGenerated = 0
	s.ItemsSucceededHighValue = []models.HighValueItem{}
	s.ItemIDs = nil
	s.ProcessedItems = nil
	s.ArtifactItems = nil
	s.RetryCount = 0
	s.LastError = nil

	if force || m.locatorStale(s) {
		m.setPhase(s, models.PhaseDiscovering, &eff)
		eff.tasks = append(eff.tasks, messages.DiscoverTask(s.EntityID, s.EntityRef, s.EntityName, s.RunID))
		return &OrchestrateResult{
			Status:  StatusOrchestrating,
			Phase:   s.Phase,
			Message: "Discovering resource locator...",
			Entity:  s.EntityName,
		}, eff
	}

	m.startCollection(s, &eff)
	return &OrchestrateResult{
		Status:  StatusOrchestrating,
		Phase:   s.Phase,
		Message: fmt.Sprintf("Collecting items from %s...", *s.ResourceLocator),
		Entity:  s.EntityName,
	}, eff
}

func (m *machine) startCollection(s *models.CoordinatorState, eff *effects) {
	m.setPhase(s, models.PhaseCollecting, eff)
	eff.tasks = append(eff.tasks, messages.CollectTask(s.EntityID, s.EntityRef, *s.ResourceLocator, s.RunID))
}

func accepts(phase models.Phase, kind messages.AgentKind) bool {
	switch kind {
	case messages.AgentDiscover:
		return phase == models.PhaseDiscovering || phase == models.PhaseResourceLocated
	case messages.AgentCollect:
		return phase == models.PhaseCollecting || phase == models.PhaseCollected
	case messages.AgentProcessItem:
		return phase == models.PhaseProcessingItems
	case messages.AgentGenerateArtifact:
		return phase == models.PhaseProcessingItems || phase == models.PhaseAggregating
	}
	return false
}

// apply folds one agent outcome into the state. A returned error, or an
// ignored or duplicate status, means the state was not touched.
func (m *machine) apply(s *models.CoordinatorState, kind messages.AgentKind, out messages.Outcome) (*CallbackResult, effects, error) {
	var eff effects

	if _, err := messages.ParseAgentKind(string(kind)); err != nil {
		return nil, eff, err
	}
	if s.Phase.IsTerminal() {
		return m.ignored(s, "no run in progress"), eff, nil
	}
	if out.RunID != "" && out.RunID != s.RunID {
		return m.ignored(s, "stale run"), eff, nil
	}
	if !accepts(s.Phase, kind) {
		return m.ignored(s, fmt.Sprintf("%s not expected in phase %s", kind, s.Phase)), eff, nil
	}

	if out.Failed() {
		if m.itemSettled(s, kind, out.ItemID) {
			return &CallbackResult{Status: StatusDuplicate, Phase: s.Phase, Progress: fmt.Sprintf("item %s already settled", out.ItemID)}, eff, nil
		}
		return m.fail(s, out.Err, &eff), eff, nil
	}

	var (
		res *CallbackResult
		err error
	)
	switch kind {
	case messages.AgentDiscover:
		res, err = m.discovered(s, out, &eff)
	case messages.AgentCollect:
		res, err = m.collected(s, out, &eff)
	case messages.AgentProcessItem:
		res, err = m.itemProcessed(s, out, &eff)
	case messages.AgentGenerateArtifact:
		res, err = m.artifactGenerated(s, out, &eff)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAgentKind, kind)
	}
	return res, eff, err
}

// itemSettled reports whether a failure for itemID arrives after the item
// already succeeded, as happens when a redelivered task fails.
func (m *machine) itemSettled(s *models.CoordinatorState, kind messages.AgentKind, itemID string) bool {
	if itemID == "" {
		return false
	}
	switch kind {
	case messages.AgentProcessItem:
		return s.ProcessedItems[itemID]
	case messages.AgentGenerateArtifact:
		return s.ArtifactItems[itemID]
	}
	return false
}

func (m *machine) ignored(s *models.CoordinatorState, reason string) *CallbackResult {
	return &CallbackResult{Status: StatusIgnored, Phase: s.Phase, Progress: reason}
}

func (m *machine) fail(s *models.CoordinatorState, msg string, eff *effects) *CallbackResult {
	s.RetryCount++
	s.LastError = &msg
	m.touch(s)

	if s.RetryCount >= m.policy.RetryCeiling {
		m.setPhase(s, models.PhaseError, eff)
		return &CallbackResult{Status: StatusError, Phase: s.Phase, Error: msg}
	}
	return &CallbackResult{
		Status:   StatusRetrying,
		Phase:    s.Phase,
		Progress: fmt.Sprintf("%d/%d failures", s.RetryCount, m.policy.RetryCeiling),
	}
}

func decodeResult(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing result", ErrInvalidOutcome)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	return nil
}

func (m *machine) discovered(s *models.CoordinatorState, out messages.Outcome, eff *effects) (*CallbackResult, error) {
	var r messages.DiscoverResult
	if err := decodeResult(out.Result, &r); err != nil {
		return nil, err
	}
	if r.URL == "" {
		return nil, fmt.Errorf("%w: discovery returned no url", ErrInvalidOutcome)
	}
	if r.Method == "" {
		r.Method = "agent"
	}

	s.RetryCount = 0
	now := m.now()
	s.ResourceLocator = &r.URL
	s.LocatorSource = r.Method
	s.DiscoveredAt = &now
	m.setPhase(s, models.PhaseResourceLocated, eff)

	// Chain straight into collection; no external poll is needed.
	m.startCollection(s, eff)

	return &CallbackResult{Status: StatusSuccess, Phase: s.Phase, Progress: "resource located, collecting items"}, nil
}

func (m *machine) collected(s *models.CoordinatorState, out messages.Outcome, eff *effects) (*CallbackResult, error) {
	var r messages.CollectResult
	if err := decodeResult(out.Result, &r); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(r.Items))
	seen := make(map[string]bool, len(r.Items))
	for _, it := range r.Items {
		if it.ID == "" {
			return nil, fmt.Errorf("%w: collected item without id", ErrInvalidOutcome)
		}
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		ids = append(ids, it.ID)
	}

	s.RetryCount = 0
	now := m.now()
	s.LastCollectedAt = &now
	s.ItemIDs = ids
	s.ItemsTotal = len(ids)
	s.ItemsProcessed = 0
	s.ArtifactsGenerated = 0
	s.ItemsSucceededHighValue = []models.HighValueItem{}
	s.ProcessedItems = map[string]bool{}
	s.ArtifactItems = map[string]bool{}
	m.setPhase(s, models.PhaseCollected, eff)

	if len(ids) == 0 {
		m.setPhase(s, models.PhaseComplete, eff)
		eff.notify = true
		return &CallbackResult{Status: StatusComplete, Phase: s.Phase, Progress: "0 items found"}, nil
	}

	for _, id := range ids {
		eff.tasks = append(eff.tasks, messages.ProcessItemTask(s.EntityID, s.EntityRef, id, s.RunID))
	}
	m.setPhase(s, models.PhaseProcessingItems, eff)

	return &CallbackResult{
		Status:   StatusProcessing,
		Phase:    s.Phase,
		Progress: fmt.Sprintf("0/%d items processed", s.ItemsTotal),
	}, nil
}

func (m *machine) itemProcessed(s *models.CoordinatorState, out messages.Outcome, eff *effects) (*CallbackResult, error) {
	var r messages.ItemResult
	if err := decodeResult(out.Result, &r); err != nil {
		return nil, err
	}
	if r.ItemID == "" {
		return nil, fmt.Errorf("%w: item result without item_id", ErrInvalidOutcome)
	}
	if !s.HasItem(r.ItemID) {
		return m.ignored(s, fmt.Sprintf("item %s not part of this run", r.ItemID)), nil
	}
	if s.ProcessedItems[r.ItemID] {
		return &CallbackResult{Status: StatusDuplicate, Phase: s.Phase, Progress: m.itemProgress(s)}, nil
	}

	s.RetryCount = 0
	if s.ProcessedItems == nil {
		s.ProcessedItems = map[string]bool{}
	}
	s.ProcessedItems[r.ItemID] = true
	s.ItemsProcessed++
	m.touch(s)

	if r.Score >= m.policy.HighValueThreshold {
		s.ItemsSucceededHighValue = append(s.ItemsSucceededHighValue, models.HighValueItem{
			ItemID: r.ItemID,
			Score:  r.Score,
			Label:  r.Label,
		})
		eff.tasks = append(eff.tasks, messages.GenerateArtifactTask(s.EntityID, s.EntityRef, r.ItemID, s.RunID))
	}

	if s.ItemsProcessed == s.ItemsTotal {
		m.setPhase(s, models.PhaseAggregating, eff)
		m.maybeComplete(s, eff)
	}

	status := StatusSuccess
	if s.Phase == models.PhaseComplete {
		status = StatusComplete
	}
	return &CallbackResult{Status: status, Phase: s.Phase, Progress: m.itemProgress(s)}, nil
}

func (m *machine) artifactGenerated(s *models.CoordinatorState, out messages.Outcome, eff *effects) (*CallbackResult, error) {
	var r messages.ArtifactResult
	if err := decodeResult(out.Result, &r); err != nil {
		return nil, err
	}
	if r.ItemID == "" {
		return nil, fmt.Errorf("%w: artifact result without item_id", ErrInvalidOutcome)
	}
	if !s.IsHighValue(r.ItemID) {
		return m.ignored(s, fmt.Sprintf("item %s is not high-value", r.ItemID)), nil
	}
	if s.ArtifactItems[r.ItemID] {
		return &CallbackResult{Status: StatusDuplicate, Phase: s.Phase, Progress: m.artifactProgress(s)}, nil
	}

	s.RetryCount = 0
	if s.ArtifactItems == nil {
		s.ArtifactItems = map[string]bool{}
	}
	s.ArtifactItems[r.ItemID] = true
	s.ArtifactsGenerated++
	m.touch(s)

	m.maybeComplete(s, eff)

	status := StatusSuccess
	if s.Phase == models.PhaseComplete {
		status = StatusComplete
	}
	return &CallbackResult{Status: status, Phase: s.Phase, Progress: m.artifactProgress(s)}, nil
}

// maybeComplete closes the run once every item has joined and every
// high-value item has its artifact.
func (m *machine) maybeComplete(s *models.CoordinatorState, eff *effects) {
	if s.Phase != models.PhaseAggregating {
		return
	}
	if s.ArtifactsGenerated < len(s.ItemsSucceededHighValue) {
		return
	}
	m.setPhase(s, models.PhaseComplete, eff)
	eff.notify = true
}

func (m *machine) itemProgress(s *models.CoordinatorState) string {
	return fmt.Sprintf("%d/%d items processed", s.ItemsProcessed, s.ItemsTotal)
}

func (m *machine) artifactProgress(s *models.CoordinatorState) string {
	return fmt.Sprintf("%d/%d artifacts generated", s.ArtifactsGenerated, len(s.ItemsSucceededHighValue))
}
