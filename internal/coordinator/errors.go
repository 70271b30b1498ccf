package coordinator

import (
	"errors"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
)

var (
	// ErrDependencyUnavailable means the system of record could not seed a new state.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrNotInitialized means no state exists for the entity.
	ErrNotInitialized = errors.New("not initialized")
	// ErrUnknownAgentKind means a callback named an agent the coordinator does not know.
	ErrUnknownAgentKind = messages.ErrUnknownAgentKind
	// ErrInvalidOutcome means a success callback carried an unusable result.
	ErrInvalidOutcome = errors.New("invalid agent result")
	// ErrStorage wraps state store failures.
	ErrStorage = errors.New("state storage failure")
	// ErrEnqueue wraps task queue failures.
	ErrEnqueue = errors.New("failed to enqueue task")
	// ErrClosed is returned once the registry has shut down.
	ErrClosed = errors.New("coordinator registry closed")
)
