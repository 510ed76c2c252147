package runtime

import "errors"

// Error taxonomy shared across the runtime and the agents built on it.
// Store and lookup failures propagate immediately; sandbox faults are
// captured into ExecutionResult and never returned as errors.
var (
	// ErrNotFound is returned when a uid is absent from the store.
	ErrNotFound = errors.New("artifact not found")

	// ErrCollision is returned when a uid is registered twice. With
	// uuid-generated uids this is normally unreachable.
	ErrCollision = errors.New("artifact uid collision")

	// ErrConfiguration marks missing required credentials or capabilities.
	// It is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)
