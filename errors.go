package shirei

import "errors"

var (
	// ErrNotFound is returned when a referenced id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidKind is returned for an unsupported entity kind.
	ErrInvalidKind = errors.New("invalid kind")
	// ErrAlreadyResolved is returned when deciding on a conflict that is already terminal.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrInvalidTransition is returned when a suggestion is already in a terminal state
	// incompatible with the requested one.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrCapacityExceeded is reserved for station assignment.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalid is returned when a record violates one of its invariants.
	ErrInvalid = errors.New("invalid")
	// ErrRetiredID is returned when upserting a record under an id that was removed.
	// Ids are never reused.
	ErrRetiredID = errors.New("id retired")
	// ErrNoRoute is returned when a reroute has no alternate route to use.
	ErrNoRoute = errors.New("no alternate route")
)
