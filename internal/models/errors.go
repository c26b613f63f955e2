package models

import "errors"

// Error taxonomy shared across components. Callers classify with errors.Is.
var (
	// ErrNotFound: unknown ride/assignment/trip/payment id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: a transition was attempted from a state that does not
	// permit it (already accepted, already expired, offer stale). The loser
	// of a concurrent transition race always observes this error.
	ErrInvalidState = errors.New("invalid state")

	// ErrNoCandidate: matching found no eligible driver. A normal outcome,
	// not a failure.
	ErrNoCandidate = errors.New("no candidate")

	// ErrUpstreamUnavailable: the spatial cache or durable store could not
	// be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
