package queue

import "errors"

// Sentinel errors for the error kinds enumerated in the TaskFlow design
// (InvalidInput, TransitionDisallowed, BackendUnavailable). Backend
// implementations return ErrInvalidInput and ErrBackendUnavailable;
// UpdateTaskStatus reports a disallowed transition as false, nil rather than
// ErrTransitionDisallowed. NotFound is signalled by a nil, nil return rather
// than an error, matching the Optional-return shape of the interface.
var (
	ErrInvalidInput         = errors.New("queue: invalid input")
	ErrTransitionDisallowed = errors.New("queue: status transition disallowed")
	ErrBackendUnavailable   = errors.New("queue: backend unavailable")
)
