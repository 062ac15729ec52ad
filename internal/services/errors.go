package services

import "errors"

// ErrBackendUnavailable indicates an ML backend (generative, embedding,
// or vector store) could not be reached. It never crosses a service
// boundary: callers inside this package degrade to documented fallbacks.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrNoAlertsInGroup indicates a generation precondition failure: the
// target group has no member alerts.
var ErrNoAlertsInGroup = errors.New("no alerts found in group")

// ErrInvalidTransition indicates a disallowed RCA status transition,
// such as any transition out of the terminal closed state.
var ErrInvalidTransition = errors.New("invalid status transition")
