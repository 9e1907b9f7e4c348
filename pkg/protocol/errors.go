package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoMatch is returned by callers that need an error value for the
// "trigger phrase absent" outcome. It is not a failure: the event is
// simply not addressed to codehook.
var ErrNoMatch = errors.New("no trigger phrase in text")

// UnknownServerError reports a capability or preset name that is not
// present in the registry. Resolution treats it as a hard failure rather
// than silently dropping the name.
type UnknownServerError struct {
	Name   string
	Preset bool // true when Name was requested as a preset
}

func (e *UnknownServerError) Error() string {
	if e.Preset {
		return fmt.Sprintf("unknown capability preset %q", e.Name)
	}
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// CircularDependencyError reports a dependency cycle found during closure.
// Path lists the servers from the first repeated node back to itself.
type CircularDependencyError struct {
	Name string
	Path []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("circular dependency at capability %q", e.Name)
	}
	return fmt.Sprintf("circular dependency at capability %q: %s", e.Name, strings.Join(e.Path, " -> "))
}

// ConflictError reports two capabilities in the resolved set that declare
// a conflict. A is the one that comes first in startup order.
type ConflictError struct {
	A string
	B string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("capability %q conflicts with %q", e.A, e.B)
}

// IsResolutionError reports whether err is one of the resolution failures.
func IsResolutionError(err error) bool {
	var (
		unknown  *UnknownServerError
		cycle    *CircularDependencyError
		conflict *ConflictError
	)
	return errors.As(err, &unknown) || errors.As(err, &cycle) || errors.As(err, &conflict)
}

// DenyReason classifies an authorization rejection.
type DenyReason string

// Deny reasons produced by the permission gate.
const (
	DenyActorIsAutomation      DenyReason = "actor_is_automation"
	DenyInsufficientPermission DenyReason = "insufficient_permission"
)

// AuthorizationError is a rejected request. Detail is suitable for
// posting back to the human who triggered the run.
type AuthorizationError struct {
	Actor  string
	Reason DenyReason
	Detail string
}

func (e *AuthorizationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("actor %s denied: %s", e.Actor, e.Reason)
	}
	return fmt.Sprintf("actor %s denied: %s: %s", e.Actor, e.Reason, e.Detail)
}

// ExecutionTimedOutError is the terminal error of a run whose worker
// outlived its deadline.
type ExecutionTimedOutError struct {
	RunID   string
	Timeout string
}

func (e *ExecutionTimedOutError) Error() string {
	return fmt.Sprintf("run %s timed out after %s", e.RunID, e.Timeout)
}

// ExecutionFailedError is the terminal error of a run whose worker exited
// non-zero or could not be started. ExitCode is -1 when no exit status
// exists (spawn failure, signal).
type ExecutionFailedError struct {
	RunID    string
	ExitCode int
	Reason   string
}

func (e *ExecutionFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s failed (exit %d): %s", e.RunID, e.ExitCode, e.Reason)
	}
	return fmt.Sprintf("run %s failed (exit %d)", e.RunID, e.ExitCode)
}
