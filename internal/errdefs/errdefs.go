// Package errdefs defines the error kinds shared across the runtime core.
// Callers classify errors with errors.Is against the sentinel kinds; packages
// wrap them with fmt.Errorf("component: verb: %w", ...) for context.
package errdefs

import (
	"errors"
	"fmt"
)

// Data-plane errors: surfaced to the caller, never retried.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrTooLarge      = errors.New("too large")
	ErrValidation    = errors.New("validation failed")
)

// Core invariant violations: fatal to the cycle, which moves to FAILED with a
// logged trace (see Fatal).
var (
	ErrState    = errors.New("state error")
	ErrArtifact = errors.New("artifact error")
)

// Control-plane outcomes: expected, resolve to IDLE, no stack trace logged.
var (
	ErrCancelled = errors.New("cancelled")
	ErrTimeout   = errors.New("timeout")
)

// Retryable provider-side conditions.
var (
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient failure")
)

// Recoverable agent-facing failures: returned to the LLM as tool-result text.
var (
	ErrProvider = errors.New("provider error")
	ErrTool     = errors.New("tool error")
	ErrSandbox  = errors.New("sandbox error")
)

// Never-recovered conditions.
var (
	ErrSecurityViolation = errors.New("security violation")
	ErrHotReload         = errors.New("hot reload failed")
	ErrNoCapablePeer     = errors.New("no capable peer")
)

// Wrap annotates err with a component/verb prefix while preserving the kind.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Fatal reports whether an error must abort the cycle into FAILED rather than
// resolving back to IDLE.
func Fatal(err error) bool {
	return errors.Is(err, ErrSecurityViolation) ||
		errors.Is(err, ErrState) ||
		errors.Is(err, ErrArtifact)
}

// Recoverable reports whether an error may be handed back to the LLM as a
// tool result so the agent can adjust course.
func Recoverable(err error) bool {
	return errors.Is(err, ErrProvider) ||
		errors.Is(err, ErrTool) ||
		errors.Is(err, ErrSandbox) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation)
}
