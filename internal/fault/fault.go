// Package fault defines the error taxonomy shared by the billing engine.
//
// Storage-level invariant violations are translated into these sentinels at
// the repository/service boundary and are never silently swallowed. Callers
// classify with errors.Is.
package fault

import "errors"

var (
	// ErrConflict signals that a uniqueness or conditional invariant was
	// taken by a concurrent writer. Retryable after re-reading state.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState signals an operation against a row not in the
	// required lifecycle state. Not retryable with the same input.
	ErrInvalidState = errors.New("invalid_state")

	// ErrValidation signals malformed input. Never retried automatically.
	ErrValidation = errors.New("validation")

	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("not_found")

	// ErrTransientProvider signals a failure while calling the payment
	// provider adapter. Drives Fail() on the owning billing event and is
	// retried up to the attempt cap.
	ErrTransientProvider = errors.New("transient_provider")

	// ErrTerminalProcessing signals an event whose attempt cap is
	// exhausted. Surfaced for manual remediation.
	ErrTerminalProcessing = errors.New("terminal_processing")
)

func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }
func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
