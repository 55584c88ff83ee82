// Package guard holds pure precondition checks the scheduler applies
// before acting on a row it did not just write.
package guard

import (
	"errors"
	"time"

	eventdomain "github.com/planfolio/billing/internal/event/domain"
	planchangedomain "github.com/planfolio/billing/internal/planchange/domain"
)

var (
	ErrEventNotFailed     = errors.New("event_not_failed")
	ErrAttemptsRemaining  = errors.New("event_attempts_remaining")
	ErrScheduleNotPending = errors.New("schedule_not_pending")
	ErrScheduleNotDue     = errors.New("schedule_not_due")
)

// EnsureEventTerminal confirms an event exhausted its retry budget and is
// worth surfacing for manual remediation.
func EnsureEventTerminal(status eventdomain.EventStatus, attemptCount, maxAttempts int) error {
	if status != eventdomain.StatusFailed {
		return ErrEventNotFailed
	}
	if attemptCount < maxAttempts {
		return ErrAttemptsRemaining
	}
	return nil
}

// EnsureScheduleDue confirms a schedule is still pending and its effective
// time has passed.
func EnsureScheduleDue(status planchangedomain.ScheduleStatus, effectiveAt, now time.Time) error {
	if status != planchangedomain.StatusPending {
		return ErrScheduleNotPending
	}
	if now.Before(effectiveAt) {
		return ErrScheduleNotDue
	}
	return nil
}
