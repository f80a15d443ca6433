package persistence

import (
	"errors"
	"fmt"
)

// Sentinel errors for the operation surface. Callers branch with errors.Is.
var (
	// ErrTaskNotFound is returned when an operation references a task_id
	// that does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidStateTransition is returned when a claim targets a task
	// that is not pending — including the losing side of a claim race.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrConfirmationRequired is returned when ClearDomain is invoked
	// without the exact confirmation literal.
	ErrConfirmationRequired = errors.New("confirmation token required")

	// ErrDuplicateTaskID is returned when an insert collides with an
	// existing task_id. UpsertTask is the one sanctioned path around it.
	ErrDuplicateTaskID = errors.New("duplicate task id")

	// ErrScheduleNotFound is returned when a schedule id does not exist.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// ValidationError reports a malformed argument caught before any
// transaction is begun.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func requireField(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}
