package approval

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a case or delegation does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input. The case is left untouched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError for a field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StaleStateError is returned when a transition is attempted against a case
// that is no longer in a state accepting that action. Refetching the case
// always shows the current state.
type StaleStateError struct {
	CaseID  string
	Current State
	Action  Action
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("case %s is %s: cannot %s", e.CaseID, e.Current, e.Action)
}

// UnassignableCaseError is returned when no user may act on a case.
type UnassignableCaseError struct {
	CaseID string
	Tier   Tier
	State  State
}

func (e *UnassignableCaseError) Error() string {
	return fmt.Sprintf("case %s (%s tier, %s) has no eligible approver", e.CaseID, e.Tier, e.State)
}

// NotEligibleError is returned when the actor may not decide on a case.
type NotEligibleError struct {
	CaseID  string
	ActorID string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("user %s is not an eligible approver for case %s", e.ActorID, e.CaseID)
}

// IsStale reports whether err is a StaleStateError.
func IsStale(err error) bool {
	var target *StaleStateError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
