package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a Sentinel error.
type ErrorKind string

const (
	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindValidation indicates input outside its allowed domain.
	KindValidation ErrorKind = "validation"
	// KindInvalidTransition indicates a lifecycle transition outside the adjacency map.
	KindInvalidTransition ErrorKind = "invalid_transition"
	// KindInvalidState indicates an operation on an entity in the wrong state.
	KindInvalidState ErrorKind = "invalid_state"
	// KindEvaluatorFailure indicates the rule evaluator failed or timed out.
	KindEvaluatorFailure ErrorKind = "evaluator_failure"
	// KindConflict indicates a uniqueness clash or a lost concurrent update.
	KindConflict ErrorKind = "conflict"
)

// ErrStale is returned by stores when a conditional update matched no row
// because the record changed underneath the caller.
var ErrStale = errors.New("record changed concurrently")

// Error is the structured error returned by Sentinel services and stores.
type Error struct {
	Err     error
	Kind    ErrorKind
	Entity  string
	ID      string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.ID != "":
		return fmt.Sprintf("%s %s %s: %s", e.Entity, e.ID, e.Kind, e.Message)
	case e.Entity != "":
		return fmt.Sprintf("%s %s: %s", e.Entity, e.Kind, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Entity:  entity,
		ID:      id,
		Message: "not found",
	}
}

// Validation reports invalid input.
func Validation(entity, format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Entity:  entity,
		Message: fmt.Sprintf(format, args...),
	}
}

// InvalidTransition reports an illegal lifecycle transition.
func InvalidTransition(threatID string, from, to ThreatStatus) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Entity:  "threat",
		ID:      threatID,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

// InvalidState reports an operation attempted in the wrong state.
func InvalidState(entity, id, format string, args ...any) *Error {
	return &Error{
		Kind:    KindInvalidState,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf(format, args...),
	}
}

// EvaluatorFailure wraps an evaluator error for a rule.
func EvaluatorFailure(ruleID string, err error) *Error {
	return &Error{
		Kind:    KindEvaluatorFailure,
		Entity:  "policy rule",
		ID:      ruleID,
		Message: err.Error(),
		Err:     err,
	}
}

// Conflict reports a uniqueness clash or an exhausted compare-and-set.
func Conflict(entity, id, format string, args ...any) *Error {
	return &Error{
		Kind:    KindConflict,
		Entity:  entity,
		ID:      id,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsInvalidTransition checks if the error is an illegal lifecycle transition.
func IsInvalidTransition(err error) bool { return KindOf(err) == KindInvalidTransition }

// IsInvalidState checks if the error is a wrong-state error.
func IsInvalidState(err error) bool { return KindOf(err) == KindInvalidState }

// IsEvaluatorFailure checks if the error is an evaluator failure.
func IsEvaluatorFailure(err error) bool { return KindOf(err) == KindEvaluatorFailure }

// IsConflict checks if the error is a conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
