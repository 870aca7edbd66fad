package domain

import (
	"fmt"
	"strings"
)

// FieldProblem names one malformed input field.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports malformed input before anything is persisted.
type ValidationError struct {
	Problems []FieldProblem
}

func (e ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, reason string) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Reason: reason})
}

// Err returns e as an error, or nil when no problems were recorded.
func (e ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

func NewValidationError(field, reason string) ValidationError {
	return ValidationError{Problems: []FieldProblem{{Field: field, Reason: reason}}}
}

// ForbiddenError indicates the acting actor may not perform the operation.
type ForbiddenError struct {
	ActorID string
	Reason  string
}

func (e ForbiddenError) Error() string {
	if e.ActorID == "" {
		return "forbidden: " + e.Reason
	}
	return fmt.Sprintf("forbidden: actor %s %s", e.ActorID, e.Reason)
}

// TransitionError is returned when a status change breaks a state machine rule.
type TransitionError struct {
	From AssignmentStatus
	To   AssignmentStatus
	Rule string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Rule)
}

// ConflictError covers no-op edits and lost races. Retryable conflicts may
// succeed when the caller re-reads and tries again.
type ConflictError struct {
	Reason    string
	Retryable bool
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}
