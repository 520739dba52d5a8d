package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the request boundary.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindForbidden    Kind = "forbidden"
	KindUnauthorized Kind = "unauthorized"
	KindConsistency  Kind = "consistency"
)

// Error carries a Kind alongside a human-readable message and optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrInvalidTaskType     = &Error{Kind: KindValidation, Msg: "invalid task type"}
	ErrInvalidStatus       = &Error{Kind: KindValidation, Msg: "invalid status"}
	ErrInvalidAvailability = &Error{Kind: KindValidation, Msg: "invalid availability"}

	ErrMechanicNotFound  = &Error{Kind: KindNotFound, Msg: "mechanic not found"}
	ErrTaskNotFound      = &Error{Kind: KindNotFound, Msg: "task not found"}
	ErrAssignmentMissing = &Error{Kind: KindNotFound, Msg: "assignment entry not found on mechanic"}

	ErrMechanicInactive          = &Error{Kind: KindConflict, Msg: "mechanic account is deactivated"}
	ErrMechanicUnavailable       = &Error{Kind: KindConflict, Msg: "mechanic is busy or offline"}
	ErrAlreadyAssignedToMechanic = &Error{Kind: KindConflict, Msg: "task is already assigned to this mechanic"}
	ErrTaskAlreadyAssigned       = &Error{Kind: KindConflict, Msg: "task is already assigned to another mechanic"}
	ErrTaskClosed                = &Error{Kind: KindConflict, Msg: "task is no longer open for assignment"}
	ErrIllegalTransition         = &Error{Kind: KindConflict, Msg: "illegal status transition"}
	ErrAssignmentInProgress      = &Error{Kind: KindConflict, Msg: "another assignment for this task is in progress"}
	ErrMechanicHasActiveTasks    = &Error{Kind: KindConflict, Msg: "mechanic still has active tasks"}
	ErrDuplicateMechanic         = &Error{Kind: KindConflict, Msg: "mechanic with this email already exists"}
	ErrTaskNotRateable           = &Error{Kind: KindConflict, Msg: "task cannot be rated"}
	ErrMechanicChanged           = &Error{Kind: KindConflict, Msg: "mechanic changed concurrently, try again"}

	ErrNotAssignedToCaller = &Error{Kind: KindForbidden, Msg: "task is not assigned to you"}

	ErrInvalidCredentials = &Error{Kind: KindUnauthorized, Msg: "invalid credentials"}

	// ErrTransactionsUnsupported is returned by stores without multi-document transactions.
	ErrTransactionsUnsupported = errors.New("store does not support transactions")
)

// Invalid builds a validation error.
func Invalid(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Inconsistent builds the fatal error raised when a compensation fails and the
// mechanic and task records disagree.
func Inconsistent(msg string, cause error) error {
	return &Error{Kind: KindConsistency, Msg: msg, Err: cause}
}

// AsError returns the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" for untyped (internal) errors.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}
