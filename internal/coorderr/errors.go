// Package coorderr defines the error kinds shared by the coordination core.
//
// Every error returned by the orchestrator, escalation, debate and store
// packages is either a *Error or wraps one, so callers can branch on the kind
// with errors.Is against the exported sentinels:
//
//	if errors.Is(err, coorderr.ErrNotFound) { ... }
package coorderr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a coordination failure.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidTransition  Kind = "invalid_transition"
	KindTerminalState      Kind = "terminal_state"
	KindAlreadyResolved    Kind = "already_resolved"
	KindInvalidChoice      Kind = "invalid_choice"
	KindUnresolvedBlockers Kind = "unresolved_blockers"
	KindAlreadyActive      Kind = "already_active"
	KindInvalidArgument    Kind = "invalid_argument"
	KindVersionConflict    Kind = "version_conflict"
	KindPersistenceFailure Kind = "persistence_failure"
)

// Error codes, stable across releases.
const (
	CodeNotFound           = "ACC001"
	CodeInvalidTransition  = "ACC002"
	CodeTerminalState      = "ACC003"
	CodeAlreadyResolved    = "ACC004"
	CodeInvalidChoice      = "ACC005"
	CodeUnresolvedBlockers = "ACC006"
	CodeAlreadyActive      = "ACC007"
	CodeInvalidArgument    = "ACC008"
	CodeVersionConflict    = "ACC009"
	CodePersistenceFailure = "ACC010"
)

// Sentinels for errors.Is matching.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrTerminalState      = errors.New("orchestration is in a terminal state")
	ErrAlreadyResolved    = errors.New("already resolved")
	ErrInvalidChoice      = errors.New("chosen option is not among the options considered")
	ErrUnresolvedBlockers = errors.New("unresolved blocker concerns")
	ErrAlreadyActive      = errors.New("another orchestration is already active")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrVersionConflict    = errors.New("record version conflict")
	ErrPersistenceFailure = errors.New("persistence failure")
)

var kinds = map[Kind]struct {
	code     string
	sentinel error
}{
	KindNotFound:           {CodeNotFound, ErrNotFound},
	KindInvalidTransition:  {CodeInvalidTransition, ErrInvalidTransition},
	KindTerminalState:      {CodeTerminalState, ErrTerminalState},
	KindAlreadyResolved:    {CodeAlreadyResolved, ErrAlreadyResolved},
	KindInvalidChoice:      {CodeInvalidChoice, ErrInvalidChoice},
	KindUnresolvedBlockers: {CodeUnresolvedBlockers, ErrUnresolvedBlockers},
	KindAlreadyActive:      {CodeAlreadyActive, ErrAlreadyActive},
	KindInvalidArgument:    {CodeInvalidArgument, ErrInvalidArgument},
	KindVersionConflict:    {CodeVersionConflict, ErrVersionConflict},
	KindPersistenceFailure: {CodePersistenceFailure, ErrPersistenceFailure},
}

// Error is a coded coordination error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Entity is the record type involved, e.g. "orchestration" or "gate".
	Entity string
	// ID is the identifier of the record involved.
	ID    string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Code)
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Entity != "" {
		fmt.Fprintf(&b, " (%s", e.Entity)
		if e.ID != "" {
			fmt.Fprintf(&b, " id=%s", e.ID)
		}
		b.WriteString(")")
	} else if e.ID != "" {
		fmt.Fprintf(&b, " (id=%s)", e.ID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	if k, ok := kinds[e.Kind]; ok {
		return target == k.sentinel
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, entity, id, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    kinds[kind].code,
		Message: fmt.Sprintf(format, args...),
		Entity:  entity,
		ID:      id,
	}
}

// Wrap creates an Error of the given kind carrying cause.
func Wrap(kind Kind, cause error, entity, id, format string, args ...any) *Error {
	e := New(kind, entity, id, format, args...)
	e.Cause = cause
	return e
}

// NotFound is shorthand for a KindNotFound error.
func NotFound(entity, id string) *Error {
	return New(KindNotFound, entity, id, "%s not found", entity)
}

// Persistence wraps a storage failure.
func Persistence(cause error, entity, id, op string) *Error {
	return Wrap(KindPersistenceFailure, cause, entity, id, "%s failed", op)
}

// KindOf returns the kind of err, or "" when err is not a coordination error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is one of the local, recoverable kinds
// that must leave persisted state untouched.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidTransition, KindTerminalState, KindAlreadyResolved,
		KindInvalidChoice, KindUnresolvedBlockers, KindAlreadyActive, KindInvalidArgument:
		return true
	}
	return false
}
