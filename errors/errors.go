// Package errors provides structured error types for the pad-kit packages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Op describes the operation during which an error occurred,
// e.g. "ot.Compose" or "client.applyHistory".
type Op string

// Component identifies the subsystem that generated the error,
// e.g. "client/engine" or "storage/sqlite".
type Component string

// Kind classifies errors into a small fixed set of categories.
type Kind uint8

const (
	KindOther     Kind = iota // unclassified
	KindInvalid               // programming-contract violation, caller misuse
	KindProtocol              // wire protocol violation, fatal to the connection
	KindTransport             // socket or network failure, retryable
	KindDesync                // client state is unrecoverable, engine must be recreated
	KindStorage               // persistence layer failure
	KindNotFound              // entity does not exist
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindDesync:
		return "desync"
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not_found"
	}
	return "other"
}

// Error is the concrete error type used throughout the module.
type Error struct {
	Op        Op
	Component Component
	Kind      Kind
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Component != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "[%s]", e.Component)
	}
	if e.Kind != KindOther {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "<%s>", e.Kind)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "unknown error"
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from its arguments. Each argument sets the field
// corresponding to its type: Op, Component, Kind, error, or string
// (converted to an error via errors.New). Later arguments of the same
// type override earlier ones.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case *Error:
			e.Err = a
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			e.Err = errors.New(a)
		default:
			e.Err = fmt.Errorf("unexpected argument %v (%T) to errors.E", a, a)
		}
	}
	return e
}

// KindOf returns the Kind of err, unwrapping as needed.
// Errors that are not *Error report KindOther.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether the failure is transient and the operation
// may be retried. Only transport failures self-heal; protocol and
// contract violations never do.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransport)
}

// Is, As and New re-export the standard library helpers so callers do not
// need a second errors import.
func Is(err, target error) bool             { return errors.Is(err, target) }
func As(err error, target interface{}) bool { return errors.As(err, target) }
func New(text string) error                 { return errors.New(text) }
