// Package apperror classifies failures crossing the monitor's component boundaries.
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Transport          Kind = "transport"
	Persistence        Kind = "persistence"
	InvariantViolation Kind = "invariant_violation"
	Config             Kind = "config"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
)

type Error struct {
	Kind Kind   // failure class
	Op   string // <layer>.<entity>.<action>
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + string(e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}
