// Package fault classifies the failures a probe tick can run into.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes.
type Kind int

const (
	Unknown Kind = iota
	Transport
	Response
	DataShape
	ValueParse
	Configuration
	Dispatch
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Response:
		return "response"
	case DataShape:
		return "data_shape"
	case ValueParse:
		return "value_parse"
	case Configuration:
		return "configuration"
	case Dispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// Error carries the failure class, the operation that failed, and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
