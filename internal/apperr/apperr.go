// Package apperr defines the error kinds shared by the transcription core.
//
// Every failure that leaves the core carries one of four kinds so the outer
// boundary can tell "your input was invalid" apart from "the service is broken"
// without parsing messages.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is bad caller input: missing filename, audio too long,
	// unknown cleanup mode, undecodable audio.
	KindValidation
	// KindEnvironment is a missing external tool or optional dependency.
	KindEnvironment
	// KindBackend is an unsupported backend or an unusable backend result.
	KindBackend
	// KindTransport is a failed call to the remote cleanup endpoint.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEnvironment:
		return "environment"
	case KindBackend:
		return "backend"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Remedy tells an operator how to fix an environment problem.
	Remedy string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Remedy != "" {
		msg = msg + " (" + e.Remedy + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Environment(op, message, remedy string, err error) *Error {
	return &Error{Kind: KindEnvironment, Op: op, Message: message, Remedy: remedy, Err: err}
}

func Backend(op, message string, err error) *Error {
	return &Error{Kind: KindBackend, Op: op, Message: message, Err: err}
}

func Transport(op, message string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: message, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
