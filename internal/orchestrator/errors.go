package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies why a run did not succeed.
type Kind string

const (
	ConfigurationError    Kind = "ConfigurationError"
	SessionError          Kind = "SessionError"
	TransportError        Kind = "TransportError"
	ExecutionError        Kind = "ExecutionError"
	ResultParseError      Kind = "ResultParseError"
	RedirectionSetupError Kind = "RedirectionSetupError"
	ArtifactMissingError  Kind = "ArtifactMissingError"
	TimeoutError          Kind = "TimeoutError"
)

// Error is the typed failure attached to every unsuccessful Result.
type Error struct {
	Kind   Kind
	Op     string // pipeline step that failed
	Detail string // human-readable cause, safe to log
	Err    error

	// Traceback is the remote traceback for errors raised by kernel code.
	Traceback []string
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" if err carries no *Error.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}
