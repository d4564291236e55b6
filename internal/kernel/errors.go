package kernel

import (
	"errors"
	"fmt"
)

// Reason classifies a session failure.
type Reason string

const (
	DiscoveryFailed Reason = "discovery failed"
	CreationFailed  Reason = "creation failed"
	TeardownFailed  Reason = "teardown failed"
)

// SessionError reports a failed control API interaction.
type SessionError struct {
	Reason    Reason
	SessionID string
	Status    int    // HTTP status, zero when the request never completed
	Body      string // truncated response body
	Err       error
}

func (e *SessionError) Error() string {
	msg := "kernel: " + string(e.Reason)
	if e.SessionID != "" {
		msg += " for " + e.SessionID
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
		if e.Body != "" {
			msg += ": " + e.Body
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }

// ReasonOf returns the Reason carried by err, or "" if err is not a
// SessionError.
func ReasonOf(err error) Reason {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}
