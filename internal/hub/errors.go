package hub

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("hub: not connected")
	ErrClosed           = errors.New("hub: closed")
	ErrRetriesExhausted = errors.New("hub: reconnect attempts exhausted")
	ErrRemoteClose      = errors.New("hub: closed by server")
)

// ShutdownReason says why a connection attempt or live connection ended on
// purpose.
type ShutdownReason int

const (
	// ReasonClosed: Close was called.
	ReasonClosed ShutdownReason = iota + 1
	// ReasonSuperseded: a newer Connect replaced this connection.
	ReasonSuperseded
	// ReasonContextCanceled: the Connect context ended.
	ReasonContextCanceled
)

func (r ShutdownReason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonSuperseded:
		return "superseded"
	case ReasonContextCanceled:
		return "context_canceled"
	default:
		return fmt.Sprintf("ShutdownReason(%d)", int(r))
	}
}

// ShutdownError is produced by a connection the manager tore down itself. It
// is expected and never reported through Err.
type ShutdownError struct {
	Reason ShutdownReason
	Cause  error
}

func (e *ShutdownError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("hub: connection shut down (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("hub: connection shut down (%s)", e.Reason)
}

func (e *ShutdownError) Unwrap() error { return e.Cause }

// IsShutdown reports whether err stems from an intentional teardown.
func IsShutdown(err error) bool {
	var se *ShutdownError
	return errors.As(err, &se)
}
