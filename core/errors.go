package core

import "errors"

var (
	// ErrUnreachable is returned when there is no route to the destination
	ErrUnreachable = errors.New("destination unreachable")
	// ErrConnectionTimedOut is reported when a segment was retransmitted too many times without being acknowledged
	ErrConnectionTimedOut = errors.New("connection timed out")
	// ErrWindowExceeded is returned when a write does not fit in the peer's advertised window
	ErrWindowExceeded = errors.New("send window exceeded")
	ErrNotConnected   = errors.New("connection is not established")
	ErrPortInUse      = errors.New("port already in use")
	ErrConnClosed     = errors.New("connection closed")
	ErrShutdown       = errors.New("transport shut down")
)
