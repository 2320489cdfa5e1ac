package lib

import "errors"

// Connection failure reasons. A failed connection keeps returning its reason.
var (
	ErrConnectionRefused  = errors.New("tcp: connection refused")
	ErrConnectionTimedOut = errors.New("tcp: connection timed out")
	ErrConnectionReset    = errors.New("tcp: connection reset by peer")
	ErrConnectionAborted  = errors.New("tcp: connection aborted")
	ErrHostUnreachable    = errors.New("tcp: host unreachable")
)

// Caller misuse and non-blocking outcomes.
var (
	ErrPortInUse        = errors.New("tcp: port already in use")
	ErrAddrNotAvailable = errors.New("tcp: address not available")
	ErrInvalidState     = errors.New("tcp: operation not valid in current state")
	ErrClosed           = errors.New("tcp: use of closed connection")
	ErrWouldBlock       = errors.New("tcp: operation would block")
	ErrInProgress       = errors.New("tcp: connection in progress")
	ErrNoResources      = errors.New("tcp: no free connection slot")
	ErrNoEphemeralPort  = errors.New("tcp: ephemeral port range exhausted")
)
