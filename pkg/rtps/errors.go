package rtps

import "errors"

var (
	// ErrProtocolViolation marks a malformed submessage. The submessage is
	// dropped and the endpoint keeps running.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrResourceExhausted is returned to a write that found the history at
	// its resource limits after max_blocking_time.
	ErrResourceExhausted = errors.New("resource limits exhausted")
	// ErrChangeUnavailable means a requested change is no longer cached.
	ErrChangeUnavailable = errors.New("change unavailable")
	// ErrUnknownPeer means a submessage referenced a guid that is not matched.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrDuplicateMatch is raised (as a panic) when a guid is matched twice.
	ErrDuplicateMatch = errors.New("peer already matched")
	// ErrSequenceOverflow is raised (as a panic) when a writer runs out of
	// sequence numbers.
	ErrSequenceOverflow = errors.New("sequence number overflow")
)
