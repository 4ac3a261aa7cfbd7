package errors

import "errors"

// Authentication errors. All recoverable: the candidate address returns
// to the discovery pool and may retry on the next announce.
var (
	// ErrUnknownKey covers every key lookup failure. Absent and malformed
	// keys report identically so a probing peer cannot enumerate which
	// identities are configured.
	ErrUnknownKey       = errors.New("peer key not authorized")
	ErrSignatureInvalid = errors.New("challenge signature invalid")
	ErrAuthTimeout      = errors.New("authentication timed out")
)

// Transport errors. Recovered locally via reconnect/backoff.
var (
	ErrConnectionLost      = errors.New("connection lost")
	ErrReassemblyAbandoned = errors.New("chunk reassembly abandoned")
	ErrHashMismatch        = errors.New("payload hash mismatch")
	ErrSendQueueOverflow   = errors.New("send queue overflow")
)

// Engine errors.
var (
	// ErrDuplicatePeerID is a configuration fault: two distinct peers
	// presenting the same id. Fatal to that peer pairing, surfaced to
	// the user, never silently resolved.
	ErrDuplicatePeerID = errors.New("duplicate peer id")
	ErrNotInHistory    = errors.New("item not found in history")
)

// State errors.
var (
	// ErrStateCorrupt marks persisted-state corruption detected at
	// startup, the only condition not recovered at runtime.
	ErrStateCorrupt = errors.New("persisted state corrupt")
)
