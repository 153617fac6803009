package types

import (
	"errors"
	"fmt"
)

var (
	ErrNoFiles          = errors.New("transfer request has no files")
	ErrUnknownPeer      = errors.New("peer not found")
	ErrNoSuchTransfer   = errors.New("no such transfer")
	ErrNoPendingOffer   = errors.New("no pending offer")
	ErrEngineClosed     = errors.New("engine closed")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIllegalState     = errors.New("illegal state transition")
)

// RejectCode classifies why a receiver refused an offer.
type RejectCode string

const (
	RejectCapacity    RejectCode = "capacity"
	RejectDeclined    RejectCode = "declined"
	RejectVersion     RejectCode = "version"
	RejectNegotiation RejectCode = "negotiation"
)

// DiscoveryError reports a discovery role (advertise or listen) that could not
// run. The engine keeps working with manual addresses.
type DiscoveryError struct {
	Role string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s failed: %v", e.Role, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// NegotiationError covers connect failures, rejections and malformed
// handshakes. Code is set when the remote side rejected the offer.
type NegotiationError struct {
	Code   RejectCode
	Reason string
	Err    error
}

func (e *NegotiationError) Error() string {
	switch {
	case e.Code != "" && e.Reason != "":
		return fmt.Sprintf("transfer rejected (%s): %s", e.Code, e.Reason)
	case e.Code != "":
		return fmt.Sprintf("transfer rejected (%s)", e.Code)
	case e.Err != nil:
		return fmt.Sprintf("negotiation failed: %v", e.Err)
	default:
		return "negotiation failed: " + e.Reason
	}
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Rejected reports whether the remote side explicitly refused.
func (e *NegotiationError) Rejected() bool { return e.Code != "" }

// ChunkIOError is a chunk-level failure: connection drop, timeout or a
// checksum mismatch. It is retried before it fails the session.
type ChunkIOError struct {
	SessionID SessionID
	Index     int
	Err       error
}

func (e *ChunkIOError) Error() string {
	return fmt.Sprintf("chunk %d of session %s: %v", e.Index, e.SessionID, e.Err)
}

func (e *ChunkIOError) Unwrap() error { return e.Err }

// CapacityError is returned on the receive side when a file exceeds
// max_file_size or no worker slot is free.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string {
	return "insufficient capacity: " + e.Reason
}

// CancellationError marks a session ended by a cancel request, local or remote.
type CancellationError struct {
	Reason string
	Remote bool
}

func (e *CancellationError) Error() string {
	if e.Remote {
		return "cancelled by peer: " + e.Reason
	}
	return "cancelled: " + e.Reason
}

// IsCancellation reports whether err is or wraps a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
