package core

import "errors"

// Error kinds shared across every layer of the engine. Each layer wraps one
// of these sentinels with fmt.Errorf("...: %w", err) so callers can test
// with errors.Is while still getting a specific message.
var (
	ErrParse           = errors.New("parse error")
	ErrInvalidMetadata = errors.New("invalid metadata")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrInvalidRange    = errors.New("invalid range")

	ErrTrackerConnection      = errors.New("tracker connection error")
	ErrTrackerTimeout         = errors.New("tracker timeout")
	ErrTrackerProtocolMismatch = errors.New("tracker protocol mismatch")

	ErrPeerIO       = errors.New("peer io error")
	ErrPeerProtocol = errors.New("peer protocol error")
	ErrPeerHash     = errors.New("peer hash mismatch")
	ErrPeerClosed   = errors.New("peer connection closed")

	ErrPieceUnavailable     = errors.New("piece unavailable")
	ErrPieceHashMismatch    = errors.New("piece hash mismatch")
	ErrPieceInvalidChunk    = errors.New("invalid chunk size")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageOutOfBounds = errors.New("storage out of bounds")
	ErrStorageIO          = errors.New("storage io error")

	ErrIO              = errors.New("io error")
	ErrTimeout         = errors.New("timeout")
	ErrDataUnavailable = errors.New("data unavailable")
)
