// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage implements the on-disk and in-memory piece stores backing
// a torrent: tracking which pieces are missing, partially written, fully
// written, or hash-verified, and serving block-granular reads and writes.
package storage

import (
	"io"

	"github.com/willf/bitset"
	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
)

// PieceReader defines operations for lazy piece reading.
type PieceReader interface {
	io.ReadCloser
	Length() int
}

// PieceState reflects where a piece sits in its write/verify lifecycle.
type PieceState int

const (
	// PieceMissing has received no bytes yet.
	PieceMissing PieceState = iota
	// PiecePartial has received some, but not all, of its blocks.
	PiecePartial
	// PieceComplete has received every block but has not yet been hashed.
	PieceComplete
	// PieceVerified has been hashed against the expected digest and matched.
	PieceVerified
)

func (s PieceState) String() string {
	switch s {
	case PieceMissing:
		return "missing"
	case PiecePartial:
		return "partial"
	case PieceComplete:
		return "complete"
	case PieceVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Priority controls the order in which the scheduler requests a piece's
// blocks relative to other pieces.
type Priority int

const (
	// PriorityNone excludes a piece from selection (e.g. deselected file).
	PriorityNone Priority = iota
	// PriorityNormal is rarest-first ordered against other normal pieces.
	PriorityNormal
	// PriorityHigh is requested ahead of all PriorityNormal pieces.
	PriorityHigh
	// PriorityReadahead is requested ahead of High, in strict index order,
	// for pieces immediately needed by an active stream.
	PriorityReadahead
)

// Store is the read/write interface for a single torrent's piece data. A
// Store does not know about peers or the wire protocol; it only tracks
// byte ranges and verification state.
type Store interface {
	InfoHash() core.InfoHash
	NumPieces() int
	Length() int64
	PieceLength(piece int) int64

	// State returns the current lifecycle state of a piece.
	State(piece int) PieceState
	// Priority returns a piece's current scheduling priority.
	Priority(piece int) Priority
	// SetPriority changes a piece's scheduling priority.
	SetPriority(piece int, p Priority)

	// HasPiece reports whether a piece is verified.
	HasPiece(piece int) bool
	// MissingPieces returns the indices of all pieces not yet verified.
	MissingPieces() []int
	// Bitfield returns a snapshot bitfield of verified pieces.
	Bitfield() *bitset.BitSet

	// VerifyOnDisk hashes a piece's current on-disk bytes against its
	// expected digest and, if they match, marks it Verified. Since
	// verification state isn't persisted across restarts, a resumed
	// download calls this once per piece instead of redownloading data
	// that's already present.
	VerifyOnDisk(piece int) (bool, error)

	// WriteBlock writes a block of a piece. Once every block of a piece has
	// been written, the piece is hashed; a mismatch resets the piece to
	// PieceMissing and returns ErrPieceHashMismatch.
	WriteBlock(piece int, begin int64, data []byte) error
	// ReadBlock reads a block from a verified piece.
	ReadBlock(piece int, begin, length int64) ([]byte, error)
	// GetPieceReader returns a lazy reader over a verified piece's bytes.
	GetPieceReader(piece int) (PieceReader, error)

	// BytesDownloaded estimates total verified bytes.
	BytesDownloaded() int64
	// Close releases underlying file handles.
	Close() error
}

// Opener constructs a Store for a torrent's metadata, rooted under dir.
type Opener func(mi *metainfo.MetaInfo, dir string) (Store, error)
