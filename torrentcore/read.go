package torrentcore

import (
	"fmt"

	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
)

// MetaInfo returns the torrent's metadata, or nil if it hasn't been
// retrieved yet (magnet link still resolving).
func (t *Torrent) MetaInfo() *metainfo.MetaInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mi
}

// Files returns the torrent's file layout, or nil before opCreateFiles has
// run (no metadata yet, or the store hasn't been opened).
func (t *Torrent) Files() []File {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.files
}

// PieceLength returns the torrent's fixed piece size, or 0 before metadata
// is known.
func (t *Torrent) PieceLength() int64 {
	t.mu.RLock()
	mi := t.mi
	t.mu.RUnlock()
	if mi == nil {
		return 0
	}
	return mi.PieceLength
}

// NumPieces returns the torrent's piece count, or 0 before metadata is
// known.
func (t *Torrent) NumPieces() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.numPieces
}

// HasPiece reports whether piece i has been verified.
func (t *Torrent) HasPiece(i int) bool {
	t.mu.RLock()
	store := t.store
	t.mu.RUnlock()
	if store == nil {
		return false
	}
	return store.HasPiece(i)
}

// PiecePriority returns piece i's current scheduling priority.
func (t *Torrent) PiecePriority(i int) storage.Priority {
	t.mu.RLock()
	store := t.store
	t.mu.RUnlock()
	if store == nil {
		return storage.PriorityNone
	}
	return store.Priority(i)
}

// ReadAt reads len(buf) bytes starting at torrent-relative byte offset
// off, which must fall entirely within verified pieces. It may span
// multiple pieces, issuing one Store.ReadBlock call per piece crossed.
func (t *Torrent) ReadAt(off int64, buf []byte) (int, error) {
	t.mu.RLock()
	store := t.store
	pieceLength := int64(0)
	if t.mi != nil {
		pieceLength = t.mi.PieceLength
	}
	t.mu.RUnlock()
	if store == nil {
		return 0, fmt.Errorf("torrent: store not open")
	}
	if pieceLength <= 0 {
		return 0, fmt.Errorf("torrent: metadata not known")
	}

	read := 0
	for read < len(buf) {
		piece := int((off + int64(read)) / pieceLength)
		pieceOff := (off + int64(read)) % pieceLength
		want := int64(len(buf) - read)
		if max := pieceLength - pieceOff; want > max {
			want = max
		}
		data, err := store.ReadBlock(piece, pieceOff, want)
		if err != nil {
			return read, err
		}
		copy(buf[read:], data)
		read += len(data)
		if int64(len(data)) < want {
			break
		}
	}
	return read, nil
}

// SetPriorityRange sets the priority of every piece overlapping the
// torrent-relative byte range [off, off+length) to p, leaving pieces
// outside it untouched.
func (t *Torrent) SetPriorityRange(off, length int64, p storage.Priority) {
	pieceLength := t.PieceLength()
	if pieceLength <= 0 || length <= 0 {
		return
	}
	first := int(off / pieceLength)
	last := int((off + length - 1) / pieceLength)
	for i := first; i <= last; i++ {
		t.SetPriority(i, p)
	}
}
