package storage

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
)

// MemoryStore is an in-memory Store, used by tests.
type MemoryStore struct {
	mi     *metainfo.MetaInfo
	mu     sync.RWMutex
	pieces []*piece
	data   [][]byte
}

// NewMemoryStore creates a Store backed entirely by process memory.
func NewMemoryStore(mi *metainfo.MetaInfo) *MemoryStore {
	s := &MemoryStore{
		mi:     mi,
		pieces: make([]*piece, mi.NumPieces()),
		data:   make([][]byte, mi.NumPieces()),
	}
	for i := range s.pieces {
		s.pieces[i] = newPiece(mi.PieceLen(i), PriorityNormal)
		s.data[i] = make([]byte, mi.PieceLen(i))
	}
	return s
}

func (s *MemoryStore) InfoHash() core.InfoHash  { return s.mi.InfoHash }
func (s *MemoryStore) NumPieces() int           { return s.mi.NumPieces() }
func (s *MemoryStore) Length() int64            { return s.mi.Length }
func (s *MemoryStore) PieceLength(i int) int64  { return s.mi.PieceLen(i) }

func (s *MemoryStore) State(i int) PieceState {
	if i < 0 || i >= len(s.pieces) {
		return PieceMissing
	}
	return s.pieces[i].getState()
}

func (s *MemoryStore) Priority(i int) Priority {
	if i < 0 || i >= len(s.pieces) {
		return PriorityNone
	}
	return s.pieces[i].getPriority()
}

func (s *MemoryStore) SetPriority(i int, p Priority) {
	if i < 0 || i >= len(s.pieces) {
		return
	}
	s.pieces[i].setPriority(p)
}

func (s *MemoryStore) HasPiece(i int) bool {
	return s.State(i) == PieceVerified
}

func (s *MemoryStore) MissingPieces() []int {
	var out []int
	for i, p := range s.pieces {
		if p.getState() != PieceVerified {
			out = append(out, i)
		}
	}
	return out
}

func (s *MemoryStore) Bitfield() *bitset.BitSet {
	bf := bitset.New(uint(len(s.pieces)))
	for i, p := range s.pieces {
		if p.getState() == PieceVerified {
			bf.Set(uint(i))
		}
	}
	return bf
}

func (s *MemoryStore) VerifyOnDisk(piece int) (bool, error) {
	if piece < 0 || piece >= len(s.pieces) {
		return false, fmt.Errorf("%w: piece %d out of range", core.ErrStorageOutOfBounds, piece)
	}
	p := s.pieces[piece]
	if p.getState() == PieceVerified {
		return true, nil
	}
	s.mu.RLock()
	buf := s.data[piece]
	s.mu.RUnlock()
	if !s.mi.VerifyPiece(piece, buf) {
		return false, nil
	}
	p.markVerified()
	return true, nil
}

func (s *MemoryStore) WriteBlock(piece int, begin int64, data []byte) error {
	if piece < 0 || piece >= len(s.pieces) {
		return fmt.Errorf("%w: piece %d out of range", core.ErrStorageOutOfBounds, piece)
	}
	p := s.pieces[piece]
	if p.getState() == PieceVerified {
		return nil
	}
	s.mu.Lock()
	if begin < 0 || begin+int64(len(data)) > int64(len(s.data[piece])) {
		s.mu.Unlock()
		return fmt.Errorf("%w: block [%d,%d) out of range for piece of length %d",
			core.ErrStorageOutOfBounds, begin, begin+int64(len(data)), len(s.data[piece]))
	}
	copy(s.data[piece][begin:], data)
	buf := s.data[piece]
	s.mu.Unlock()

	if complete := p.markBlockReceived(begin); complete {
		if s.mi.VerifyPiece(piece, buf) {
			p.markVerified()
		} else {
			p.resetAfterHashFailure()
			return fmt.Errorf("%w: piece %d", core.ErrPieceHashMismatch, piece)
		}
	}
	return nil
}

func (s *MemoryStore) ReadBlock(piece int, begin, length int64) ([]byte, error) {
	if piece < 0 || piece >= len(s.pieces) {
		return nil, fmt.Errorf("%w: piece %d out of range", core.ErrStorageOutOfBounds, piece)
	}
	if s.pieces[piece].getState() != PieceVerified {
		return nil, fmt.Errorf("%w: piece %d not verified", core.ErrPieceUnavailable, piece)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.data[piece]
	if begin < 0 || begin+length > int64(len(buf)) {
		return nil, fmt.Errorf("%w: read [%d,%d) out of range", core.ErrStorageOutOfBounds, begin, begin+length)
	}
	out := make([]byte, length)
	copy(out, buf[begin:begin+length])
	return out, nil
}

func (s *MemoryStore) GetPieceReader(piece int) (PieceReader, error) {
	data, err := s.ReadBlock(piece, 0, s.mi.PieceLen(piece))
	if err != nil {
		return nil, err
	}
	return NewPieceReaderBuffer(data), nil
}

func (s *MemoryStore) BytesDownloaded() int64 {
	var n int64
	for i, p := range s.pieces {
		if p.getState() == PieceVerified {
			n += s.mi.PieceLen(i)
		}
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }
