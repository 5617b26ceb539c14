// Package scheduler implements pure piece/block selection policy: given a
// peer's available pieces, the torrent's priority and rarity state, and a
// request budget, it decides which blocks to request next. It holds no
// state of its own and sends no messages; dispatch owns both.
package scheduler

import (
	"sort"

	"github.com/willf/bitset"

	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/utils/syncutil"
)

// Request identifies a single block of a piece to request from a peer.
type Request struct {
	Piece  int
	Begin  int64
	Length int64
}

// DefaultEndgameThreshold is the number of missing pieces at or below which
// endgame mode (requesting the same block from multiple peers) activates.
const DefaultEndgameThreshold = 20

// DefaultBlockSize is the standard BitTorrent block size requested per
// message, independent of piece length.
const DefaultBlockSize = 16 * 1024

// SelectRequests picks up to budget blocks to request from a peer whose
// available pieces are given by have, against a torrent whose per-piece
// priority and verification state come from store. numPeersByPiece supplies
// rarity counts for PriorityNormal pieces. pending reports whether a given
// (piece, begin) block already has an outstanding request from some peer;
// in endgame mode already-pending blocks remain eligible so they can be
// double-requested, otherwise they're skipped.
func SelectRequests(
	store storage.Store,
	have *bitset.BitSet,
	numPeersByPiece *syncutil.Counters,
	pending func(piece int, begin int64) bool,
	endgame bool,
	budget int,
	blockSize int64,
) []Request {
	if budget <= 0 {
		return nil
	}

	candidates := candidatePieces(store, have)
	if len(candidates) == 0 {
		return nil
	}

	var requests []Request
	for _, p := range orderByPriority(store, candidates, numPeersByPiece) {
		for _, begin := range blockOffsets(store.PieceLength(p), blockSize) {
			if !endgame && pending(p, begin) {
				continue
			}
			length := blockSize
			if remaining := store.PieceLength(p) - begin; remaining < length {
				length = remaining
			}
			requests = append(requests, Request{Piece: p, Begin: begin, Length: length})
			if len(requests) >= budget {
				return requests
			}
		}
	}
	return requests
}

func blockOffsets(pieceLength int64, blockSize int64) []int64 {
	var offsets []int64
	for b := int64(0); b < pieceLength; b += blockSize {
		offsets = append(offsets, b)
	}
	return offsets
}

func candidatePieces(store storage.Store, have *bitset.BitSet) []int {
	var out []int
	missing := store.Bitfield().Complement()
	for i := 0; i < store.NumPieces(); i++ {
		if store.Priority(i) == storage.PriorityNone {
			continue
		}
		if have.Test(uint(i)) && missing.Test(uint(i)) {
			out = append(out, i)
		}
	}
	return out
}

// orderByPriority groups candidates by Readahead > High > Normal, ordering
// Readahead pieces by ascending index and Normal pieces rarest-first.
func orderByPriority(store storage.Store, candidates []int, numPeersByPiece *syncutil.Counters) []int {
	var readahead, high, normal []int
	for _, p := range candidates {
		switch store.Priority(p) {
		case storage.PriorityReadahead:
			readahead = append(readahead, p)
		case storage.PriorityHigh:
			high = append(high, p)
		default:
			normal = append(normal, p)
		}
	}
	sort.Ints(readahead)
	sort.Ints(high)
	sort.Slice(normal, func(i, j int) bool {
		ci, cj := numPeersByPiece.Get(normal[i]), numPeersByPiece.Get(normal[j])
		if ci != cj {
			return ci < cj
		}
		return normal[i] < normal[j]
	})
	out := make([]int, 0, len(readahead)+len(high)+len(normal))
	out = append(out, readahead...)
	out = append(out, high...)
	out = append(out, normal...)
	return out
}

// Endgame reports whether the torrent should enter endgame mode: requesting
// blocks of a piece from every interested peer that has it, since so few
// pieces remain that redundant requests cost little and save the tail
// latency of waiting on a single slow peer.
func Endgame(store storage.Store, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultEndgameThreshold
	}
	return len(store.MissingPieces()) <= threshold
}
