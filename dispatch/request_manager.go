package dispatch

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/scheduler"
)

// blockKey identifies a single in-flight block request.
type blockKey struct {
	piece int
	begin int64
}

type blockRequest struct {
	peerID core.PeerID
	sentAt time.Time
}

// requestManager tracks outstanding block requests across all peers of a
// torrent, generalizing Kraken's whole-piece piecerequest.Manager to
// block-level granularity for BEP 3 pipelining. It holds no reference to
// connections; it only decides what is pending and for how long.
type requestManager struct {
	mu  sync.Mutex
	clk clock.Clock

	// requests holds every outstanding request for a block, keyed so a
	// block can have more than one entry during endgame.
	requests map[blockKey][]blockRequest
}

func newRequestManager(clk clock.Clock) *requestManager {
	return &requestManager{
		clk:      clk,
		requests: make(map[blockKey][]blockRequest),
	}
}

// Pending reports whether any peer currently has an outstanding request for
// this block.
func (m *requestManager) Pending(piece int, begin int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests[blockKey{piece, begin}]) > 0
}

// Add records a new outstanding request for a block sent to peerID.
func (m *requestManager) Add(peerID core.PeerID, piece int, begin int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := blockKey{piece, begin}
	m.requests[k] = append(m.requests[k], blockRequest{peerID: peerID, sentAt: m.clk.Now()})
}

// Clear removes every outstanding request for a block, typically once it
// has been received and written.
func (m *requestManager) Clear(piece int, begin int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, blockKey{piece, begin})
}

// ClearPeer removes every outstanding request attributed to peerID, used
// when the peer disconnects so its blocks become requestable again.
func (m *requestManager) ClearPeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, reqs := range m.requests {
		kept := reqs[:0]
		for _, r := range reqs {
			if r.peerID != peerID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.requests, k)
		} else {
			m.requests[k] = kept
		}
	}
}

// Expired returns the blocks whose oldest request to peerID has exceeded
// timeout, so the caller can re-request them.
func (m *requestManager) Expired(peerID core.PeerID, timeout time.Duration) []scheduler.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []scheduler.Request
	now := m.clk.Now()
	for k, reqs := range m.requests {
		for _, r := range reqs {
			if r.peerID == peerID && now.Sub(r.sentAt) > timeout {
				out = append(out, scheduler.Request{Piece: k.piece, Begin: k.begin})
				break
			}
		}
	}
	return out
}
