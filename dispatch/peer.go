package dispatch

import (
	"sync"
	"time"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/peerconn"
	"github.com/yoep/popcorn-fx-torrent-engine/scheduler"
)

// peer consolidates per-connection bookkeeping a Dispatcher needs beyond
// what peerconn.Conn already tracks (choke/interest, bitfield): piece
// request pipelining state and round-trip timing.
type peer struct {
	conn    *peerconn.Conn
	timeout *scheduler.AdaptiveTimeout
	pstats  *peerStats

	mu                    sync.Mutex
	lastGoodPieceReceived time.Time
	lastPieceSent         time.Time
	requestsInFlightCount int
}

func newPeer(conn *peerconn.Conn, pstats *peerStats) *peer {
	return &peer{
		conn:    conn,
		timeout: scheduler.NewAdaptiveTimeout(),
		pstats:  pstats,
	}
}

func (p *peer) id() core.PeerID { return p.conn.PeerID() }

func (p *peer) String() string { return p.conn.PeerID().String() }

func (p *peer) getLastGoodPieceReceived() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastGoodPieceReceived
}

func (p *peer) touchLastGoodPieceReceived(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastGoodPieceReceived = now
}

func (p *peer) getLastPieceSent() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPieceSent
}

func (p *peer) touchLastPieceSent(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPieceSent = now
}

// requestsInFlight returns how many blocks are currently requested from
// this peer and not yet cleared.
func (p *peer) requestsInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestsInFlightCount
}

func (p *peer) incRequestsInFlight() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestsInFlightCount++
}

func (p *peer) decRequestsInFlight() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requestsInFlightCount > 0 {
		p.requestsInFlightCount--
	}
}

// peerStats wraps counters collected for a given peer across its lifetime,
// persisted by the Dispatcher beyond the peer's removal.
type peerStats struct {
	mu sync.Mutex

	blockRequestsSent     int
	pieceRequestsReceived int
	piecesSent            int

	goodPiecesReceived      int
	duplicatePiecesReceived int
}

func (s *peerStats) incrementBlockRequestsSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockRequestsSent++
}

func (s *peerStats) getBlockRequestsSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockRequestsSent
}

func (s *peerStats) incrementPieceRequestsReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieceRequestsReceived++
}

func (s *peerStats) getPieceRequestsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieceRequestsReceived
}

func (s *peerStats) incrementPiecesSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.piecesSent++
}

func (s *peerStats) getPiecesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.piecesSent
}

func (s *peerStats) incrementGoodPiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goodPiecesReceived++
}

func (s *peerStats) getGoodPiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goodPiecesReceived
}

func (s *peerStats) incrementDuplicatePiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicatePiecesReceived++
}

func (s *peerStats) getDuplicatePiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicatePiecesReceived
}
