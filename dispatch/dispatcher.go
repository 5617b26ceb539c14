// Package dispatch coordinates a single torrent's storage with the set of
// established peer connections for it: interest/choke decisions, piece
// request pipelining, and incoming block handling. It generalizes Kraken's
// lib/torrent/scheduler/dispatch package (one whole-piece request in flight
// per peer, no choke/interest) to BEP 3/6 block-level pipelining with real
// choke/interest flow control.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/peerconn"
	"github.com/yoep/popcorn-fx-torrent-engine/scheduler"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/utils/syncutil"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

var errChunkNotSupported = errors.New("reading/writing a chunk other than a full block is not supported")

// Events notifies a Dispatcher's owner of lifecycle changes.
type Events interface {
	// DispatcherComplete is called (at most once) when the torrent becomes
	// fully verified.
	DispatcherComplete(*Dispatcher)
	// PeerRemoved is called whenever a peer's connection closes.
	PeerRemoved(core.PeerID, core.InfoHash)
	// ExtendedMessage is called for every incoming BEP 10 extended message
	// (ut_metadata, ut_pex, ...), which Dispatcher otherwise has no use for.
	ExtendedMessage(core.PeerID, wire.Message)
}

// Dispatcher owns one storage.Store and every peerconn.Conn open for it. It
// has a one-to-one relationship with a torrent and a one-to-many
// relationship with Conns.
type Dispatcher struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	createdAt   time.Time
	localPeerID core.PeerID
	store       storage.Store

	mu        sync.Mutex
	peers     map[core.PeerID]*peer
	peerStats map[core.PeerID]*peerStats

	numPeersByPiece syncutil.Counters
	requests        *requestManager
	optimisticPeer  core.PeerID

	completeOnce sync.Once
	stopOnce     sync.Once
	stop         chan struct{}

	events Events
	logger *zap.SugaredLogger
}

// New creates a Dispatcher for store, starting its background resend loop.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	localPeerID core.PeerID,
	store storage.Store,
	events Events,
	logger *zap.SugaredLogger,
) *Dispatcher {
	config = config.applyDefaults()
	d := &Dispatcher{
		config:          config,
		stats:           stats.Tagged(map[string]string{"module": "dispatch"}),
		clk:             clk,
		createdAt:       clk.Now(),
		localPeerID:     localPeerID,
		store:           store,
		peers:           make(map[core.PeerID]*peer),
		peerStats:       make(map[core.PeerID]*peerStats),
		numPeersByPiece: syncutil.NewCounters(store.NumPieces()),
		requests:        newRequestManager(clk),
		stop:            make(chan struct{}),
		events:          events,
		logger:          logger,
	}
	go d.watchExpiredRequests()
	go d.runUnchokeLoop()
	if d.Complete() {
		d.complete()
	}
	return d
}

// InfoHash returns the torrent hash of d's store.
func (d *Dispatcher) InfoHash() core.InfoHash { return d.store.InfoHash() }

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time { return d.createdAt }

// Complete reports whether every piece has been verified.
func (d *Dispatcher) Complete() bool { return len(d.store.MissingPieces()) == 0 }

// Empty reports whether d has no connected peers.
func (d *Dispatcher) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers) == 0
}

// NumPeers returns the number of connected peers.
func (d *Dispatcher) NumPeers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// SeedsAndLeechers splits the connected swarm into peers that report having
// every piece (seeds) and everyone else (leechers).
func (d *Dispatcher) SeedsAndLeechers() (seeds, leechers int) {
	total := d.store.NumPieces()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		bf := p.conn.PeerBitfield()
		if bf != nil && int(bf.Count()) >= total {
			seeds++
		} else {
			leechers++
		}
	}
	return seeds, leechers
}

// AddPeer registers a newly established connection with d and starts
// feeding its incoming messages. conn must already be handshaked and
// started (peerconn.Handshaker.Dial/Establish does both).
func (d *Dispatcher) AddPeer(conn *peerconn.Conn) error {
	d.mu.Lock()
	if _, ok := d.peers[conn.PeerID()]; ok {
		d.mu.Unlock()
		return fmt.Errorf("peer %s already dispatched for this torrent", conn.PeerID())
	}
	pstats, ok := d.peerStats[conn.PeerID()]
	if !ok {
		pstats = &peerStats{}
		d.peerStats[conn.PeerID()] = pstats
	}
	p := newPeer(conn, pstats)
	d.peers[conn.PeerID()] = p
	bf := conn.PeerBitfield()
	for i := uint(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			d.numPeersByPiece.Increment(int(i))
		}
	}
	d.mu.Unlock()

	go d.feed(p)
	go d.maybeRequestMorePieces(p)
	go d.runUnchokeRound()
	return nil
}

func (d *Dispatcher) removePeer(p *peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[p.id()]; !ok {
		return
	}
	delete(d.peers, p.id())
	d.requests.ClearPeer(p.id())
	bf := p.conn.PeerBitfield()
	for i := uint(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			d.numPeersByPiece.Decrement(int(i))
		}
	}
}

// TearDown closes every connection and stops background loops.
func (d *Dispatcher) TearDown() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.mu.Lock()
	peers := make([]*peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.store.InfoHash())
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() {
		if d.events != nil {
			go d.events.DispatcherComplete(d)
		}
	})
	d.mu.Lock()
	peers := make([]*peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()
	for _, p := range peers {
		bf := p.conn.PeerBitfield()
		if bf.Count() == bf.Len() {
			d.log("peer", p).Info("closing connection to completed peer")
			p.conn.Close()
		}
	}
}

func (d *Dispatcher) endgame() bool {
	return scheduler.Endgame(d.store, d.config.EndgameThreshold)
}

// maybeRequestMorePieces asks scheduler to select the next blocks to
// request from p and sends them, updating interest as a side effect: we
// declare interest the moment we find something to request and clear it
// once nothing remains.
func (d *Dispatcher) maybeRequestMorePieces(p *peer) {
	remaining := d.config.PipelineLimit - p.requestsInFlight()
	if remaining <= 0 {
		return
	}
	have := p.conn.PeerBitfield()
	reqs := scheduler.SelectRequests(
		d.store, have, &d.numPeersByPiece, d.requests.Pending, d.endgame(),
		remaining, scheduler.DefaultBlockSize)

	if len(reqs) == 0 {
		p.conn.SetAmInterested(false)
		return
	}
	p.conn.SetAmInterested(true)
	for _, r := range reqs {
		if p.requestsInFlight() >= d.config.PipelineLimit {
			break
		}
		if err := p.conn.Send(wire.Request(r.Piece, int(r.Begin), int(r.Length))); err != nil {
			return
		}
		d.requests.Add(p.id(), r.Piece, r.Begin)
		p.incRequestsInFlight()
		p.pstats.incrementBlockRequestsSent()
	}
}

func (d *Dispatcher) watchExpiredRequests() {
	ticker := d.clk.Ticker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			peers := make([]*peer, 0, len(d.peers))
			for _, p := range d.peers {
				peers = append(peers, p)
			}
			d.mu.Unlock()
			for _, p := range peers {
				for _, r := range d.requests.Expired(p.id(), p.timeout.Timeout()) {
					d.requests.Clear(r.Piece, r.Begin)
					p.decRequestsInFlight()
				}
				d.maybeRequestMorePieces(p)
			}
		}
	}
}

// feed reads off of p's connection and handles incoming messages until the
// connection closes, then removes p from d.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.conn.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log("peer", p).Errorf("error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
	if d.events != nil {
		d.events.PeerRemoved(p.id(), d.store.InfoHash())
	}
}

func (d *Dispatcher) dispatch(p *peer, msg wire.Message) error {
	switch msg.ID {
	case wire.MsgHave:
		return d.handleHave(p, msg)
	case wire.MsgBitfield, wire.MsgHaveAll, wire.MsgHaveNone:
		go d.maybeRequestMorePieces(p)
	case wire.MsgUnchoke:
		go d.maybeRequestMorePieces(p)
	case wire.MsgInterested:
		go d.runUnchokeRound()
	case wire.MsgRequest:
		return d.handleRequest(p, msg)
	case wire.MsgPiece:
		return d.handlePiece(p, msg)
	case wire.MsgCancel:
		// No-op: by the time a cancel arrives the block has typically
		// already been read and queued for send.
	case wire.MsgPort:
		// DHT integration reads this via a separate hook; no-op here.
	case wire.MsgExtended:
		if d.events != nil {
			d.events.ExtendedMessage(p.id(), msg)
		}
	}
	return nil
}

// Send delivers a raw message to a connected peer, for extension traffic
// (ut_metadata, ut_pex) that torrentcore drives directly rather than through
// the piece-request pipeline.
func (d *Dispatcher) Send(peerID core.PeerID, msg wire.Message) error {
	d.mu.Lock()
	p, ok := d.peers[peerID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s not dispatched for this torrent", peerID)
	}
	return p.conn.Send(msg)
}

// ExtensionID returns the locally-negotiated sub-id a connected peer uses
// for the named extension, if it advertised support for it.
func (d *Dispatcher) ExtensionID(peerID core.PeerID, name string) (byte, bool) {
	d.mu.Lock()
	p, ok := d.peers[peerID]
	d.mu.Unlock()
	if !ok {
		return 0, false
	}
	return p.conn.ExtensionID(name)
}

// SetPeerExtensions records a peer's BEP 10 "m" dictionary (learned from
// its extension handshake), so later Send/ExtensionID calls for that peer
// resolve extension names to the ids it actually expects.
func (d *Dispatcher) SetPeerExtensions(peerID core.PeerID, m map[string]byte) error {
	d.mu.Lock()
	p, ok := d.peers[peerID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s not dispatched for this torrent", peerID)
	}
	p.conn.SetExtensions(m)
	return nil
}

func (d *Dispatcher) handleHave(p *peer, msg wire.Message) error {
	idx, err := wire.ParseHave(msg.Payload)
	if err != nil {
		return err
	}
	d.numPeersByPiece.Increment(idx)
	go d.maybeRequestMorePieces(p)
	return nil
}

func (d *Dispatcher) isFullBlock(piece int, begin, length int) bool {
	return int64(begin)+int64(length) <= d.store.PieceLength(piece)
}

func (d *Dispatcher) handleRequest(p *peer, msg wire.Message) error {
	p.pstats.incrementPieceRequestsReceived()

	r, err := wire.ParseBlockRequest(msg.Payload)
	if err != nil {
		return err
	}
	if !d.isFullBlock(r.Piece, r.Begin, r.Length) {
		d.log("peer", p, "piece", r.Piece).Errorf("rejecting request: %s", errChunkNotSupported)
		return p.conn.Send(wire.RejectRequest(r.Piece, r.Begin, r.Length))
	}
	if p.conn.AmChoking() {
		return p.conn.Send(wire.RejectRequest(r.Piece, r.Begin, r.Length))
	}

	block, err := d.store.ReadBlock(r.Piece, int64(r.Begin), int64(r.Length))
	if err != nil {
		d.log("peer", p, "piece", r.Piece).Errorf("error reading requested block: %s", err)
		return p.conn.Send(wire.RejectRequest(r.Piece, r.Begin, r.Length))
	}
	if err := p.conn.Send(wire.Piece(r.Piece, r.Begin, block)); err != nil {
		return err
	}
	p.touchLastPieceSent(d.clk.Now())
	p.pstats.incrementPiecesSent()
	return nil
}

func (d *Dispatcher) handlePiece(p *peer, msg wire.Message) error {
	piece, begin, block, err := wire.ParsePiece(msg.Payload)
	if err != nil {
		return err
	}

	d.requests.Clear(piece, int64(begin))
	p.decRequestsInFlight()

	wasVerified := d.store.HasPiece(piece)
	if wasVerified {
		p.pstats.incrementDuplicatePiecesReceived()
		return nil
	}
	if err := d.store.WriteBlock(piece, int64(begin), block); err != nil {
		d.log("peer", p, "piece", piece).Errorf("error writing block: %s", err)
		return nil
	}

	p.pstats.incrementGoodPiecesReceived()
	p.touchLastGoodPieceReceived(d.clk.Now())

	nowVerified := d.store.HasPiece(piece)
	if nowVerified && !wasVerified {
		d.broadcastHave(p, piece)
		if d.Complete() {
			d.complete()
		}
	}

	go d.maybeRequestMorePieces(p)
	return nil
}

func (d *Dispatcher) broadcastHave(except *peer, piece int) {
	d.mu.Lock()
	peers := make([]*peer, 0, len(d.peers))
	for id, p := range d.peers {
		if id != except.id() {
			peers = append(peers, p)
		}
	}
	d.mu.Unlock()
	for _, p := range peers {
		p.conn.Send(wire.Have(piece))
	}
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.store.InfoHash())
	return d.logger.With(args...)
}
