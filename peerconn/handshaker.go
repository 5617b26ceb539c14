package peerconn

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/utils/bandwidth"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

// PendingConn is a half-open connection whose remote BEP 3 handshake has
// been read but not yet answered with ours, and which has had no BEP 10
// extension handshake; the caller decides whether to continue based on the
// info hash before paying that cost.
type PendingConn struct {
	nc       net.Conn
	peerID   core.PeerID
	infoHash core.InfoHashV1
	reserved wire.Reserved
}

// PeerID returns the remote peer's id.
func (p *PendingConn) PeerID() core.PeerID { return p.peerID }

// InfoHash returns the info hash the remote peer handshaked with.
func (p *PendingConn) InfoHash() core.InfoHashV1 { return p.infoHash }

// Reject closes the underlying connection without completing the handshake.
func (p *PendingConn) Reject() { p.nc.Close() }

// Handshaker performs the BEP 3 and BEP 10 handshakes and produces
// established Conns.
type Handshaker struct {
	config     Config
	stats      tally.Scope
	clk        clock.Clock
	bandwidth  *bandwidth.Limiter
	localID    core.PeerID
	events     Events
	logger     *zap.SugaredLogger
	extensions map[string]byte // our local name -> id mapping advertised to peers
}

// NewHandshaker creates a Handshaker for localID, advertising the given
// extension name-to-ID mapping (typically ut_metadata and ut_pex) in every
// outgoing extension handshake. The configured bandwidth budget is shared
// across every Conn this Handshaker produces, so it bounds their combined
// egress/ingress rather than each peer individually.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	localID core.PeerID,
	extensions map[string]byte,
	events Events,
	logger *zap.SugaredLogger,
) (*Handshaker, error) {
	config = config.applyDefaults()
	bl, err := bandwidth.NewLimiter(config.Bandwidth)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}
	return &Handshaker{
		config:     config,
		stats:      stats.Tagged(map[string]string{"module": "peerconn"}),
		clk:        clk,
		bandwidth:  bl,
		localID:    localID,
		events:     events,
		logger:     logger,
		extensions: extensions,
	}, nil
}

// Dial opens a TCP connection to addr, completes the BEP 3 handshake for
// infoHash, and upgrades to an established Conn (including the BEP 10
// extension handshake if both sides support it).
func (h *Handshaker) Dial(addr string, infoHash core.InfoHashV1, numPieces int, ourBitfield []byte) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	c, err := h.fullHandshake(nc, infoHash, numPieces, ourBitfield)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept reads the inbound BEP 3 handshake off nc without yet responding,
// so the caller can look up whether it actually has the requested torrent.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	hs, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	return &PendingConn{nc: nc, peerID: hs.PeerID, infoHash: hs.InfoHash, reserved: hs.Reserved}, nil
}

// Establish completes a handshake accepted via Accept: sends our own
// handshake and (if supported) extension handshake, then starts the Conn.
func (h *Handshaker) Establish(p *PendingConn, numPieces int, ourBitfield []byte) (*Conn, error) {
	reply := wire.Handshake{
		Reserved: wire.NewReserved(),
		InfoHash: p.infoHash,
		PeerID:   h.localID,
	}
	if err := wire.WriteHandshake(p.nc, reply); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	c, err := h.newConn(p.nc, p.peerID, p.infoHash, numPieces, true)
	if err != nil {
		return nil, err
	}
	if err := h.maybeExtensionHandshake(c, p.reserved, ourBitfield); err != nil {
		c.Close()
		return nil, err
	}
	if err := p.nc.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("clear deadline: %s", err)
	}
	c.Start()
	return c, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, infoHash core.InfoHashV1, numPieces int, ourBitfield []byte) (*Conn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}
	out := wire.Handshake{
		Reserved: wire.NewReserved(),
		InfoHash: infoHash,
		PeerID:   h.localID,
	}
	if err := wire.WriteHandshake(nc, out); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	in, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if in.InfoHash != infoHash {
		return nil, fmt.Errorf("%w: info hash mismatch", core.ErrPeerHash)
	}
	if in.PeerID == h.localID {
		return nil, errors.New("connected to self")
	}
	c, err := h.newConn(nc, in.PeerID, infoHash, numPieces, false)
	if err != nil {
		return nil, err
	}
	if err := h.maybeExtensionHandshake(c, in.Reserved, ourBitfield); err != nil {
		c.Close()
		return nil, err
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, fmt.Errorf("clear deadline: %s", err)
	}
	c.Start()
	return c, nil
}

// maybeExtensionHandshake sends our BEP 10 extension handshake when the
// remote advertised support in its reserved bytes, then always sends our
// bitfield message so the peer learns what we have without waiting for a
// separate announce round.
func (h *Handshaker) maybeExtensionHandshake(c *Conn, remoteReserved wire.Reserved, ourBitfield []byte) error {
	if remoteReserved.SupportsExtension() {
		msg, err := wire.EncodeExtendedHandshake(wire.ExtendedHandshake{M: h.extensions})
		if err != nil {
			return fmt.Errorf("encode extension handshake: %s", err)
		}
		if err := wire.WriteMessage(c.nc, msg); err != nil {
			return fmt.Errorf("write extension handshake: %s", err)
		}
	}
	if err := wire.WriteMessage(c.nc, wire.Bitfield(ourBitfield)); err != nil {
		return fmt.Errorf("write bitfield: %s", err)
	}
	return nil
}

func (h *Handshaker) newConn(nc net.Conn, remotePeerID core.PeerID, infoHash core.InfoHashV1, numPieces int, openedByRemote bool) (*Conn, error) {
	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.bandwidth,
		h.events,
		nc,
		h.localID,
		remotePeerID,
		infoHash,
		numPieces,
		openedByRemote,
		h.logger,
	)
}
