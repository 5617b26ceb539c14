// Package peerconn manages established BitTorrent peer wire connections:
// message framing via wire, choke/interest bookkeeping, and bandwidth-limited
// read/write loops. Handshaking (BEP 3 and the BEP 10 extension handshake)
// lives in handshaker.go; per-piece scheduling decisions live in scheduler.
package peerconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/utils/bandwidth"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

// Events notifies a Conn's owner of lifecycle changes.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages the wire-level message stream to a single remote peer for a
// single torrent. It tracks the four BEP 3 choke/interest booleans and the
// peer's last-announced bitfield, but leaves piece selection and request
// pacing to the scheduler package.
type Conn struct {
	peerID      core.PeerID
	localPeerID core.PeerID
	infoHash    core.InfoHashV1
	createdAt   time.Time

	nc        net.Conn
	config    Config
	clk       clock.Clock
	stats     tally.Scope
	bandwidth *bandwidth.Limiter
	events    Events

	openedByRemote bool

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   *bitset.BitSet
	extensions     map[string]byte // extension name -> remote's negotiated message ID

	startOnce sync.Once
	sender    chan wire.Message
	receiver  chan wire.Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	bw *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHashV1,
	numPieces int,
	openedByRemote bool,
	logger *zap.SugaredLogger,
) (*Conn, error) {
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %s", err)
	}
	return &Conn{
		peerID:         remotePeerID,
		localPeerID:    localPeerID,
		infoHash:       infoHash,
		createdAt:      clk.Now(),
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats,
		bandwidth:      bw,
		events:         events,
		openedByRemote: openedByRemote,
		amChoking:      true,
		peerChoking:    true,
		peerBitfield:   bitset.New(uint(numPieces)),
		extensions:     make(map[string]byte),
		sender:         make(chan wire.Message, config.SenderBufferSize),
		receiver:       make(chan wire.Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
		logger:         logger,
	}, nil
}

// Start begins the read and write loops. Must be called at most once.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer's id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this Conn was established for.
func (c *Conn) InfoHash() core.InfoHashV1 { return c.infoHash }

// CreatedAt returns when the Conn was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// OpenedByRemote reports whether the remote peer dialed us.
func (c *Conn) OpenedByRemote() bool { return c.openedByRemote }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)", c.peerID, c.infoHash, c.openedByRemote)
}

// SetExtensions records the extension-name-to-message-ID mapping the remote
// peer advertised in its BEP 10 extension handshake.
func (c *Conn) SetExtensions(m map[string]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extensions = m
}

// ExtensionID returns the message ID the remote peer wants used for the
// named extension, and whether it supports that extension at all.
func (c *Conn) ExtensionID(name string) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.extensions[name]
	return id, ok
}

// AmChoking reports whether we are choking the peer.
func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

// AmInterested reports whether we are interested in the peer.
func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// PeerChoking reports whether the peer is choking us.
func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// PeerInterested reports whether the peer is interested in us.
func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// PeerBitfield returns a snapshot of the pieces the peer has announced.
func (c *Conn) PeerBitfield() *bitset.BitSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerBitfield.Clone()
}

// SetAmChoking sends a choke or unchoke message and updates local state.
func (c *Conn) SetAmChoking(choking bool) error {
	c.mu.Lock()
	changed := c.amChoking != choking
	c.amChoking = choking
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.MsgUnchoke
	if choking {
		id = wire.MsgChoke
	}
	return c.Send(wire.Message{ID: id})
}

// SetAmInterested sends an interested or not-interested message and updates
// local state.
func (c *Conn) SetAmInterested(interested bool) error {
	c.mu.Lock()
	changed := c.amInterested != interested
	c.amInterested = interested
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.MsgNotInterested
	if interested {
		id = wire.MsgInterested
	}
	return c.Send(wire.Message{ID: id})
}

// applyIncoming updates Conn's tracked state from a message the caller is
// about to forward to the receiver channel. Called from readLoop so state is
// always current by the time a consumer observes a message on Receiver().
func (c *Conn) applyIncoming(m wire.Message) {
	switch m.ID {
	case wire.MsgChoke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
	case wire.MsgUnchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
	case wire.MsgInterested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
	case wire.MsgNotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
	case wire.MsgHave:
		if idx, err := wire.ParseHave(m.Payload); err == nil {
			c.mu.Lock()
			if uint(idx) < c.peerBitfield.Len() {
				c.peerBitfield.Set(uint(idx))
			}
			c.mu.Unlock()
		}
	case wire.MsgBitfield:
		c.mu.Lock()
		c.peerBitfield = BitfieldBytesToBitSet(m.Payload, int(c.peerBitfield.Len()))
		c.mu.Unlock()
	case wire.MsgHaveAll:
		c.mu.Lock()
		c.peerBitfield = bitset.New(c.peerBitfield.Len()).Complement()
		c.mu.Unlock()
	case wire.MsgHaveNone:
		c.mu.Lock()
		c.peerBitfield = bitset.New(c.peerBitfield.Len())
		c.mu.Unlock()
	}
}

// Send enqueues a message for writing. Returns an error if the Conn is
// closed or the sender buffer is full.
func (c *Conn) Send(m wire.Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- m:
		return nil
	default:
		c.stats.Tagged(map[string]string{"dropped_message_id": fmt.Sprintf("%d", m.ID)}).Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// Receiver returns the channel of messages read off the wire.
func (c *Conn) Receiver() <-chan wire.Message { return c.receiver }

// Close begins Conn shutdown: stops the loops, closes the socket, and
// notifies Events once both loops have exited.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		default:
			m, err := c.readMessage()
			if err != nil {
				c.log().Infof("exiting read loop: %s", err)
				return
			}
			if m.IsKeepAlive() {
				continue
			}
			c.applyIncoming(m)
			select {
			case c.receiver <- m:
			case <-c.done:
				return
			}
		}
	}
}

// readMessage reads a single message, splitting the length prefix and ID
// from the payload so bandwidth can be reserved specifically for piece
// payloads rather than small control messages.
func (c *Conn) readMessage() (wire.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
		return wire.Message{}, fmt.Errorf("read length prefix: %s", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return wire.KeepAlive, nil
	}
	if length > wire.MaxMessageLen {
		return wire.Message{}, fmt.Errorf("message length %d exceeds max %d", length, wire.MaxMessageLen)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(c.nc, idBuf[:]); err != nil {
		return wire.Message{}, fmt.Errorf("read message id: %s", err)
	}
	id := wire.MessageID(idBuf[0])
	bodyLen := int(length) - 1
	if id == wire.MsgPiece {
		if err := c.bandwidth.ReserveIngress(int64(bodyLen)); err != nil {
			return wire.Message{}, fmt.Errorf("ingress bandwidth: %s", err)
		}
	}
	payload := make([]byte, bodyLen)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return wire.Message{}, fmt.Errorf("read payload: %s", err)
	}
	c.countBandwidth("ingress", int64(8*(length)))
	return wire.Message{ID: id, Payload: payload}, nil
}

func (c *Conn) writeLoop() {
	ticker := c.clk.Ticker(c.config.KeepAliveInterval)
	defer func() {
		ticker.Stop()
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendMessage(wire.KeepAlive); err != nil {
				c.log().Infof("exiting write loop: %s", err)
				return
			}
		case m := <-c.sender:
			if err := c.sendMessage(m); err != nil {
				c.log().Infof("exiting write loop: %s", err)
				return
			}
		}
	}
}

func (c *Conn) sendMessage(m wire.Message) error {
	if m.ID == wire.MsgPiece {
		if err := c.bandwidth.ReserveEgress(int64(len(m.Payload))); err != nil {
			return fmt.Errorf("egress bandwidth: %s", err)
		}
	}
	if err := wire.WriteMessage(c.nc, m); err != nil {
		return fmt.Errorf("write message: %s", err)
	}
	if !m.IsKeepAlive() {
		c.countBandwidth("egress", int64(8*(1+len(m.Payload))))
	}
	return nil
}

func (c *Conn) countBandwidth(direction string, bits int64) {
	c.stats.Tagged(map[string]string{"piece_bandwidth_direction": direction}).Counter("piece_bandwidth").Inc(bits)
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID.String(), "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
