// Package wire implements BitTorrent peer wire protocol framing: the BEP 3
// handshake, the length-prefixed message stream, BEP 6 Fast Extension
// messages, and the BEP 10 extension protocol envelope used by ut_metadata
// (BEP 9) and ut_pex (BEP 11).
package wire

import (
	"fmt"
	"io"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed size of a BEP 3 handshake message.
const HandshakeLen = 1 + len(protocolName) + 8 + 20 + 20

// Reserved bit flags, set in the 8 reserved handshake bytes to advertise
// extension support. Each flag is a mask within the byte named in its
// comment, with bits counted from the least significant bit of that byte.
const (
	ReservedDHT        = 1 << 0 // byte 7, bit 0: BEP 5 DHT
	ReservedFast       = 1 << 2 // byte 7, bit 2: BEP 6 Fast Extension
	ReservedExtension  = 1 << 4 // byte 5, bit 4: BEP 10 extension protocol (0x100000)
)

// Reserved is the 8-byte reserved field of a handshake.
type Reserved [8]byte

// Set sets a reserved bit. flag is one of the Reserved* constants and is
// applied to the byte it was defined against.
func (r *Reserved) Set(flag byte, byteIndex int) {
	r[byteIndex] |= flag
}

// SupportsExtension reports whether the BEP 10 extension protocol bit is set.
func (r Reserved) SupportsExtension() bool { return r[5]&ReservedExtension != 0 }

// SupportsFast reports whether the BEP 6 Fast Extension bit is set.
func (r Reserved) SupportsFast() bool { return r[7]&ReservedFast != 0 }

// SupportsDHT reports whether the BEP 5 DHT bit is set.
func (r Reserved) SupportsDHT() bool { return r[7]&ReservedDHT != 0 }

// NewReserved builds a Reserved field advertising this engine's support for
// the extension protocol, the Fast Extension, and the DHT.
func NewReserved() Reserved {
	var r Reserved
	r.Set(ReservedExtension, 5)
	r.Set(ReservedFast, 7)
	r.Set(ReservedDHT, 7)
	return r
}

// Handshake is the BEP 3 handshake message exchanged before any other wire
// traffic.
type Handshake struct {
	Reserved Reserved
	InfoHash core.InfoHashV1
	PeerID   core.PeerID
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID.Bytes()...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake from r. It does not check
// the info hash against any expected value; callers compare InfoHash
// themselves so they can decide whether to respond with ErrPeerHash.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return h, fmt.Errorf("%w: read pstrlen: %s", core.ErrPeerProtocol, err)
	}
	pstrlen := int(lenByte[0])
	pstr := make([]byte, pstrlen)
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, fmt.Errorf("%w: read pstr: %s", core.ErrPeerProtocol, err)
	}
	if string(pstr) != protocolName {
		return h, fmt.Errorf("%w: unexpected protocol string %q", core.ErrPeerProtocol, pstr)
	}
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, fmt.Errorf("%w: read reserved: %s", core.ErrPeerProtocol, err)
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, fmt.Errorf("%w: read info hash: %s", core.ErrPeerProtocol, err)
	}
	peerIDBytes := make([]byte, 20)
	if _, err := io.ReadFull(r, peerIDBytes); err != nil {
		return h, fmt.Errorf("%w: read peer id: %s", core.ErrPeerProtocol, err)
	}
	peerID, err := core.NewPeerIDFromBytes(peerIDBytes)
	if err != nil {
		return h, fmt.Errorf("%w: %s", core.ErrPeerProtocol, err)
	}
	h.PeerID = peerID
	return h, nil
}
