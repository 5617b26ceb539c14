package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// MessageID is the single-byte message type that follows the length prefix
// of every non-keepalive message.
type MessageID byte

// Core BEP 3 message IDs.
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9 // BEP 5: DHT listen port
)

// BEP 6 Fast Extension message IDs.
const (
	MsgSuggestPiece MessageID = 13
	MsgHaveAll      MessageID = 14
	MsgHaveNone     MessageID = 15
	MsgRejectReq    MessageID = 16
	MsgAllowedFast  MessageID = 17
)

// MsgExtended is the BEP 10 extension protocol envelope ID.
const MsgExtended MessageID = 20

// MaxMessageLen bounds a single message's declared length, guarding against
// a malicious or corrupt length prefix causing an unbounded allocation.
// 16 KiB blocks plus header leave ample room; actual piece messages sent by
// well-behaved peers are far smaller than this.
const MaxMessageLen = 1 << 20

// Message is a single peer wire protocol message (everything after the
// handshake). A keep-alive is marked by an unexported flag reported by
// IsKeepAlive; its ID carries no meaning.
type Message struct {
	ID      MessageID
	keepAlive bool
	Payload []byte
}

// IsKeepAlive reports whether m is a zero-length keep-alive message.
func (m Message) IsKeepAlive() bool { return m.keepAlive }

// KeepAlive is the zero-length message sent periodically to hold a
// connection open.
var KeepAlive = Message{keepAlive: true}

// Have builds a "have" message announcing piece.
func Have(piece int) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(piece))
	return Message{ID: MsgHave, Payload: p}
}

// Bitfield builds a "bitfield" message from raw bitfield bytes (MSB-first,
// one bit per piece).
func Bitfield(bits []byte) Message {
	return Message{ID: MsgBitfield, Payload: bits}
}

// Request builds a "request" message for a block.
func Request(piece int, begin, length int) Message {
	return Message{ID: MsgRequest, Payload: blockHeader(piece, begin, length)}
}

// Cancel builds a "cancel" message for a previously requested block.
func Cancel(piece int, begin, length int) Message {
	return Message{ID: MsgCancel, Payload: blockHeader(piece, begin, length)}
}

// RejectRequest builds a BEP 6 "reject request" message.
func RejectRequest(piece int, begin, length int) Message {
	return Message{ID: MsgRejectReq, Payload: blockHeader(piece, begin, length)}
}

// AllowedFast builds a BEP 6 "allowed fast" message.
func AllowedFast(piece int) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(piece))
	return Message{ID: MsgAllowedFast, Payload: p}
}

// SuggestPiece builds a BEP 6 "suggest piece" message.
func SuggestPiece(piece int) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(piece))
	return Message{ID: MsgSuggestPiece, Payload: p}
}

// Piece builds a "piece" message carrying a block of data.
func Piece(piece int, begin int, block []byte) Message {
	hdr := blockHeader(piece, begin, 0)[:8]
	payload := make([]byte, 8+len(block))
	copy(payload, hdr)
	copy(payload[8:], block)
	return Message{ID: MsgPiece, Payload: payload}
}

// Port builds a BEP 5 "port" message advertising the sender's DHT port.
func Port(port uint16) Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)
	return Message{ID: MsgPort, Payload: p}
}

func blockHeader(piece, begin, length int) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], uint32(piece))
	binary.BigEndian.PutUint32(b[4:8], uint32(begin))
	binary.BigEndian.PutUint32(b[8:12], uint32(length))
	return b
}

// ParseHave extracts the piece index from a "have" message payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload must be 4 bytes, got %d", core.ErrPeerProtocol, len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// BlockRequest is the decoded payload of a request/cancel/reject message.
type BlockRequest struct {
	Piece  int
	Begin  int
	Length int
}

// ParseBlockRequest decodes a request/cancel/reject payload.
func ParseBlockRequest(payload []byte) (BlockRequest, error) {
	if len(payload) != 12 {
		return BlockRequest{}, fmt.Errorf("%w: block request payload must be 12 bytes, got %d", core.ErrPeerProtocol, len(payload))
	}
	return BlockRequest{
		Piece:  int(binary.BigEndian.Uint32(payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

// ParsePiece decodes a "piece" message payload into its piece index, begin
// offset and block bytes.
func ParsePiece(payload []byte) (piece, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload too short: %d bytes", core.ErrPeerProtocol, len(payload))
	}
	piece = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	block = payload[8:]
	return piece, begin, block, nil
}

// ParsePort decodes a "port" message payload.
func ParsePort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, fmt.Errorf("%w: port payload must be 2 bytes, got %d", core.ErrPeerProtocol, len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// WriteMessage writes m to w in wire format: a 4-byte big-endian length
// prefix (including the ID byte, excluding itself) followed by the ID and
// payload. A keep-alive writes only the zero length prefix.
func WriteMessage(w io.Writer, m Message) error {
	if m.keepAlive {
		var zero [4]byte
		_, err := w.Write(zero[:])
		return err
	}
	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a single message from r, blocking until one arrives.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("%w: read length prefix: %s", core.ErrPeerIO, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAlive, nil
	}
	if length > MaxMessageLen {
		return Message{}, fmt.Errorf("%w: message length %d exceeds max %d", core.ErrPeerProtocol, length, MaxMessageLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("%w: read message body: %s", core.ErrPeerIO, err)
	}
	if length == 1 {
		return Message{ID: MessageID(body[0])}, nil
	}
	return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}
