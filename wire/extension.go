package wire

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/internal/bencode"
)

// Extended message IDs, by BEP 10 convention: 0 is always the extension
// handshake; every other value is negotiated per-connection via the
// handshake's "m" dictionary.
const ExtendedHandshakeID = 0

// Well-known extension names, negotiated in the "m" dictionary.
const (
	ExtUTMetadata = "ut_metadata"
	ExtUTPex      = "ut_pex"
)

// ut_metadata message types (BEP 9).
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// ExtendedHandshake is the BEP 10 extension handshake dictionary. Fields
// use bencode struct tags so internal/bencode can marshal/unmarshal it
// directly; unknown keys a peer sends are simply dropped.
type ExtendedHandshake struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64             `bencode:"metadata_size,omitempty"`
	Version      string            `bencode:"v,omitempty"`
	Port         int64             `bencode:"p,omitempty"`
	YourIP       string            `bencode:"yourip,omitempty"`
}

// EncodeExtendedHandshake builds the extended-message payload (ID 0 plus
// the bencoded dictionary) for an outgoing extension handshake.
func EncodeExtendedHandshake(h ExtendedHandshake) (Message, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(h); err != nil {
		return Message{}, fmt.Errorf("%w: encode extended handshake: %s", core.ErrPeerProtocol, err)
	}
	payload := make([]byte, 1+buf.Len())
	payload[0] = ExtendedHandshakeID
	copy(payload[1:], buf.Bytes())
	return Message{ID: MsgExtended, Payload: payload}, nil
}

// DecodeExtendedHandshake decodes the dictionary portion of an extended
// message whose extended ID is ExtendedHandshakeID.
func DecodeExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if len(payload) == 0 {
		return h, fmt.Errorf("%w: empty extended handshake payload", core.ErrPeerProtocol)
	}
	if err := bencode.NewDecoder(bytes.NewReader(payload[1:])).Decode(&h); err != nil {
		return h, fmt.Errorf("%w: decode extended handshake: %s", core.ErrPeerProtocol, err)
	}
	return h, nil
}

// ExtendedMessageID returns the first byte of an extended message's
// payload: the locally-negotiated ID identifying which sub-protocol the
// remainder belongs to.
func ExtendedMessageID(m Message) (byte, []byte, error) {
	if m.ID != MsgExtended {
		return 0, nil, fmt.Errorf("%w: not an extended message", core.ErrPeerProtocol)
	}
	if len(m.Payload) == 0 {
		return 0, nil, fmt.Errorf("%w: empty extended message payload", core.ErrPeerProtocol)
	}
	return m.Payload[0], m.Payload[1:], nil
}

// MetadataRequestMsg is the ut_metadata dictionary sent with msg_type
// MetadataRequest.
type MetadataRequestMsg struct {
	MsgType int64 `bencode:"msg_type"`
	Piece   int64 `bencode:"piece"`
}

// MetadataDataMsg is the ut_metadata dictionary prefix sent with msg_type
// MetadataData; the raw metadata piece bytes follow immediately after the
// bencoded dict in the wire payload (BEP 9 §"data" message).
type MetadataDataMsg struct {
	MsgType   int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size"`
}

// MetadataRejectMsg is the ut_metadata dictionary sent with msg_type
// MetadataReject.
type MetadataRejectMsg struct {
	MsgType int64 `bencode:"msg_type"`
	Piece   int64 `bencode:"piece"`
}

// EncodeMetadataRequest builds an extended message requesting a metadata
// piece, addressed using the locally-negotiated extended ID for ut_metadata.
func EncodeMetadataRequest(extID byte, piece int) (Message, error) {
	return encodeUTMetadata(extID, MetadataRequestMsg{MsgType: MetadataRequest, Piece: int64(piece)}, nil)
}

// EncodeMetadataData builds an extended message carrying a metadata piece's
// bytes.
func EncodeMetadataData(extID byte, piece int, totalSize int, data []byte) (Message, error) {
	return encodeUTMetadata(extID, MetadataDataMsg{MsgType: MetadataData, Piece: int64(piece), TotalSize: int64(totalSize)}, data)
}

// EncodeMetadataReject builds an extended message rejecting a metadata
// piece request.
func EncodeMetadataReject(extID byte, piece int) (Message, error) {
	return encodeUTMetadata(extID, MetadataRejectMsg{MsgType: MetadataReject, Piece: int64(piece)}, nil)
}

func encodeUTMetadata(extID byte, dict interface{}, trailing []byte) (Message, error) {
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(dict); err != nil {
		return Message{}, fmt.Errorf("%w: encode ut_metadata message: %s", core.ErrPeerProtocol, err)
	}
	payload := make([]byte, 1+buf.Len()+len(trailing))
	payload[0] = extID
	n := copy(payload[1:], buf.Bytes())
	copy(payload[1+n:], trailing)
	return Message{ID: MsgExtended, Payload: payload}, nil
}

// DecodeMetadataMessage decodes the msg_type field common to every
// ut_metadata message so the caller can dispatch, then returns any
// trailing bytes after the dictionary (the raw metadata piece, present
// only for MetadataData).
func DecodeMetadataMessage(body []byte) (msgType int, piece int, totalSize int, data []byte, err error) {
	end, err := scanDictEnd(body)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: %s", core.ErrPeerProtocol, err)
	}
	var header struct {
		MsgType   int64 `bencode:"msg_type"`
		Piece     int64 `bencode:"piece"`
		TotalSize int64 `bencode:"total_size"`
	}
	if err := bencode.Unmarshal(body[:end], &header); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: decode ut_metadata message: %s", core.ErrPeerProtocol, err)
	}
	return int(header.MsgType), int(header.Piece), int(header.TotalSize), body[end:], nil
}

// scanDictEnd scans a single top-level bencoded dictionary starting at
// data[0] (which must be 'd') and returns the index just past its closing
// 'e', without fully decoding it. Used to find the boundary between a
// ut_metadata message's dictionary and the raw piece bytes BEP 9 appends
// after it.
func scanDictEnd(data []byte) (int, error) {
	if len(data) == 0 || data[0] != 'd' {
		return 0, fmt.Errorf("not a bencoded dictionary")
	}
	depth := 0
	for i := 0; i < len(data); i++ {
		switch b := data[i]; {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return 0, fmt.Errorf("unterminated integer at byte %d", i)
			}
			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}
			if j < len(data) && data[j] == ':' {
				length, err := strconv.Atoi(string(data[i:j]))
				if err != nil {
					return 0, fmt.Errorf("invalid string length at byte %d", i)
				}
				i = j + length
			}
		}
	}
	return 0, fmt.Errorf("unterminated dictionary")
}

// PexAdded is one peer entry in a ut_pex "added"/"added.f" pair (BEP 11).
// Addr is "ip:port"; Flags is the matching byte from added.f (0 if absent).
type PexAdded struct {
	Addr  string
	Flags byte
}

// PexMessage is the ut_pex dictionary. Added/Dropped carry compact peer
// lists; this engine only supports IPv4 compact peers (added/dropped),
// matching the IPv6 fields being optional per BEP 11.
type PexMessage struct {
	Added   []byte `bencode:"added,omitempty"`
	AddedF  []byte `bencode:"added.f,omitempty"`
	Dropped []byte `bencode:"dropped,omitempty"`
}

// EncodePex builds an extended ut_pex message.
func EncodePex(extID byte, m PexMessage) (Message, error) {
	return encodeUTMetadata(extID, m, nil)
}

// DecodePex decodes a ut_pex message payload (already stripped of its
// extended-ID byte).
func DecodePex(body []byte) (PexMessage, error) {
	var m PexMessage
	if err := bencode.NewDecoder(bytes.NewReader(body)).Decode(&m); err != nil {
		return m, fmt.Errorf("%w: decode ut_pex message: %s", core.ErrPeerProtocol, err)
	}
	return m, nil
}
