package tracker

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// decodeCompactPeers4 parses the BEP 23 compact peer list: a flat byte
// string, 6 bytes per peer (4-byte IPv4 address, 2-byte big-endian port).
// Peer ids are not carried in compact form.
func decodeCompactPeers4(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peer list length %d not a multiple of 6", core.ErrParse, len(b))
	}
	peers := make([]Peer, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IP(append([]byte(nil), b[i:i+4]...))
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// decodeCompactPeers6 parses the IPv6 compact form: 18 bytes per peer (16
// byte address, 2-byte big-endian port).
func decodeCompactPeers6(b []byte) ([]Peer, error) {
	if len(b)%18 != 0 {
		return nil, fmt.Errorf("%w: compact peer6 list length %d not a multiple of 18", core.ErrParse, len(b))
	}
	peers := make([]Peer, 0, len(b)/18)
	for i := 0; i+18 <= len(b); i += 18 {
		ip := net.IP(append([]byte(nil), b[i:i+16]...))
		port := binary.BigEndian.Uint16(b[i+16 : i+18])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// encodeCompactPeers4 is the inverse of decodeCompactPeers4, used by tests
// to build fixture tracker responses.
func encodeCompactPeers4(peers []Peer) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip4 := p.IP.To4()
		out = append(out, ip4...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port)
		out = append(out, portBuf[:]...)
	}
	return out
}
