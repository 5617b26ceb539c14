package dht

import (
	"fmt"
	"net"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// compactNode4Size is 20 bytes of node id followed by a 6-byte compact
// IPv4 address (4-byte address + 2-byte port), the wire order defined by
// BEP 5's find_node/get_peers "nodes" field.
//
// This is the opposite byte order from the reference implementation's own
// CompactIPv4Node (which puts the 6-byte address first and the id last):
// that ordering cannot interoperate with the live Mainline network, so
// this package follows the published BEP 5 wire format instead.
const compactNode4Size = 26

// compactNode6Size is 20 bytes of node id followed by an 18-byte compact
// IPv6 address (16-byte address + 2-byte port), per BEP 32.
const compactNode6Size = 38

// CompactNode pairs a node id with its network address, the unit encoded
// in a find_node/get_peers "nodes"/"nodes6" reply.
type CompactNode struct {
	ID   NodeID
	Addr *net.UDPAddr
}

// EncodeCompactNodes4 encodes nodes as a BEP 5 "nodes" byte string.
func EncodeCompactNodes4(nodes []CompactNode) []byte {
	out := make([]byte, 0, len(nodes)*compactNode4Size)
	for _, n := range nodes {
		ip := n.Addr.IP.To4()
		if ip == nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip...)
		out = append(out, byte(n.Addr.Port>>8), byte(n.Addr.Port))
	}
	return out
}

// DecodeCompactNodes4 parses a BEP 5 "nodes" byte string.
func DecodeCompactNodes4(b []byte) ([]CompactNode, error) {
	if len(b)%compactNode4Size != 0 {
		return nil, fmt.Errorf("%w: compact nodes length %d not a multiple of %d", core.ErrParse, len(b), compactNode4Size)
	}
	out := make([]CompactNode, 0, len(b)/compactNode4Size)
	for i := 0; i < len(b); i += compactNode4Size {
		chunk := b[i : i+compactNode4Size]
		var id NodeID
		copy(id[:], chunk[:20])
		ip := net.IP(append([]byte(nil), chunk[20:24]...))
		port := int(chunk[24])<<8 | int(chunk[25])
		out = append(out, CompactNode{ID: id, Addr: &net.UDPAddr{IP: ip, Port: port}})
	}
	return out, nil
}

// EncodeCompactNodes6 encodes nodes as a BEP 32 "nodes6" byte string.
func EncodeCompactNodes6(nodes []CompactNode) []byte {
	out := make([]byte, 0, len(nodes)*compactNode6Size)
	for _, n := range nodes {
		ip := n.Addr.IP.To16()
		if ip == nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip...)
		out = append(out, byte(n.Addr.Port>>8), byte(n.Addr.Port))
	}
	return out
}

// DecodeCompactNodes6 parses a BEP 32 "nodes6" byte string.
func DecodeCompactNodes6(b []byte) ([]CompactNode, error) {
	if len(b)%compactNode6Size != 0 {
		return nil, fmt.Errorf("%w: compact nodes6 length %d not a multiple of %d", core.ErrParse, len(b), compactNode6Size)
	}
	out := make([]CompactNode, 0, len(b)/compactNode6Size)
	for i := 0; i < len(b); i += compactNode6Size {
		chunk := b[i : i+compactNode6Size]
		var id NodeID
		copy(id[:], chunk[:20])
		ip := net.IP(append([]byte(nil), chunk[20:36]...))
		port := int(chunk[36])<<8 | int(chunk[37])
		out = append(out, CompactNode{ID: id, Addr: &net.UDPAddr{IP: ip, Port: port}})
	}
	return out, nil
}

// EncodeCompactPeers4 encodes peer addresses as a BEP 23 compact peer
// string (6 bytes each: 4-byte IPv4 address + 2-byte port), the format
// used in a get_peers "values" reply.
func EncodeCompactPeers4(peers []*net.UDPAddr) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip := p.IP.To4()
		if ip == nil {
			continue
		}
		out = append(out, ip...)
		out = append(out, byte(p.Port>>8), byte(p.Port))
	}
	return out
}

// DecodeCompactPeers4 parses a BEP 23 compact peer string.
func DecodeCompactPeers4(b []byte) ([]*net.UDPAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of 6", core.ErrParse, len(b))
	}
	out := make([]*net.UDPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IP(append([]byte(nil), b[i:i+4]...))
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, &net.UDPAddr{IP: ip, Port: port})
	}
	return out, nil
}
