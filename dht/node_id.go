// Package dht implements a Kademlia-style node on the BitTorrent Mainline
// DHT (BEP 5), including the BEP 42 secure node id extension.
package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"
)

// NodeID is a 160-bit Kademlia identifier, either for a remote node or for
// this node itself.
type NodeID [20]byte

// NewNodeID parses a hex-encoded 40-character NodeID.
func NewNodeID(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, err
	}
	if len(b) != 20 {
		return NodeID{}, fmt.Errorf("node id has invalid length: %d", len(b))
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// RandomNodeID generates a node id with no relation to any IP, suitable
// until BEP 42 self-address observation has accumulated enough reporters
// to produce a secure one.
func RandomNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, err
	}
	return id, nil
}

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

func (id NodeID) Bytes() []byte { return id[:] }

// Distance is the XOR metric between two node ids.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// LessThan compares two distances/ids lexicographically, treating them as
// 160-bit big-endian integers.
func (id NodeID) LessThan(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// PrefixLen returns the number of leading zero bits in id, i.e. which
// routing table bucket an id with this distance from us belongs in.
func (id NodeID) PrefixLen() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return len(id) * 8
}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// secureIDMask is ANDed into the IPv4 address bytes before they are fed to
// CRC32C, per BEP 42.
var secureIDMask = [4]byte{0x03, 0x0f, 0x3f, 0xff}

// ipMaskBytes returns the masked bytes of ip used as CRC32C input, per
// BEP 42: each octet of the address (the first 8 bytes for IPv6) is ANDed
// with its mask, and the low 3 bits of rBits are ORed into the top 3 bits
// of the first byte. rBits is the id's last byte, so the same helper serves
// both generation and verification.
func ipMaskBytes(ip net.IP, rBits byte) []byte {
	v4 := ip.To4()
	if v4 != nil {
		masked := make([]byte, 4)
		copy(masked, v4)
		for i := range masked {
			masked[i] &= secureIDMask[i]
		}
		masked[0] |= rBits & 0x07 << 5
		return masked
	}
	v6 := ip.To16()
	masked := make([]byte, 8)
	copy(masked, v6[:8])
	mask6 := [8]byte{0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f, 0xff}
	for i := range masked {
		masked[i] &= mask6[i]
	}
	masked[0] |= rBits & 0x07 << 5
	return masked
}

// GenerateSecureNodeID produces a node id that satisfies the BEP 42
// secure-id rule for the given external IP, using r as the random seed
// byte: the first 21 bits of the id come from the CRC32C of the masked IP,
// the last byte is r itself, and the bits in between are random.
func GenerateSecureNodeID(ip net.IP, r byte) (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, err
	}
	masked := ipMaskBytes(ip, r)
	crc := crc32.Checksum(masked, crc32c)

	id[0] = byte(crc >> 24)
	id[1] = byte(crc >> 16)
	id[2] = (byte(crc>>8) & 0xf8) | (id[2] & 0x07)
	id[19] = r
	return id, nil
}

// IsSecure reports whether id satisfies the BEP 42 secure-id rule for ip.
// Loopback and unspecified/private addresses are exempt, matching the
// reference implementation's own carve-out for local testing.
func (id NodeID) IsSecure(ip net.IP) bool {
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	masked := ipMaskBytes(ip, id[19])
	crc := crc32.Checksum(masked, crc32c)

	var want NodeID
	want[0] = byte(crc >> 24)
	want[1] = byte(crc >> 16)
	want[2] = byte(crc >> 8)

	return id[0] == want[0] && id[1] == want[1] && id[2]&0xf8 == want[2]&0xf8
}
