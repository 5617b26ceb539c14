package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactNodes4RoundTrip(t *testing.T) {
	var id1, id2 NodeID
	id1[0] = 0xaa
	id2[0] = 0xbb

	nodes := []CompactNode{
		{ID: id1, Addr: mustUDPAddr(t, "1.2.3.4:6881")},
		{ID: id2, Addr: mustUDPAddr(t, "5.6.7.8:6882")},
	}

	b := EncodeCompactNodes4(nodes)
	require.Len(t, b, 2*compactNode4Size)

	decoded, err := DecodeCompactNodes4(b)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, id1, decoded[0].ID)
	require.True(t, decoded[0].Addr.IP.Equal(net.ParseIP("1.2.3.4")))
	require.Equal(t, 6881, decoded[0].Addr.Port)
	require.Equal(t, id2, decoded[1].ID)
}

func TestDecodeCompactNodes4RejectsBadLength(t *testing.T) {
	_, err := DecodeCompactNodes4(make([]byte, compactNode4Size+1))
	require.Error(t, err)
}

func TestCompactPeers4RoundTrip(t *testing.T) {
	peers := []*net.UDPAddr{
		mustUDPAddr(t, "192.168.1.1:6881"),
		mustUDPAddr(t, "10.0.0.1:51413"),
	}
	b := EncodeCompactPeers4(peers)
	require.Len(t, b, 12)

	decoded, err := DecodeCompactPeers4(b)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.True(t, decoded[0].IP.Equal(net.ParseIP("192.168.1.1")))
	require.Equal(t, 6881, decoded[0].Port)
}
