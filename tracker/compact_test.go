package tracker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactPeersRoundTrip(t *testing.T) {
	peers := []Peer{
		{IP: net.ParseIP("1.2.3.4").To4(), Port: 6881},
		{IP: net.ParseIP("5.6.7.8").To4(), Port: 51413},
	}
	encoded := encodeCompactPeers4(peers)
	require.Len(t, encoded, 12)

	decoded, err := decodeCompactPeers4(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.True(t, decoded[0].IP.Equal(peers[0].IP))
	require.Equal(t, peers[0].Port, decoded[0].Port)
	require.True(t, decoded[1].IP.Equal(peers[1].IP))
	require.Equal(t, peers[1].Port, decoded[1].Port)
}

func TestDecodeCompactPeers4RejectsBadLength(t *testing.T) {
	_, err := decodeCompactPeers4([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeCompactPeers6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	b := make([]byte, 18)
	copy(b, ip.To16())
	b[16] = 0x1a
	b[17] = 0xe1 // 6881

	peers, err := decodeCompactPeers6(b)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.True(t, peers[0].IP.Equal(ip))
	require.EqualValues(t, 6881, peers[0].Port)
}
