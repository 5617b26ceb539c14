package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeIDDistanceIsXOR(t *testing.T) {
	a := NodeID{0x00}
	b := NodeID{0xff}
	d := a.Distance(b)
	require.Equal(t, byte(0xff), d[0])
}

func TestNodeIDPrefixLen(t *testing.T) {
	var id NodeID
	require.Equal(t, 160, id.PrefixLen())

	id[0] = 0x01
	require.Equal(t, 7, id.PrefixLen())

	id = NodeID{}
	id[19] = 0x01
	require.Equal(t, 159, id.PrefixLen())
}

func TestGenerateSecureNodeIDIsVerifiable(t *testing.T) {
	ip := net.ParseIP("86.124.8.3")
	id, err := GenerateSecureNodeID(ip, 0x42)
	require.NoError(t, err)
	require.True(t, id.IsSecure(ip))
	require.False(t, id.IsSecure(net.ParseIP("1.2.3.4")))
}

func TestIsSecureExemptsPrivateAddresses(t *testing.T) {
	id, err := RandomNodeID()
	require.NoError(t, err)
	require.True(t, id.IsSecure(net.ParseIP("127.0.0.1")))
	require.True(t, id.IsSecure(net.ParseIP("192.168.1.1")))
}
