package dht

import (
	"net"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestObserverRequiresMinReporters(t *testing.T) {
	clk := clock.NewMock()
	obs := NewObserver(clk)
	external := net.ParseIP("203.0.113.5")

	obs.Observe(mustUDPAddr(t, "1.1.1.1:1"), external)
	obs.Observe(mustUDPAddr(t, "2.2.2.2:2"), external)
	_, ok := obs.Consensus()
	require.False(t, ok, "2 reporters should not be enough")

	obs.Observe(mustUDPAddr(t, "3.3.3.3:3"), external)
	ip, ok := obs.Consensus()
	require.True(t, ok)
	require.True(t, ip.Equal(external))
}

func TestObserverLaterObservationFromSameSourceReplacesEarlier(t *testing.T) {
	clk := clock.NewMock()
	obs := NewObserver(clk)
	source := mustUDPAddr(t, "1.1.1.1:1")

	obs.Observe(source, net.ParseIP("203.0.113.5"))
	obs.Observe(source, net.ParseIP("198.51.100.9"))
	obs.Observe(mustUDPAddr(t, "2.2.2.2:2"), net.ParseIP("198.51.100.9"))
	obs.Observe(mustUDPAddr(t, "3.3.3.3:3"), net.ParseIP("198.51.100.9"))

	ip, ok := obs.Consensus()
	require.True(t, ok)
	require.True(t, ip.Equal(net.ParseIP("198.51.100.9")))
}

func TestObserverEvictsOldestBeyondCap(t *testing.T) {
	clk := clock.NewMock()
	obs := NewObserver(clk)

	for i := 0; i < maxObserved; i++ {
		obs.Observe(mustUDPAddr(t, udpAddrN(i)), net.ParseIP("203.0.113.5"))
		clk.Add(1)
	}
	require.Len(t, obs.byTo, maxObserved)

	obs.Observe(mustUDPAddr(t, udpAddrN(maxObserved)), net.ParseIP("203.0.113.5"))
	require.Len(t, obs.byTo, maxObserved)

	_, stillThere := obs.byTo[mustUDPAddr(t, udpAddrN(0)).String()]
	require.False(t, stillThere, "oldest observation should have been evicted")
}

func TestMaybeRegenerateIDSkipsIfAlreadySecure(t *testing.T) {
	clk := clock.NewMock()
	obs := NewObserver(clk)
	external := net.ParseIP("203.0.113.5")

	current, err := GenerateSecureNodeID(external, 0x11)
	require.NoError(t, err)

	obs.Observe(mustUDPAddr(t, "1.1.1.1:1"), external)
	obs.Observe(mustUDPAddr(t, "2.2.2.2:2"), external)
	obs.Observe(mustUDPAddr(t, "3.3.3.3:3"), external)

	_, changed, err := MaybeRegenerateID(obs, current, 0x22)
	require.NoError(t, err)
	require.False(t, changed)
}

func udpAddrN(n int) string {
	return net.JoinHostPort(net.IPv4(10, 0, byte(n>>8), byte(n)).String(), "6881")
}
