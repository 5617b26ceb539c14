package dht

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestCalculateNodeState(t *testing.T) {
	require.Equal(t, Good, calculateNodeState(time.Minute, 0))
	require.Equal(t, Questionable, calculateNodeState(16*time.Minute, 0))
	require.Equal(t, Good, calculateNodeState(time.Minute, badAfterTimeouts))
	require.Equal(t, Bad, calculateNodeState(time.Minute, badAfterTimeouts+1))
	require.Equal(t, Bad, calculateNodeState(20*time.Minute, badAfterTimeouts+1))
}

func TestRemoteNodeConfirmedResetsTimeouts(t *testing.T) {
	clk := clock.NewMock()
	n := NewRemoteNode(NodeID{1}, nil, clk)

	for i := 0; i < badAfterTimeouts+1; i++ {
		n.TimedOut()
	}
	require.Equal(t, Bad, n.State())

	n.Confirmed()
	require.Equal(t, Good, n.State())
}

func TestRemoteNodeBecomesQuestionableAfterSilence(t *testing.T) {
	clk := clock.NewMock()
	n := NewRemoteNode(NodeID{1}, nil, clk)
	require.Equal(t, Good, n.State())

	clk.Add(16 * time.Minute)
	require.Equal(t, Questionable, n.State())
}

func TestRemoteNodeTokenRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	n := NewRemoteNode(NodeID{1}, nil, clk)
	addr := mustUDPAddr(t, "1.2.3.4:6881")

	token := n.GenerateToken(addr)
	require.True(t, n.ValidateToken(addr, token))
	require.False(t, n.ValidateToken(addr, []byte{0, 0, 0, 0}))
}
