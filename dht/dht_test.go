package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New("127.0.0.1:0", Config{QueryTimeout: 2 * time.Second}, nil, clock.New(), tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNodePingRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := a.Ping(ctx, b.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	require.Equal(t, b.ID(), id)

	_, known := a.table.Get(b.ID())
	require.True(t, known)
}

func TestNodeFindNodeReturnsKnownNodes(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Seed b's table with c before a asks b to find_node.
	_, err := b.Ping(ctx, c.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	target, err := RandomNodeID()
	require.NoError(t, err)

	nodes, err := a.FindNode(ctx, b.LocalAddr().(*net.UDPAddr), target)
	require.NoError(t, err)
	require.NotEmpty(t, nodes)

	found := false
	for _, n := range nodes {
		if n.ID == c.ID() {
			found = true
		}
	}
	require.True(t, found)
}

func TestNodeGetPeersAndAnnouncePeerRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	infoHash := core.NewInfoHashV1FromBytes([]byte("round trip torrent"))

	// First get_peers call against an empty swarm returns no values, but a
	// valid token we can present back in announce_peer.
	result, err := a.GetPeers(ctx, b.LocalAddr().(*net.UDPAddr), infoHash)
	require.NoError(t, err)
	require.Empty(t, result.Peers)
	require.NotEmpty(t, result.Token)

	err = a.AnnouncePeer(ctx, b.LocalAddr().(*net.UDPAddr), infoHash, 6881, result.Token, false)
	require.NoError(t, err)

	result2, err := a.GetPeers(ctx, b.LocalAddr().(*net.UDPAddr), infoHash)
	require.NoError(t, err)
	require.Len(t, result2.Peers, 1)
	require.Equal(t, 6881, result2.Peers[0].Port)
}

func TestNodeAnnouncePeerRejectsBadToken(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	infoHash := core.NewInfoHashV1FromBytes([]byte("bad token torrent"))
	err := a.AnnouncePeer(ctx, b.LocalAddr().(*net.UDPAddr), infoHash, 6881, []byte("nope"), false)
	require.Error(t, err)
}

func TestNodeBootstrapCountsSuccesses(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	dead, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	ok := a.Bootstrap(context.Background(), []*net.UDPAddr{
		b.LocalAddr().(*net.UDPAddr),
		c.LocalAddr().(*net.UDPAddr),
		dead,
	})
	require.Equal(t, 2, ok)
}
