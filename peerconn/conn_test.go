package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/utils/bandwidth"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*Conn) {}

func handshakerFixture(t *testing.T) (*Handshaker, core.PeerID) {
	t.Helper()
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	h, err := NewHandshaker(
		Config{HandshakeTimeout: 2 * time.Second},
		tally.NoopScope,
		clock.New(),
		id,
		map[string]byte{wire.ExtUTMetadata: 1},
		noopEvents{},
		zap.NewNop().Sugar(),
	)
	require.NoError(t, err)
	return h, id
}

func TestHandshakeEstablishesConn(t *testing.T) {
	require := require.New(t)

	infoHash := core.NewInfoHashV1FromBytes([]byte("some torrent contents"))

	initiator, initiatorID := handshakerFixture(t)
	acceptor, acceptorID := handshakerFixture(t)

	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(err)
	defer l.Close()

	ourBitfield := bitset.New(4)

	acceptedCh := make(chan *Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		pc, err := acceptor.Accept(nc)
		if err != nil {
			acceptErrCh <- err
			return
		}
		c, err := acceptor.Establish(pc, 4, BitSetToBitfieldBytes(ourBitfield))
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- c
	}()

	dialed, err := initiator.Dial(l.Addr().String(), infoHash, 4, BitSetToBitfieldBytes(ourBitfield))
	require.NoError(err)
	defer dialed.Close()

	select {
	case err := <-acceptErrCh:
		t.Fatalf("acceptor failed: %s", err)
	case accepted := <-acceptedCh:
		defer accepted.Close()
		require.Equal(acceptorID, dialed.PeerID())
		require.Equal(initiatorID, accepted.PeerID())
		require.Equal(infoHash, dialed.InfoHash())
		require.Equal(infoHash, accepted.InfoHash())
		require.False(dialed.OpenedByRemote())
		require.True(accepted.OpenedByRemote())
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake to complete")
	}
}

func TestConnSendReceive(t *testing.T) {
	require := require.New(t)

	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()

	require.NoError(a.Send(wire.Have(3)))

	select {
	case m := <-b.Receiver():
		idx, err := wire.ParseHave(m.Payload)
		require.NoError(err)
		require.Equal(3, idx)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnChokeInterestState(t *testing.T) {
	require := require.New(t)

	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()

	require.True(a.AmChoking())
	require.NoError(a.SetAmChoking(false))
	require.False(a.AmChoking())

	select {
	case m := <-b.Receiver():
		require.Equal(wire.MsgUnchoke, m.ID)
		require.False(b.PeerChoking())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unchoke")
	}
}

func TestConnBitfieldAndHaveUpdatePeerState(t *testing.T) {
	require := require.New(t)

	a, b := pipeConns(t)
	defer a.Close()
	defer b.Close()

	bits := bitset.New(4)
	bits.Set(0)
	bits.Set(2)
	require.NoError(a.Send(wire.Bitfield(BitSetToBitfieldBytes(bits))))

	select {
	case <-b.Receiver():
		peerBits := b.PeerBitfield()
		require.True(peerBits.Test(0))
		require.False(peerBits.Test(1))
		require.True(peerBits.Test(2))
		require.False(peerBits.Test(3))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bitfield")
	}

	require.NoError(a.Send(wire.Have(1)))
	select {
	case <-b.Receiver():
		require.True(b.PeerBitfield().Test(1))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have")
	}
}

// pipeConns returns two established, started Conns connected over loopback TCP.
func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		nc, _ := l.Accept()
		serverCh <- nc
	}()
	clientNC, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	serverNC := <-serverCh

	clk := clock.New()
	stats := tally.NoopScope
	logger := zap.NewNop().Sugar()
	bw, err := bandwidth.NewLimiter(bandwidth.Config{})
	require.NoError(t, err)

	localID, err := core.RandomPeerID()
	require.NoError(t, err)
	remoteID, err := core.RandomPeerID()
	require.NoError(t, err)
	ih := core.NewInfoHashV1FromBytes([]byte("pipe-conns-fixture"))

	cfg := Config{}.applyDefaults()
	a, err := newConn(cfg, stats, clk, bw, noopEvents{}, clientNC, localID, remoteID, ih, 4, false, logger)
	require.NoError(t, err)
	b, err := newConn(cfg, stats, clk, bw, noopEvents{}, serverNC, remoteID, localID, ih, 4, true, logger)
	require.NoError(t, err)

	a.Start()
	b.Start()
	return a, b
}
