package torrentcore

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/dht"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

func TestMetadataFetchAssemblesInOrder(t *testing.T) {
	require := require.New(t)

	f := newMetadataFetch(metadataPieceSize + 10)
	require.Equal(2, len(f.pieces))
	require.False(f.done())

	p0, ok := f.nextWanted()
	require.True(ok)
	require.Equal(0, p0)

	f.put(1, bytes.Repeat([]byte("b"), 10))
	require.False(f.done())
	p, ok := f.nextWanted()
	require.True(ok)
	require.Equal(0, p)

	f.put(0, bytes.Repeat([]byte("a"), metadataPieceSize))
	require.True(f.done())

	assembled := f.assemble()
	require.Equal(metadataPieceSize+10, len(assembled))
	require.Equal(byte('a'), assembled[0])
	require.Equal(byte('b'), assembled[metadataPieceSize])
}

func TestMetadataFetchPutIgnoresDuplicateOrOutOfRange(t *testing.T) {
	require := require.New(t)

	f := newMetadataFetch(metadataPieceSize)
	require.Equal(1, f.remaining)

	f.put(0, []byte("x"))
	require.Equal(0, f.remaining)

	// A second put for the same piece (e.g. a slow duplicate response)
	// doesn't double-decrement remaining.
	f.put(0, []byte("y"))
	require.Equal(0, f.remaining)

	f.put(5, []byte("z")) // out of range, ignored
	require.Equal(0, f.remaining)
}

func TestHandlePexMessageAddsDiscoveredAddresses(t *testing.T) {
	require := require.New(t)

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	tr := &Torrent{events: newEventBus()}

	added := dht.EncodeCompactPeers4([]*net.UDPAddr{
		{IP: net.IPv4(127, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(127, 0, 0, 2), Port: 6882},
	})
	msg, err := wire.EncodePex(localUTPexID, wire.PexMessage{Added: added})
	require.NoError(err)

	tr.handlePexMessage(peerID, msg.Payload[1:])

	require.Len(tr.discovered, 2)
	require.Contains(tr.discovered, "127.0.0.1:6881")
	require.Contains(tr.discovered, "127.0.0.2:6882")
}

func TestHandlePexMessageIgnoresMalformedBody(t *testing.T) {
	require := require.New(t)

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	tr := &Torrent{events: newEventBus()}
	tr.handlePexMessage(peerID, []byte("not bencode"))
	require.Empty(tr.discovered)
}
