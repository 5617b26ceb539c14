package torrentcore

import (
	"bytes"
	"crypto/sha1"
	"net"
	"os"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/peerconn"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

func testTorrentMetaInfo(t *testing.T, pieceLength int64, content []byte) *metainfo.MetaInfo {
	t.Helper()
	var hashes [][]byte
	for off := 0; off < len(content); off += int(pieceLength) {
		end := off + int(pieceLength)
		if end > len(content) {
			end = len(content)
		}
		sum := sha1.Sum(content[off:end])
		hashes = append(hashes, sum[:])
	}
	b := &metainfo.Builder{
		Name:        "movie.bin",
		PieceLength: pieceLength,
		Files:       []metainfo.File{{Path: []string{"movie.bin"}, Length: int64(len(content))}},
		PieceHashes: hashes,
	}
	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))
	mi, err := metainfo.Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return mi
}

func awaitState(t *testing.T, ch <-chan Event, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			if sc, ok := e.(StateChangedEvent); ok && sc.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// TestTorrentValidatesPreexistingDataAndFinishes exercises opValidateFiles
// end to end: storage already holds correct bytes on disk (a resumed
// download) despite no WriteBlock call ever having happened this run, which
// only VerifyOnDisk can recognize.
func TestTorrentValidatesPreexistingDataAndFinishes(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("m"), 32)
	content = append(content, bytes.Repeat([]byte("n"), 16)...)
	mi := testTorrentMetaInfo(t, 16, content)

	dir := t.TempDir()
	require.NoError(os.WriteFile(dir+"/movie.bin", content, 0644))

	peerID, err := core.RandomPeerID()
	require.NoError(err)

	tr, err := New(Params{
		LocalPeerID: peerID,
		InfoHash:    mi.InfoHash.V1,
		MetaInfo:    mi,
		DataDir:     dir,
		Opener:      func(mi *metainfo.MetaInfo, dir string) (storage.Store, error) { return storage.OpenFileStore(mi, dir) },
		Stats:       tally.NoopScope,
		Clk:         clock.New(),
		Logger:      zap.NewNop().Sugar(),
		Config:      Config{TickInterval: 10 * time.Millisecond},
	})
	require.NoError(err)
	defer tr.Close()

	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	awaitState(t, ch, StateCheckingFiles, 2*time.Second)
	awaitState(t, ch, StateFinished, 2*time.Second)

	stats := tr.Stats()
	require.Equal(0, stats.MissingCount)
	require.Equal(int64(len(content)), stats.Downloaded)
}

// TestTorrentRetrievesMetadataOverUTMetadata connects a magnet-link Torrent
// (no MetaInfo) to a Torrent that already has it, over a real TCP
// connection, and checks the info dictionary is fetched and verified via
// ut_metadata before either side's dispatcher ever gets involved.
func TestTorrentRetrievesMetadataOverUTMetadata(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("s"), 48)
	mi := testTorrentMetaInfo(t, 16, content)

	seederDir := t.TempDir()
	require.NoError(os.WriteFile(seederDir+"/movie.bin", content, 0644))

	seederPeerID, err := core.RandomPeerID()
	require.NoError(err)
	leecherPeerID, err := core.RandomPeerID()
	require.NoError(err)

	clk := clock.New()
	logger := zap.NewNop().Sugar()

	seeder, err := New(Params{
		LocalPeerID: seederPeerID,
		InfoHash:    mi.InfoHash.V1,
		MetaInfo:    mi,
		DataDir:     seederDir,
		Opener:      func(mi *metainfo.MetaInfo, dir string) (storage.Store, error) { return storage.OpenFileStore(mi, dir) },
		Stats:       tally.NoopScope,
		Clk:         clk,
		Logger:      logger,
		Config:      Config{TickInterval: 10 * time.Millisecond},
	})
	require.NoError(err)
	defer seeder.Close()

	leecherDir := t.TempDir()
	leecher, err := New(Params{
		LocalPeerID: leecherPeerID,
		InfoHash:    mi.InfoHash.V1,
		DataDir:     leecherDir,
		Opener:      func(mi *metainfo.MetaInfo, dir string) (storage.Store, error) { return storage.OpenFileStore(mi, dir) },
		Stats:       tally.NoopScope,
		Clk:         clk,
		Logger:      logger,
		Config:      Config{TickInterval: 10 * time.Millisecond},
	})
	require.NoError(err)
	defer leecher.Close()

	ch := leecher.Subscribe()
	defer leecher.Unsubscribe(ch)

	// Wait for the leecher to enter StateRetrievingMetadata (its
	// opRetrieveMetadata operation armed requestingMetadata) before wiring a
	// peer, so requestNextMetadataPiece's arming check sees it.
	awaitState(t, ch, StateRetrievingMetadata, 2*time.Second)

	seederConn, leecherConn := connectMetadataPeers(t, seederPeerID, leecherPeerID, clk, logger, mi.InfoHash.V1, mi.NumPieces())

	seeder.mu.Lock()
	seeder.metadataConns[seederConn.PeerID()] = seederConn
	seeder.mu.Unlock()
	go seeder.feedMetadataConn(seederConn)

	leecher.mu.Lock()
	leecher.metadataConns[leecherConn.PeerID()] = leecherConn
	leecher.mu.Unlock()
	go leecher.feedMetadataConn(leecherConn)

	deadline := time.After(5 * time.Second)
	for {
		leecher.mu.RLock()
		got := leecher.mi != nil
		leecher.mu.RUnlock()
		if got {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for metadata")
		case <-time.After(10 * time.Millisecond):
		}
	}

	leecher.mu.RLock()
	defer leecher.mu.RUnlock()
	require.Equal(mi.InfoHash.V1, leecher.mi.InfoHash.V1)
	require.Equal(mi.Length, leecher.mi.Length)
}

type noopHandshakeEvents struct{}

func (noopHandshakeEvents) ConnClosed(*peerconn.Conn) {}

// connectMetadataPeers establishes a real loopback TCP connection between
// two Handshakers, both advertising ut_metadata/ut_pex support, mirroring
// dispatch's own connectedPeerConns test helper.
func connectMetadataPeers(
	t *testing.T,
	seederID, leecherID core.PeerID,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	infoHash core.InfoHashV1,
	numPieces int,
) (*peerconn.Conn, *peerconn.Conn) {
	t.Helper()

	extensions := map[string]byte{wire.ExtUTMetadata: 1, wire.ExtUTPex: 2}
	seederHS, err := peerconn.NewHandshaker(
		peerconn.Config{HandshakeTimeout: 2 * time.Second}, tally.NoopScope, clk,
		seederID, extensions, noopHandshakeEvents{}, logger)
	require.NoError(t, err)
	leecherHS, err := peerconn.NewHandshaker(
		peerconn.Config{HandshakeTimeout: 2 * time.Second}, tally.NoopScope, clk,
		leecherID, extensions, noopHandshakeEvents{}, logger)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()

	acceptedCh := make(chan *peerconn.Conn, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		pc, err := seederHS.Accept(nc)
		if err != nil {
			return
		}
		c, err := seederHS.Establish(pc, numPieces, peerconn.BitSetToBitfieldBytes(bitset.New(uint(numPieces)).Complement()))
		if err != nil {
			return
		}
		acceptedCh <- c
	}()

	dialed, err := leecherHS.Dial(l.Addr().String(), infoHash, 0, peerconn.BitSetToBitfieldBytes(bitset.New(0)))
	require.NoError(t, err)

	var seederConn *peerconn.Conn
	select {
	case seederConn = <-acceptedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out establishing connection")
	}
	return seederConn, dialed
}
