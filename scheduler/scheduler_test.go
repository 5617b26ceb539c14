package scheduler

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/utils/syncutil"
)

func testMetaInfo(t *testing.T, pieceLength int64, content []byte) *metainfo.MetaInfo {
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
		Name:        "file.bin",
		PieceLength: pieceLength,
		Files:       []metainfo.File{{Path: []string{"file.bin"}, Length: int64(len(content))}},
		PieceHashes: hashes,
	}
	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))
	mi, err := metainfo.Parse(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return mi
}

func TestSelectRequestsRarestFirst(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 48)
	mi := testMetaInfo(t, 16, content)
	store := storage.NewMemoryStore(mi)

	counters := syncutil.NewCounters(store.NumPieces())
	counters.Set(0, 5)
	counters.Set(1, 1)
	counters.Set(2, 3)

	have := bitset.New(3).Complement()
	noPending := func(piece int, begin int64) bool { return false }

	reqs := SelectRequests(store, have, &counters, noPending, false, 10, DefaultBlockSize)
	require.NotEmpty(reqs)
	require.Equal(1, reqs[0].Piece)
}

func TestSelectRequestsRespectsBudget(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 48)
	mi := testMetaInfo(t, 16, content)
	store := storage.NewMemoryStore(mi)
	counters := syncutil.NewCounters(store.NumPieces())

	have := bitset.New(3).Complement()
	noPending := func(piece int, begin int64) bool { return false }

	reqs := SelectRequests(store, have, &counters, noPending, false, 2, DefaultBlockSize)
	require.Len(reqs, 2)
}

func TestSelectRequestsSkipsPendingUnlessEndgame(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 16)
	mi := testMetaInfo(t, 16, content)
	store := storage.NewMemoryStore(mi)
	counters := syncutil.NewCounters(store.NumPieces())

	have := bitset.New(1).Complement()
	allPending := func(piece int, begin int64) bool { return true }

	reqs := SelectRequests(store, have, &counters, allPending, false, 10, DefaultBlockSize)
	require.Empty(reqs)

	reqs = SelectRequests(store, have, &counters, allPending, true, 10, DefaultBlockSize)
	require.NotEmpty(reqs)
}

func TestSelectRequestsSkipsNonCandidatePieces(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 48)
	mi := testMetaInfo(t, 16, content)
	store := storage.NewMemoryStore(mi)
	counters := syncutil.NewCounters(store.NumPieces())

	// Peer only has piece 1.
	have := bitset.New(3)
	have.Set(1)
	noPending := func(piece int, begin int64) bool { return false }

	reqs := SelectRequests(store, have, &counters, noPending, false, 10, DefaultBlockSize)
	for _, r := range reqs {
		require.Equal(1, r.Piece)
	}
	require.NotEmpty(reqs)
}

func TestEndgameThreshold(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 48)
	mi := testMetaInfo(t, 16, content)
	store := storage.NewMemoryStore(mi)

	require.True(Endgame(store, 3))
	require.False(Endgame(store, 2))
}

func TestAdaptiveTimeoutClamps(t *testing.T) {
	require := require.New(t)

	at := NewAdaptiveTimeout()
	require.Equal(minRequestTimeout, at.Timeout())

	at.Observe(30 * time.Second)
	require.Equal(maxRequestTimeout, at.Timeout())

	at2 := NewAdaptiveTimeout()
	at2.ema = 0
	at2.Observe(1 * time.Second)
	require.Equal(minRequestTimeout, at2.Timeout())
}
