package session

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/tracker"
)

const testHexInfoHash = "0123456789abcdef0123456789abcdef01234567"[:40]

func TestResolveSourceMagnet(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + testHexInfoHash +
		"&dn=movie&tr=http://tracker.example:6969/announce&tr=udp://127.0.0.1:6881/announce"

	src, err := resolveSource(uri, tracker.HTTPClientConfig{}, tracker.UDPClientConfig{})
	require.NoError(t, err)
	require.Equal(t, testHexInfoHash, hexOf(src.infoHash))
	require.Nil(t, src.mi)
	require.Len(t, src.trackers, 2, "each tr= entry becomes its own tier")
	require.Equal(t, "http://tracker.example:6969/announce", src.trackers[0][0].URL())
	require.Equal(t, "udp://127.0.0.1:6881/announce", src.trackers[1][0].URL())
}

func TestResolveSourceMagnetDropsUnrecognizedTrackerScheme(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + testHexInfoHash +
		"&tr=ws://unsupported.example/announce&tr=http://tracker.example/announce"

	src, err := resolveSource(uri, tracker.HTTPClientConfig{}, tracker.UDPClientConfig{})
	require.NoError(t, err)
	require.Len(t, src.trackers, 1)
	require.Equal(t, "http://tracker.example/announce", src.trackers[0][0].URL())
}

func TestResolveSourceBareInfoHash(t *testing.T) {
	src, err := resolveSource(testHexInfoHash, tracker.HTTPClientConfig{}, tracker.UDPClientConfig{})
	require.NoError(t, err)
	require.Equal(t, testHexInfoHash, hexOf(src.infoHash))
	require.Nil(t, src.mi)
	require.Empty(t, src.trackers)
}

func TestResolveSourceTorrentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movie.torrent")
	writeTestTorrentFile(t, path)

	src, err := resolveSource(path, tracker.HTTPClientConfig{}, tracker.UDPClientConfig{})
	require.NoError(t, err)
	require.NotNil(t, src.mi)
	require.Equal(t, "movie.bin", src.mi.Name)
	require.Len(t, src.trackers, 1)
	require.Equal(t, "http://tier1.example/announce", src.trackers[0][0].URL())
}

func TestResolveSourceUnrecognized(t *testing.T) {
	_, err := resolveSource("not-a-valid-source", tracker.HTTPClientConfig{}, tracker.UDPClientConfig{})
	require.ErrorIs(t, err, errUnrecognizedSource)
}

func writeTestTorrentFile(t *testing.T, path string) {
	t.Helper()
	content := bytes.Repeat([]byte{'a'}, 32*1024)
	sum := sha1.Sum(content)
	b := &metainfo.Builder{
		Name:        "movie.bin",
		PieceLength: 32 * 1024,
		Files:       []metainfo.File{{Path: []string{"movie.bin"}, Length: int64(len(content))}},
		PieceHashes: [][]byte{sum[:]},
		Trackers:    [][]string{{"http://tier1.example/announce"}},
	}
	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func hexOf(b [20]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 40)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
