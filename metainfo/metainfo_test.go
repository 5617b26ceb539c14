package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func buildSingleFileTorrent(t *testing.T, name string, pieceLength int64, content []byte) []byte {
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
	b := &Builder{
		Name:        name,
		PieceLength: pieceLength,
		Files:       []File{{Path: []string{name}, Length: int64(len(content))}},
		PieceHashes: hashes,
		Trackers:    [][]string{{"udp://tracker.example:80/announce"}},
	}
	var buf bytes.Buffer
	require.NoError(t, b.Encode(&buf))
	return buf.Bytes()
}

func TestParseSingleFileTorrent(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("a"), 33)
	data := buildSingleFileTorrent(t, "file.bin", 16, content)

	mi, err := Parse(bytes.NewReader(data))
	require.NoError(err)
	require.Equal("file.bin", mi.Name)
	require.Equal(int64(33), mi.Length)
	require.Equal(3, mi.NumPieces())
	require.Equal(int64(16), mi.PieceLen(0))
	require.Equal(int64(1), mi.PieceLen(2))
	require.False(mi.InfoHash.HasV2)
	require.Equal([][]string{{"udp://tracker.example:80/announce"}}, mi.Trackers)
}

func TestParseVerifiesPieceHash(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("b"), 16)
	data := buildSingleFileTorrent(t, "one-piece.bin", 16, content)

	mi, err := Parse(bytes.NewReader(data))
	require.NoError(err)
	require.True(mi.VerifyPiece(0, content))
	require.False(mi.VerifyPiece(0, bytes.Repeat([]byte("c"), 16)))
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	raw := rawMetaInfo{
		Info: info{
			PieceLength: 16,
			Pieces:      "not-a-multiple-of-20-or-32",
			Name:        "x",
			Length:      16,
		},
	}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, raw))

	_, err := Parse(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
}
