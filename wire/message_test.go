package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	cases := []Message{
		KeepAlive,
		{ID: MsgChoke},
		{ID: MsgUnchoke},
		Have(7),
		Bitfield([]byte{0xff, 0x00}),
		Request(1, 16384, 16384),
		Cancel(1, 16384, 16384),
		Piece(1, 0, []byte("hello world")),
		Port(6881),
		SuggestPiece(3),
		AllowedFast(4),
		RejectRequest(1, 0, 16384),
	}

	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(WriteMessage(&buf, m))

		got, err := ReadMessage(&buf)
		require.NoError(err)
		require.Equal(m.IsKeepAlive(), got.IsKeepAlive())
		if !m.IsKeepAlive() {
			require.Equal(m.ID, got.ID)
			require.Equal(m.Payload, got.Payload)
		}
	}
}

func TestParseHave(t *testing.T) {
	require := require.New(t)
	m := Have(42)
	idx, err := ParseHave(m.Payload)
	require.NoError(err)
	require.Equal(42, idx)

	_, err = ParseHave([]byte{1, 2})
	require.Error(err)
}

func TestParseBlockRequest(t *testing.T) {
	require := require.New(t)
	m := Request(5, 100, 16384)
	req, err := ParseBlockRequest(m.Payload)
	require.NoError(err)
	require.Equal(BlockRequest{Piece: 5, Begin: 100, Length: 16384}, req)
}

func TestParsePiece(t *testing.T) {
	require := require.New(t)
	m := Piece(2, 16384, []byte("block-data"))
	piece, begin, block, err := ParsePiece(m.Payload)
	require.NoError(err)
	require.Equal(2, piece)
	require.Equal(16384, begin)
	require.Equal([]byte("block-data"), block)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	_, err := ReadMessage(&buf)
	require.Error(err)
}
