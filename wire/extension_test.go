package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	h := ExtendedHandshake{
		M:            map[string]int64{ExtUTMetadata: 1, ExtUTPex: 2},
		MetadataSize: 4096,
		Version:      "popcorn-fx-torrent-engine/1.0",
	}
	m, err := EncodeExtendedHandshake(h)
	require.NoError(err)
	require.Equal(MsgExtended, m.ID)

	extID, body, err := ExtendedMessageID(m)
	require.NoError(err)
	require.Equal(byte(ExtendedHandshakeID), extID)

	got, err := DecodeExtendedHandshake(append([]byte{extID}, body...))
	require.NoError(err)
	require.Equal(int64(1), got.M[ExtUTMetadata])
	require.Equal(int64(2), got.M[ExtUTPex])
	require.Equal(int64(4096), got.MetadataSize)
	require.Equal("popcorn-fx-torrent-engine/1.0", got.Version)
}

func TestMetadataRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	m, err := EncodeMetadataRequest(3, 5)
	require.NoError(err)
	extID, body, err := ExtendedMessageID(m)
	require.NoError(err)
	require.Equal(byte(3), extID)

	msgType, piece, _, data, err := DecodeMetadataMessage(body)
	require.NoError(err)
	require.Equal(MetadataRequest, msgType)
	require.Equal(5, piece)
	require.Empty(data)
}

func TestMetadataDataRoundTrip(t *testing.T) {
	require := require.New(t)

	payload := []byte("some raw metadata bytes for this piece")
	m, err := EncodeMetadataData(3, 2, 16384, payload)
	require.NoError(err)
	_, body, err := ExtendedMessageID(m)
	require.NoError(err)

	msgType, piece, totalSize, data, err := DecodeMetadataMessage(body)
	require.NoError(err)
	require.Equal(MetadataData, msgType)
	require.Equal(2, piece)
	require.Equal(16384, totalSize)
	require.Equal(payload, data)
}

func TestPexRoundTrip(t *testing.T) {
	require := require.New(t)

	m, err := EncodePex(4, PexMessage{Added: []byte{127, 0, 0, 1, 0x1a, 0xe1}})
	require.NoError(err)
	_, body, err := ExtendedMessageID(m)
	require.NoError(err)

	got, err := DecodePex(body)
	require.NoError(err)
	require.Equal([]byte{127, 0, 0, 1, 0x1a, 0xe1}, got.Added)
}
