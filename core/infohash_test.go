package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfoHashV1FromHexRoundTrip(t *testing.T) {
	require := require.New(t)

	h, err := NewInfoHashV1FromHex("EADAF0EFEA39406914414D359E0EA16416409BD7"[:40])
	require.NoError(err)
	require.Equal("eadaf0efea39406914414d359e0ea16416409bd7", NewInfoHash(h).Hex())
}

func TestInfoHashV1FromHexInvalidLength(t *testing.T) {
	_, err := NewInfoHashV1FromHex("abc")
	require.Error(t, err)
}

func TestInfoHashEqual(t *testing.T) {
	require := require.New(t)

	a := NewInfoHash(NewInfoHashV1FromBytes([]byte("torrent-a")))
	b := NewInfoHash(NewInfoHashV1FromBytes([]byte("torrent-a")))
	c := NewInfoHash(NewInfoHashV1FromBytes([]byte("torrent-c")))

	require.True(a.Equal(b))
	require.False(a.Equal(c))
}

func TestHybridInfoHashEqualRequiresV2Match(t *testing.T) {
	require := require.New(t)

	v1 := NewInfoHashV1FromBytes([]byte("shared-v1"))
	v2a := NewInfoHashV2FromBytes([]byte("v2-a"))
	v2b := NewInfoHashV2FromBytes([]byte("v2-b"))

	a := NewHybridInfoHash(v1, v2a)
	b := NewHybridInfoHash(v1, v2b)

	require.False(a.Equal(b))
}
