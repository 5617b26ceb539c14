package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
)

func testInfoHash(t *testing.T, b byte) core.InfoHashV1 {
	t.Helper()
	var ih core.InfoHashV1
	ih[0] = b
	return ih
}

func TestMetadataCachePutGet(t *testing.T) {
	c := newMetadataCache(10)
	ih := testInfoHash(t, 1)
	mi := &metainfo.MetaInfo{Name: "one"}

	_, ok := c.Get(ih)
	require.False(t, ok)

	c.Put(ih, mi)
	got, ok := c.Get(ih)
	require.True(t, ok)
	require.Same(t, mi, got)
	require.Equal(t, 1, c.Len())
}

func TestMetadataCacheEvictsLeastRecentlyTouched(t *testing.T) {
	c := newMetadataCache(2)

	ih1, ih2, ih3 := testInfoHash(t, 1), testInfoHash(t, 2), testInfoHash(t, 3)
	c.Put(ih1, &metainfo.MetaInfo{Name: "one"})
	c.Put(ih2, &metainfo.MetaInfo{Name: "two"})

	// Touch ih1 so ih2 becomes the least recently used entry.
	_, ok := c.Get(ih1)
	require.True(t, ok)

	c.Put(ih3, &metainfo.MetaInfo{Name: "three"})

	require.Equal(t, 2, c.Len())
	_, ok = c.Get(ih2)
	require.False(t, ok, "ih2 should have been evicted")
	_, ok = c.Get(ih1)
	require.True(t, ok)
	_, ok = c.Get(ih3)
	require.True(t, ok)
}

func TestMetadataCachePutOverwritesExisting(t *testing.T) {
	c := newMetadataCache(10)
	ih := testInfoHash(t, 1)

	c.Put(ih, &metainfo.MetaInfo{Name: "first"})
	c.Put(ih, &metainfo.MetaInfo{Name: "second"})

	require.Equal(t, 1, c.Len())
	got, ok := c.Get(ih)
	require.True(t, ok)
	require.Equal(t, "second", got.Name)
}

func TestMetadataCacheDelete(t *testing.T) {
	c := newMetadataCache(10)
	ih := testInfoHash(t, 1)
	c.Put(ih, &metainfo.MetaInfo{Name: "one"})

	c.Delete(ih)

	_, ok := c.Get(ih)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}
