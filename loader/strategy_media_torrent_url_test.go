package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMedia struct{ title string }

func (m fakeMedia) Title() string { return m.title }

type fakeResolver struct {
	url string
	err error
}

func (f fakeResolver) Resolve(ctx context.Context, media MediaIdentifier, quality string) (string, error) {
	return f.url, f.err
}

func TestMediaTorrentURLStrategySkipsWhenNoMediaOrQuality(t *testing.T) {
	require := require.New(t)
	s := NewMediaTorrentURLStrategy(fakeResolver{url: "magnet:?xt=urn:btih:x"})
	data := &LoadingData{URL: "https://example.com/already-set.mp4"}

	result, err := s.Process(context.Background(), data)
	require.NoError(err)
	require.Equal(Continue, result)
	require.Equal("https://example.com/already-set.mp4", data.URL)
}

func TestMediaTorrentURLStrategyResolvesURL(t *testing.T) {
	require := require.New(t)
	s := NewMediaTorrentURLStrategy(fakeResolver{url: "magnet:?xt=urn:btih:abc"})
	data := &LoadingData{Media: fakeMedia{title: "Movie"}, Quality: "1080p"}

	result, err := s.Process(context.Background(), data)
	require.NoError(err)
	require.Equal(Continue, result)
	require.Equal("magnet:?xt=urn:btih:abc", data.URL)
}

func TestMediaTorrentURLStrategyPropagatesResolverError(t *testing.T) {
	require := require.New(t)
	s := NewMediaTorrentURLStrategy(fakeResolver{err: errors.New("not found")})
	data := &LoadingData{Media: fakeMedia{title: "Movie"}, Quality: "1080p"}

	_, err := s.Process(context.Background(), data)
	require.Error(err)
}
