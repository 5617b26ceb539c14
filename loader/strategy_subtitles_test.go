package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSubtitleProvider struct {
	tracks     []SubtitleInfo
	findErr    error
	path       string
	downloadErr error
	deleted    []string
}

func (f *fakeSubtitleProvider) FindSubtitles(ctx context.Context, media MediaIdentifier, language string) ([]SubtitleInfo, error) {
	return f.tracks, f.findErr
}

func (f *fakeSubtitleProvider) Download(ctx context.Context, info SubtitleInfo) (string, error) {
	return f.path, f.downloadErr
}

func (f *fakeSubtitleProvider) Delete(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func TestSubtitlesStrategySkipsWhenDisabled(t *testing.T) {
	require := require.New(t)
	provider := &fakeSubtitleProvider{}
	s := NewSubtitlesStrategy(provider)
	data := &LoadingData{Media: fakeMedia{title: "Movie"}, Subtitle: SubtitleData{Enabled: false}}

	result, err := s.Process(context.Background(), data)
	require.NoError(err)
	require.Equal(Continue, result)
	require.Nil(data.Subtitle.Info)
}

func TestSubtitlesStrategyDownloadsPreferredLanguage(t *testing.T) {
	require := require.New(t)
	provider := &fakeSubtitleProvider{
		tracks: []SubtitleInfo{{Language: "en", URL: "http://subs/en.srt"}, {Language: "fr", URL: "http://subs/fr.srt"}},
		path:   "/tmp/fr.srt",
	}
	s := NewSubtitlesStrategy(provider)
	data := &LoadingData{Media: fakeMedia{title: "Movie"}, Subtitle: SubtitleData{Enabled: true, Language: "fr"}}

	result, err := s.Process(context.Background(), data)
	require.NoError(err)
	require.Equal(Continue, result)
	require.NotNil(data.Subtitle.Info)
	require.Equal("fr", data.Subtitle.Info.Language)
	require.Equal("/tmp/fr.srt", data.Subtitle.FilePath)
}

func TestSubtitlesStrategyPropagatesFindError(t *testing.T) {
	require := require.New(t)
	provider := &fakeSubtitleProvider{findErr: errors.New("service down")}
	s := NewSubtitlesStrategy(provider)
	data := &LoadingData{Media: fakeMedia{title: "Movie"}, Subtitle: SubtitleData{Enabled: true}}

	_, err := s.Process(context.Background(), data)
	require.Error(err)
}

func TestSubtitlesStrategyCancelDeletesDownloadedFile(t *testing.T) {
	require := require.New(t)
	provider := &fakeSubtitleProvider{}
	s := NewSubtitlesStrategy(provider)
	info := SubtitleInfo{Language: "en"}
	data := &LoadingData{Subtitle: SubtitleData{Info: &info, FilePath: "/tmp/en.srt"}}

	require.NoError(s.Cancel(context.Background(), data))
	require.Equal([]string{"/tmp/en.srt"}, provider.deleted)
	require.Nil(data.Subtitle.Info)
	require.Empty(data.Subtitle.FilePath)
}
