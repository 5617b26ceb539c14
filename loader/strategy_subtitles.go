package loader

import (
	"context"
	"fmt"
)

// SubtitlesStrategy fetches the subtitle tracks available for a media item
// and downloads one to local disk: the first track in the preferred
// language, or the first track offered when none matches. It is a no-op when subtitles are disabled for this item or
// when there's no media identity to look tracks up against (a raw
// magnet/file URL with no catalog entry behind it).
type SubtitlesStrategy struct {
	provider SubtitleProvider
}

// NewSubtitlesStrategy creates a strategy backed by provider.
func NewSubtitlesStrategy(provider SubtitleProvider) *SubtitlesStrategy {
	return &SubtitlesStrategy{provider: provider}
}

func (s *SubtitlesStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	if !data.Subtitle.Enabled || data.Media == nil {
		return Continue, nil
	}

	tracks, err := s.provider.FindSubtitles(ctx, data.Media, data.Subtitle.Language)
	if err != nil {
		return Continue, fmt.Errorf("find subtitles for %q: %w", data.Media.Title(), err)
	}
	if len(tracks) == 0 {
		return Continue, nil
	}

	track := tracks[0]
	for _, t := range tracks {
		if t.Language == data.Subtitle.Language {
			track = t
			break
		}
	}

	path, err := s.provider.Download(ctx, track)
	if err != nil {
		return Continue, fmt.Errorf("download subtitle %s: %w", track.URL, err)
	}

	data.Subtitle.Info = &track
	data.Subtitle.FilePath = path
	return Continue, nil
}

func (s *SubtitlesStrategy) Cancel(ctx context.Context, data *LoadingData) error {
	if data.Subtitle.FilePath == "" {
		return nil
	}
	err := s.provider.Delete(ctx, data.Subtitle.FilePath)
	data.Subtitle.Info = nil
	data.Subtitle.FilePath = ""
	return err
}
