package loader

import (
	"context"
	"fmt"
)

// MediaTorrentURLStrategy resolves a (media, quality) pair to a torrent URI
// via an external media catalog. It is a no-op unless both Media and
// Quality are set, so an item that carries only an explicit URL (a magnet
// link or local file path supplied directly by the caller) passes through
// unchanged; when both are set, the resolved URI replaces any URL present.
type MediaTorrentURLStrategy struct {
	resolver MediaTorrentResolver
}

// NewMediaTorrentURLStrategy creates a strategy backed by resolver.
func NewMediaTorrentURLStrategy(resolver MediaTorrentResolver) *MediaTorrentURLStrategy {
	return &MediaTorrentURLStrategy{resolver: resolver}
}

func (s *MediaTorrentURLStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	if data.Media == nil || data.Quality == "" {
		return Continue, nil
	}

	uri, err := s.resolver.Resolve(ctx, data.Media, data.Quality)
	if err != nil {
		return Continue, fmt.Errorf("resolve torrent url for %q quality %q: %w", data.Media.Title(), data.Quality, err)
	}
	data.URL = uri
	return Continue, nil
}

func (s *MediaTorrentURLStrategy) Cancel(ctx context.Context, data *LoadingData) error { return nil }
