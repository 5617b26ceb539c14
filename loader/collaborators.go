package loader

import (
	"context"

	"github.com/yoep/popcorn-fx-torrent-engine/torrentcore"
)

// TorrentSession is the seam into the engine's session (C9): hands a
// resolved URI (magnet link or .torrent source) to the session and gets
// back the running Torrent, or tells it to forget one a cancelled chain no
// longer needs.
type TorrentSession interface {
	AddTorrent(ctx context.Context, uri string) (*torrentcore.Torrent, error)
	RemoveTorrent(t *torrentcore.Torrent) error
}

// StreamServer is the seam into the stream package (C7): registers a
// torrent's file for HTTP range serving and tears the registration down
// again once playback is cancelled.
type StreamServer interface {
	AddFile(t *torrentcore.Torrent, fileIndex int) (string, error)
	RemoveStream(id string)
}

// MediaTorrentResolver is the seam into an external media catalog: resolves
// a (media, quality) pair to a torrent URI. The loader never parses or
// stores catalog data itself.
type MediaTorrentResolver interface {
	Resolve(ctx context.Context, media MediaIdentifier, quality string) (string, error)
}

// SubtitleProvider is the seam into an external subtitle service: looks up
// the tracks available for a media item and downloads the selected one to
// local disk.
type SubtitleProvider interface {
	FindSubtitles(ctx context.Context, media MediaIdentifier, language string) ([]SubtitleInfo, error)
	Download(ctx context.Context, info SubtitleInfo) (string, error)
	Delete(ctx context.Context, path string) error
}

// PlayerPublisher is the seam into an external player integration: hands it
// the final stream URL and display title.
type PlayerPublisher interface {
	Play(ctx context.Context, url, title string) error
}
