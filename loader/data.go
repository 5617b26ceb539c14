package loader

import "github.com/yoep/popcorn-fx-torrent-engine/torrentcore"

// MediaIdentifier is the loader's only seam into an external media catalog.
// The loader never parses or stores catalog data itself; a title is all it
// needs for logging and for handing to a MediaTorrentResolver.
type MediaIdentifier interface {
	Title() string
}

// SubtitleInfo describes a single subtitle track offered for a media item.
type SubtitleInfo struct {
	Language string
	URL      string
}

// SubtitleData carries a user's subtitle preference through the chain and,
// once SubtitlesStrategy has run, the resolved track and local file path.
type SubtitleData struct {
	Enabled  bool
	Language string
	Info     *SubtitleInfo
	FilePath string
}

// LoadingData is threaded through a LoadingChain, accumulating whatever
// each strategy contributes on the way to a playable stream. Either URL or
// Media is always present to identify what is being loaded.
type LoadingData struct {
	URL         string
	Title       string
	ParentMedia MediaIdentifier
	Media       MediaIdentifier
	Quality     string

	// DetailsOnly marks a request for torrent metadata (file list, total
	// size) without playback; once TorrentStrategy has resolved the torrent,
	// TorrentDetailsStrategy completes the chain instead of continuing on to
	// File, Subtitles and Player.
	DetailsOnly bool

	// TorrentHandle is set by TorrentStrategy once the session has a
	// running torrent for this item.
	TorrentHandle *torrentcore.Torrent
	FileIndex     int

	// Filename and StreamURL are set once a playable source exists, by
	// TorrentStrategy (an HTTP stream) or FileStrategy (a file:// URI).
	// StreamID is set only by TorrentStrategy: it is the opaque handle
	// RemoveStream needs to tear the HTTP stream down again on cancel.
	Filename  string
	StreamID  string
	StreamURL string

	Subtitle SubtitleData

	AutoResumeOffset int64
}
