package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/yoep/popcorn-fx-torrent-engine/storage"
)

// streamIDFromURL extracts the opaque id segment from a stream URL of the
// shape http://host:port/<id>/<filename>, as produced by stream.Server.AddFile.
func streamIDFromURL(u string) string {
	parts := strings.Split(u, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// TorrentStrategy hands data.URL to the torrent session, obtains a running
// Torrent, selects its largest file as the one to play, and adjusts piece
// priorities so the scheduler fetches that file's pieces and ignores every
// other file in the torrent. It is a no-op once an earlier stage (e.g.
// FileStrategy) has already produced a StreamURL: that URL didn't come from
// a torrent and isn't one.
type TorrentStrategy struct {
	session TorrentSession
	streams StreamServer
}

// NewTorrentStrategy creates a strategy backed by session and streams.
func NewTorrentStrategy(session TorrentSession, streams StreamServer) *TorrentStrategy {
	return &TorrentStrategy{session: session, streams: streams}
}

func (s *TorrentStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	if data.URL == "" || data.TorrentHandle != nil || data.StreamURL != "" {
		return Continue, nil
	}

	t, err := s.session.AddTorrent(ctx, data.URL)
	if err != nil {
		return Continue, fmt.Errorf("add torrent %s: %w", data.URL, err)
	}

	files := t.Files()
	if len(files) == 0 {
		return Continue, fmt.Errorf("torrent %s has no files", data.URL)
	}
	largest := 0
	for i, f := range files {
		if f.Length > files[largest].Length {
			largest = i
		}
	}
	for i, f := range files {
		if i == largest {
			t.SetPriorityRange(f.Offset, f.Length, storage.PriorityHigh)
		} else {
			t.SetPriorityRange(f.Offset, f.Length, storage.PriorityNone)
		}
	}

	url, err := s.streams.AddFile(t, largest)
	if err != nil {
		return Continue, fmt.Errorf("start stream for torrent %s: %w", data.URL, err)
	}

	data.TorrentHandle = t
	data.FileIndex = largest
	data.Filename = files[largest].Path
	data.StreamID = streamIDFromURL(url)
	data.StreamURL = url
	data.URL = url
	return Continue, nil
}

func (s *TorrentStrategy) Cancel(ctx context.Context, data *LoadingData) error {
	if data.TorrentHandle == nil {
		return nil
	}
	if data.StreamID != "" {
		s.streams.RemoveStream(data.StreamID)
		data.StreamID = ""
	}
	err := s.session.RemoveTorrent(data.TorrentHandle)
	data.TorrentHandle = nil
	return err
}
