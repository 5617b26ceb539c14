package loader

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStrategy recognizes a URL that already points at a file reachable on
// the local filesystem and rewrites it to a file:// URI, bypassing torrent
// logic (and the HTTP stream server, whose only job in this engine is
// piece-by-piece delivery of content that isn't fully on disk yet) entirely.
// It is a no-op for anything else: a magnet link, an http(s) URL already
// resolved by an earlier stage, or a path that doesn't exist on disk.
type FileStrategy struct{}

// NewFileStrategy creates a FileStrategy. It has no collaborators: a file
// that is already local needs nothing from the session or stream server.
func NewFileStrategy() *FileStrategy {
	return &FileStrategy{}
}

func (s *FileStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	if data.TorrentHandle != nil || !isLocalFile(data.URL) {
		return Continue, nil
	}

	abs, err := filepath.Abs(data.URL)
	if err != nil {
		return Continue, nil
	}
	data.Filename = filepath.Base(abs)
	data.StreamURL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	data.URL = data.StreamURL
	return Continue, nil
}

// Cancel is a no-op: a local file has nothing registered with any server to
// tear down.
func (s *FileStrategy) Cancel(ctx context.Context, data *LoadingData) error { return nil }

func isLocalFile(path string) bool {
	if path == "" || strings.Contains(path, "://") || strings.HasPrefix(path, "magnet:") {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
