package stream

import "testing"

func TestMimeType(t *testing.T) {
	cases := map[string]string{
		"movie.mp4":      "video/mp4",
		"movie.MKV":      "video/x-matroska",
		"subs.srt":       "text/plain",
		"noextension":    defaultMimeType,
		"archive.tar.gz": defaultMimeType,
	}
	for path, want := range cases {
		if got := mimeType(path); got != want {
			t.Errorf("mimeType(%q) = %q, want %q", path, got, want)
		}
	}
}
