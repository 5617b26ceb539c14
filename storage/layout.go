package storage

import "github.com/yoep/popcorn-fx-torrent-engine/metainfo"

// fileSpan is the portion of one on-disk file that a byte range touches.
type fileSpan struct {
	path       string
	fileOffset int64 // offset within the file
	length     int64
}

// layout maps absolute offsets within the concatenated torrent content to
// spans across the underlying multi-file layout, mirroring the standard
// BitTorrent "files are laid end to end" convention.
type layout struct {
	files  []metainfo.File
	starts []int64 // cumulative start offset of each file
}

func newLayout(mi *metainfo.MetaInfo) *layout {
	l := &layout{files: mi.Files}
	var off int64
	for _, f := range mi.Files {
		l.starts = append(l.starts, off)
		off += f.Length
	}
	return l
}

// spans returns the file spans touched by [offset, offset+length).
func (l *layout) spans(offset, length int64) []fileSpan {
	var out []fileSpan
	remaining := length
	pos := offset
	for i, f := range l.files {
		fileStart := l.starts[i]
		fileEnd := fileStart + f.Length
		if pos >= fileEnd {
			continue
		}
		if remaining <= 0 {
			break
		}
		spanStart := pos - fileStart
		if spanStart < 0 {
			spanStart = 0
		}
		available := f.Length - spanStart
		n := remaining
		if n > available {
			n = available
		}
		if n <= 0 {
			continue
		}
		out = append(out, fileSpan{
			path:       joinPath(f.Path),
			fileOffset: spanStart,
			length:     n,
		})
		pos += n
		remaining -= n
	}
	return out
}

func joinPath(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}
