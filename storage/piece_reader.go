package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// multiFileReader lazily opens and concatenates reads across the file spans
// a piece touches, closing each file as it's exhausted. Generalizes the
// teacher's single-file filePieceReader (which seeks once into one file) to
// torrents whose pieces straddle file boundaries.
type multiFileReader struct {
	root  string
	spans []fileSpan
	idx   int
	cur   *os.File
	left  int64 // bytes left to read from cur before advancing
}

func newMultiFileReader(root string, spans []fileSpan) *multiFileReader {
	return &multiFileReader{root: root, spans: spans}
}

func (r *multiFileReader) Read(b []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.spans) {
				return 0, io.EOF
			}
			span := r.spans[r.idx]
			f, err := os.Open(joinRoot(r.root, span.path))
			if err != nil {
				return 0, fmt.Errorf("open: %s", err)
			}
			if _, err := f.Seek(span.fileOffset, io.SeekStart); err != nil {
				f.Close()
				return 0, fmt.Errorf("seek: %s", err)
			}
			r.cur = f
			r.left = span.length
		}
		if r.left <= 0 {
			r.cur.Close()
			r.cur = nil
			r.idx++
			continue
		}
		readLen := int64(len(b))
		if readLen > r.left {
			readLen = r.left
		}
		n, err := r.cur.Read(b[:readLen])
		r.left -= int64(n)
		if err != nil && err != io.EOF {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		r.cur.Close()
		r.cur = nil
		r.idx++
	}
}

func (r *multiFileReader) Close() error {
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}

func (r *multiFileReader) Length() int {
	var n int64
	for _, s := range r.spans {
		n += s.length
	}
	return int(n)
}

// pieceReaderBuffer is a PieceReader backed by an in-memory buffer, used by
// MemoryStore.
type pieceReaderBuffer struct {
	reader *bytes.Reader
}

// NewPieceReaderBuffer returns a PieceReader which wraps an in-memory buffer.
func NewPieceReaderBuffer(b []byte) PieceReader {
	return &pieceReaderBuffer{bytes.NewReader(b)}
}

func (r *pieceReaderBuffer) Read(b []byte) (int, error) {
	return r.reader.Read(b)
}

func (r *pieceReaderBuffer) Close() error {
	return nil
}

func (r *pieceReaderBuffer) Length() int {
	return r.reader.Len()
}

func joinRoot(root, relPath string) string {
	if root == "" {
		return relPath
	}
	return root + string(os.PathSeparator) + relPath
}
