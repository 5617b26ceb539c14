package torrentcore

import (
	"path/filepath"

	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
)

// File describes one file within a torrent's content, with its byte range
// within the concatenated piece stream.
type File struct {
	Index    int
	Path     string
	Length   int64
	Offset   int64
	Priority storage.Priority
}

// buildFiles lays out mi's file list over the piece stream. V1 torrents
// pack files back to back; V2 (and hybrid) torrents additionally pad each
// file to a piece-length boundary so no file straddles a Merkle tree leaf
// it doesn't own.
func buildFiles(mi *metainfo.MetaInfo) []File {
	if len(mi.Files) == 0 {
		return []File{{
			Index:    0,
			Path:     mi.Name,
			Length:   mi.Length,
			Offset:   0,
			Priority: storage.PriorityNormal,
		}}
	}

	files := make([]File, 0, len(mi.Files))
	var offset int64
	for i, f := range mi.Files {
		if mi.InfoHash.HasV2 && mi.PieceLength > 0 {
			offset = padToPieceBoundary(offset, mi.PieceLength)
		}
		files = append(files, File{
			Index:    i,
			Path:     filepath.Join(f.Path...),
			Length:   f.Length,
			Offset:   offset,
			Priority: storage.PriorityNormal,
		})
		offset += f.Length
	}
	return files
}

func padToPieceBoundary(offset, pieceLength int64) int64 {
	if offset%pieceLength == 0 {
		return offset
	}
	return (offset/pieceLength + 1) * pieceLength
}
