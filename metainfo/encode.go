package metainfo

import (
	"bytes"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
)

// Builder assembles a .torrent file's bytes from a piece length, a file
// table, and pre-computed piece hashes. It exists primarily to support
// tests that need realistic .torrent bytes without a full torrent-creation
// pipeline (segmenting files into pieces and hashing them is the caller's
// responsibility).
type Builder struct {
	Name        string
	PieceLength int64
	Files       []File
	PieceHashes [][]byte
	Trackers    [][]string
	Private     bool
}

// Encode writes the bencoded .torrent file to w.
func (b *Builder) Encode(w io.Writer) error {
	if len(b.PieceHashes) == 0 {
		return fmt.Errorf("builder: no piece hashes supplied")
	}
	var pieces bytes.Buffer
	for _, h := range b.PieceHashes {
		pieces.Write(h)
	}

	inf := info{
		PieceLength: b.PieceLength,
		Pieces:      pieces.String(),
		Name:        b.Name,
	}
	if len(b.PieceHashes[0]) == 32 {
		inf.MetaVersion = 2
	}
	if b.Private {
		inf.Private = 1
	}
	if len(b.Files) == 1 && len(b.Files[0].Path) == 1 && b.Files[0].Path[0] == b.Name {
		inf.Length = b.Files[0].Length
	} else {
		inf.Files = b.Files
	}

	raw := rawMetaInfo{Info: inf}
	if len(b.Trackers) > 0 {
		raw.AnnounceList = b.Trackers
		raw.Announce = b.Trackers[0][0]
	}

	return bencode.Marshal(w, raw)
}
