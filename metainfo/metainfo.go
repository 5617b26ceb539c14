// Package metainfo parses and encodes .torrent file metadata: the file
// layout, piece hashes, tracker tiers, and DHT bootstrap nodes that
// torrentcore needs to start a download.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	"github.com/jackpal/bencode-go"
	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// File describes one file within a (possibly multi-file) torrent.
type File struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// info is the bencoded "info" dictionary, shared by v1 and hybrid torrents.
// Exported fields only, per jackpal/bencode-go's struct-tag convention.
type info struct {
	PieceLength int64    `bencode:"piece length"`
	Pieces      string   `bencode:"pieces"`         // concatenated 20-byte SHA-1 sums (v1)
	Name        string   `bencode:"name"`
	Length      int64    `bencode:"length,omitempty"` // single-file torrents
	Files       []File   `bencode:"files,omitempty"`  // multi-file torrents
	Private     int      `bencode:"private,omitempty"`
	MetaVersion int      `bencode:"meta version,omitempty"` // 2 for v2/hybrid
}

// rawMetaInfo is the top-level bencoded dictionary of a .torrent file.
type rawMetaInfo struct {
	Info         info       `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Nodes        [][]interface{} `bencode:"nodes,omitempty"`
}

// MetaInfo is the parsed, queryable form of a .torrent file.
type MetaInfo struct {
	InfoHash    core.InfoHash
	Name        string
	PieceLength int64
	Length      int64
	Files       []File
	PieceHashes [][]byte // one SHA-1(20) or SHA-256(32) digest per piece
	Trackers    [][]string // tiers, in announce-list order (or single-tier from announce)
	Nodes       []string   // "host:port" DHT bootstrap nodes
	Private     bool

	// rawInfoDict is the exact bencoded bytes the info hash was computed
	// from, kept so a torrent that has metadata can re-serve it verbatim
	// to peers fetching it over ut_metadata.
	rawInfoDict []byte
}

// RawInfoDict returns the exact bencoded "info" dictionary bytes this
// MetaInfo's hash was computed from, for serving over ut_metadata.
func (mi *MetaInfo) RawInfoDict() ([]byte, error) {
	if len(mi.rawInfoDict) == 0 {
		return nil, fmt.Errorf("%w: raw info dictionary not available", core.ErrInvalidMetadata)
	}
	return mi.rawInfoDict, nil
}

// Parse decodes a .torrent file's bytes into a MetaInfo, computing the info
// hash from the exact bencoded bytes of the "info" dictionary as it appears
// in the file (not a re-encoding, since bencode has one canonical form but
// dict key ordering from arbitrary encoders is not guaranteed to match).
func Parse(r io.Reader) (*MetaInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read torrent file: %s", core.ErrIO, err)
	}

	var raw rawMetaInfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode bencode: %s", core.ErrParse, err)
	}

	infoBytes, err := extractInfoDict(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrParse, err)
	}

	mi, err := newMetaInfoFromInfoDict(raw.Info, infoBytes)
	if err != nil {
		return nil, err
	}

	if len(raw.AnnounceList) > 0 {
		mi.Trackers = raw.AnnounceList
	} else if raw.Announce != "" {
		mi.Trackers = [][]string{{raw.Announce}}
	}

	for _, n := range raw.Nodes {
		if len(n) != 2 {
			continue
		}
		host, ok1 := n[0].(string)
		var port int64
		switch p := n[1].(type) {
		case int64:
			port = p
		case string:
			parsed, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				continue
			}
			port = parsed
		}
		if !ok1 {
			continue
		}
		mi.Nodes = append(mi.Nodes, fmt.Sprintf("%s:%d", host, port))
	}

	return mi, nil
}

// ParseInfoDict decodes a raw bencoded "info" dictionary fetched over
// ut_metadata (BEP 9), verifying it hashes to expected before trusting it.
// Trackers and DHT nodes are left empty: a magnet link's tr= and x.pe=
// parameters (if any) are the caller's responsibility to merge in
// separately, since they aren't part of the info dictionary itself.
func ParseInfoDict(infoBytes []byte, expected core.InfoHashV1) (*MetaInfo, error) {
	var raw info
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode bencode: %s", core.ErrParse, err)
	}
	mi, err := newMetaInfoFromInfoDict(raw, infoBytes)
	if err != nil {
		return nil, err
	}
	if mi.InfoHash.V1 != expected {
		return nil, fmt.Errorf("%w: info hash mismatch after metadata fetch", core.ErrInvalidMetadata)
	}
	return mi, nil
}

func newMetaInfoFromInfoDict(raw info, infoBytes []byte) (*MetaInfo, error) {
	v1 := core.NewInfoHashV1FromBytes(infoBytes)
	ih := core.NewInfoHash(v1)
	if raw.MetaVersion == 2 {
		v2 := core.NewInfoHashV2FromBytes(infoBytes)
		ih = core.NewHybridInfoHash(v1, v2)
	}

	if raw.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length must be positive", core.ErrInvalidMetadata)
	}
	hashSize := sha1.Size
	if ih.HasV2 {
		hashSize = sha256.Size
	}
	if len(raw.Pieces)%hashSize != 0 {
		return nil, fmt.Errorf("%w: pieces field length %d not a multiple of %d", core.ErrInvalidMetadata, len(raw.Pieces), hashSize)
	}
	numPieces := len(raw.Pieces) / hashSize
	hashes := make([][]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		h := make([]byte, hashSize)
		copy(h, raw.Pieces[i*hashSize:(i+1)*hashSize])
		hashes[i] = h
	}

	files := raw.Files
	totalLength := raw.Length
	if len(files) == 0 {
		if raw.Length <= 0 {
			return nil, fmt.Errorf("%w: single-file torrent missing length", core.ErrInvalidMetadata)
		}
		files = []File{{Path: []string{raw.Name}, Length: raw.Length}}
	} else {
		totalLength = 0
		for _, f := range files {
			totalLength += f.Length
		}
	}

	return &MetaInfo{
		InfoHash:    ih,
		Name:        raw.Name,
		PieceLength: raw.PieceLength,
		Length:      totalLength,
		Files:       files,
		PieceHashes: hashes,
		Private:     raw.Private == 1,
		rawInfoDict: append([]byte(nil), infoBytes...),
	}, nil
}

// NumPieces returns the number of pieces described by the metadata.
func (mi *MetaInfo) NumPieces() int {
	return len(mi.PieceHashes)
}

// PieceLen returns the length of piece i; the final piece is usually
// shorter than PieceLength.
func (mi *MetaInfo) PieceLen(i int) int64 {
	if i < 0 || i >= len(mi.PieceHashes) {
		return 0
	}
	if i == len(mi.PieceHashes)-1 {
		return mi.Length - mi.PieceLength*int64(i)
	}
	return mi.PieceLength
}

// VerifyPiece reports whether data hashes to the expected digest for piece i.
func (mi *MetaInfo) VerifyPiece(i int, data []byte) bool {
	if i < 0 || i >= len(mi.PieceHashes) {
		return false
	}
	var sum []byte
	if mi.InfoHash.HasV2 {
		s := sha256.Sum256(data)
		sum = s[:]
	} else {
		s := sha1.Sum(data)
		sum = s[:]
	}
	return bytes.Equal(sum, mi.PieceHashes[i])
}

// extractInfoDict scans the top-level bencoded dictionary for the "info"
// key and returns the exact raw bytes of its value, preserving whatever
// byte-for-byte encoding the original file used.
func extractInfoDict(data []byte) ([]byte, error) {
	const key = "4:info"
	idx := bytes.Index(data, []byte(key))
	if idx < 0 {
		return nil, fmt.Errorf("no %q key found", key)
	}
	start := idx + len(key)
	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at byte %d", i)
			}
			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}
			if j < len(data) && data[j] == ':' {
				length, err := strconv.Atoi(string(data[i:j]))
				if err != nil {
					return nil, fmt.Errorf("invalid string length at byte %d", i)
				}
				i = j + length
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dictionary")
}
