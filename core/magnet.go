package core

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Magnet is a parsed magnet URI (BEP 9).
type Magnet struct {
	InfoHash    InfoHash
	DisplayName string
	Trackers    []string // in tr= appearance order, tiered by position
	Length      int64    // xl=, 0 if absent
	Select      string   // so=/sf= raw file selection string, empty if absent
}

// ParseMagnet parses a "magnet:?..." URI. xt may be urn:btih:<hex|base32>
// (v1) or urn:btmh:1220<hex> (v2, multihash sha2-256 code 0x12 length 0x20).
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse uri: %s", ErrParse, err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("%w: not a magnet uri: scheme %q", ErrParse, u.Scheme)
	}
	q := u.Query()

	xts := q["xt"]
	if len(xts) == 0 {
		return nil, fmt.Errorf("%w: missing xt parameter", ErrParse)
	}
	var ih InfoHash
	found := false
	for _, xt := range xts {
		parsed, ok, err := parseXT(xt)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !found {
			ih = parsed
			found = true
		} else {
			// Hybrid magnet: a second xt supplies the other hash kind.
			if parsed.HasV2 && !ih.HasV2 {
				ih.V2, ih.HasV2 = parsed.V2, true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no supported xt (urn:btih or urn:btmh) found", ErrParse)
	}

	m := &Magnet{
		InfoHash: ih,
		Trackers: q["tr"],
	}
	if dn := q.Get("dn"); dn != "" {
		m.DisplayName = dn
	}
	if xl := q.Get("xl"); xl != "" {
		n, err := strconv.ParseInt(xl, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid xl: %s", ErrParse, err)
		}
		m.Length = n
	}
	if so := q.Get("so"); so != "" {
		m.Select = so
	} else if sf := q.Get("sf"); sf != "" {
		m.Select = sf
	}
	return m, nil
}

func parseXT(xt string) (InfoHash, bool, error) {
	const btihPrefix = "urn:btih:"
	const btmhPrefix = "urn:btmh:"
	switch {
	case strings.HasPrefix(xt, btihPrefix):
		enc := xt[len(btihPrefix):]
		v1, err := decodeBTIH(enc)
		if err != nil {
			return InfoHash{}, false, fmt.Errorf("%w: invalid btih: %s", ErrParse, err)
		}
		return NewInfoHash(v1), true, nil
	case strings.HasPrefix(xt, btmhPrefix):
		enc := xt[len(btmhPrefix):]
		b, err := hex.DecodeString(enc)
		if err != nil {
			return InfoHash{}, false, fmt.Errorf("%w: invalid btmh hex: %s", ErrParse, err)
		}
		// multihash prefix 0x12 (sha2-256) 0x20 (32 bytes) + 32-byte digest.
		if len(b) != 34 || b[0] != 0x12 || b[1] != 0x20 {
			return InfoHash{}, false, fmt.Errorf("%w: unsupported multihash in btmh", ErrParse)
		}
		var v2 InfoHashV2
		copy(v2[:], b[2:])
		return InfoHash{V2: v2, HasV2: true}, true, nil
	default:
		return InfoHash{}, false, nil
	}
}

func decodeBTIH(s string) (InfoHashV1, error) {
	switch len(s) {
	case 40:
		return NewInfoHashV1FromHex(s)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return InfoHashV1{}, err
		}
		if len(b) != 20 {
			return InfoHashV1{}, fmt.Errorf("decoded base32 btih has %d bytes, want 20", len(b))
		}
		var h InfoHashV1
		copy(h[:], b)
		return h, nil
	default:
		return InfoHashV1{}, fmt.Errorf("btih has unexpected length %d", len(s))
	}
}

// Encode re-serializes m back into a magnet URI, preserving xt, the ordered
// tr list, and dn.
func (m *Magnet) Encode() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(m.InfoHash.Hex())
	if m.InfoHash.HasV2 {
		b.WriteString("&xt=urn:btmh:1220")
		b.WriteString(hex.EncodeToString(m.InfoHash.V2[:]))
	}
	if m.DisplayName != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.DisplayName))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	if m.Length > 0 {
		b.WriteString("&xl=")
		b.WriteString(strconv.FormatInt(m.Length, 10))
	}
	if m.Select != "" {
		b.WriteString("&so=")
		b.WriteString(m.Select)
	}
	return b.String()
}
