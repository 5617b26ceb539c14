package session

import (
	"fmt"
	"os"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/tracker"
)

// source is what AddTorrent resolved uri into: an info hash to key the
// session's torrent map and metadata cache on, metadata if uri supplied or
// already cached any, and tier groups of Tracker clients built from
// whatever announce URLs were available.
type source struct {
	infoHash core.InfoHashV1
	mi       *metainfo.MetaInfo
	trackers [][]tracker.Tracker
}

// resolveSource classifies uri as a magnet link, a path to a .torrent file,
// or a bare 40-character hex info hash, in that order, and extracts
// whatever metadata and trackers it carries. httpCfg/udpCfg configure any
// Tracker clients built from the URIs found.
func resolveSource(uri string, httpCfg tracker.HTTPClientConfig, udpCfg tracker.UDPClientConfig) (source, error) {
	if magnet, ok, err := tryParseMagnet(uri); ok {
		if err != nil {
			return source{}, err
		}
		return source{
			infoHash: magnet.InfoHash.V1,
			trackers: buildTierGroups(tieredFromFlatList(magnet.Trackers), httpCfg, udpCfg),
		}, nil
	}

	if mi, ok, err := tryParseTorrentFile(uri); ok {
		if err != nil {
			return source{}, err
		}
		return source{
			infoHash: mi.InfoHash.V1,
			mi:       mi,
			trackers: buildTierGroups(mi.Trackers, httpCfg, udpCfg),
		}, nil
	}

	if ih, err := core.NewInfoHashV1FromHex(uri); err == nil {
		return source{infoHash: ih}, nil
	}

	return source{}, fmt.Errorf("%w: %s", errUnrecognizedSource, uri)
}

func tryParseMagnet(uri string) (*core.Magnet, bool, error) {
	if len(uri) < len("magnet:") || uri[:len("magnet:")] != "magnet:" {
		return nil, false, nil
	}
	m, err := core.ParseMagnet(uri)
	if err != nil {
		return nil, true, err
	}
	return m, true, nil
}

func tryParseTorrentFile(path string) (*metainfo.MetaInfo, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, nil
	}
	defer f.Close()

	mi, err := metainfo.Parse(f)
	if err != nil {
		return nil, true, fmt.Errorf("%w: parsing %s: %s", core.ErrParse, path, err)
	}
	return mi, true, nil
}

// tieredFromFlatList treats a magnet URI's tr= list as one single-tracker
// tier per entry, in appearance order: magnet links carry no explicit
// tiering, so every tracker is tried with equal priority, in order.
func tieredFromFlatList(urls []string) [][]string {
	groups := make([][]string, 0, len(urls))
	for _, u := range urls {
		groups = append(groups, []string{u})
	}
	return groups
}

// buildTierGroups constructs Tracker clients for every announce URL in
// groups, skipping (not failing on) a URL with an unrecognized scheme or
// that otherwise fails to construct, and dropping any tier left empty.
func buildTierGroups(groups [][]string, httpCfg tracker.HTTPClientConfig, udpCfg tracker.UDPClientConfig) [][]tracker.Tracker {
	out := make([][]tracker.Tracker, 0, len(groups))
	for _, tier := range groups {
		var clients []tracker.Tracker
		for _, announceURL := range tier {
			c, err := tracker.NewClient(announceURL, httpCfg, udpCfg)
			if err != nil {
				continue
			}
			clients = append(clients, c)
		}
		if len(clients) > 0 {
			out = append(out, clients)
		}
	}
	return out
}
