// Package session multiplexes many torrents behind one listening TCP port,
// one shared DHT node, and one metadata cache, generalizing uber-kraken's
// lib/torrent/client.go + lib/torrent/scheduler.go split (a Client wrapping
// a single scheduler that owns the listener) into a thinner owner sitting
// directly on top of torrentcore.Torrent.
package session

import (
	"github.com/yoep/popcorn-fx-torrent-engine/dht"
	"github.com/yoep/popcorn-fx-torrent-engine/dispatch"
	"github.com/yoep/popcorn-fx-torrent-engine/peerconn"
	"github.com/yoep/popcorn-fx-torrent-engine/torrentcore"
	"github.com/yoep/popcorn-fx-torrent-engine/tracker"
	"github.com/yoep/popcorn-fx-torrent-engine/utils/bandwidth"
)

// minMetadataCacheSize and maxMetadataCacheSize bound Config's configurable
// metadata cache capacity.
const (
	minMetadataCacheSize     = 10
	maxMetadataCacheSize     = 100
	defaultMetadataCacheSize = 50

	// defaultTokenSize is the bandwidth token bucket granularity used when
	// Bandwidth.Enable is set without an explicit TokenSize: 1 megabit.
	defaultTokenSize = 1000000
)

// Config bounds a Session's listening address, storage location, shared
// rate limits, and the per-torrent configuration every added Torrent
// inherits.
type Config struct {
	// ListenAddr is the shared TCP address peers dial to reach every torrent
	// in this session (":6881" for all interfaces on the BitTorrent default).
	ListenAddr string `yaml:"listen_addr"`

	// DhtListenAddr is the shared DHT node's UDP address.
	DhtListenAddr string `yaml:"dht_listen_addr"`

	// DhtSeeds are bootstrap node addresses ("host:port") pinged once at
	// session startup.
	DhtSeeds []string `yaml:"dht_seeds"`

	// DataDir is the base directory under which every torrent's files are
	// created, in a subdirectory named by its info hash.
	DataDir string `yaml:"data_dir"`

	// MetadataCacheSize bounds the info-hash-keyed metadata LRU, clamped to
	// [10, 100] with a default of 50.
	MetadataCacheSize int `yaml:"metadata_cache_size"`

	// Bandwidth is the session-wide egress/ingress rate budget, divided
	// evenly across active torrents as they're added and removed.
	Bandwidth bandwidth.Config `yaml:"bandwidth"`

	Torrent  torrentcore.Config `yaml:"torrent"`
	Dispatch dispatch.Config    `yaml:"dispatch"`

	// Peer also governs the session's own shared accept-side Handshaker
	// (built from this same Config). Its HandshakeTimeout bounds both the
	// accept step and every Torrent's own handshaker; its Bandwidth applies
	// only to the accept-side Handshaker, since each Torrent's handshaker is
	// given its share of the session-wide Bandwidth instead.
	Peer      peerconn.Config         `yaml:"peer"`
	Announcer tracker.AnnouncerConfig `yaml:"announcer"`
	Dht       dht.Config              `yaml:"dht"`
}

func (c Config) applyDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":6881"
	}
	if c.DhtListenAddr == "" {
		c.DhtListenAddr = ":6881"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	switch {
	case c.MetadataCacheSize == 0:
		c.MetadataCacheSize = defaultMetadataCacheSize
	case c.MetadataCacheSize < minMetadataCacheSize:
		c.MetadataCacheSize = minMetadataCacheSize
	case c.MetadataCacheSize > maxMetadataCacheSize:
		c.MetadataCacheSize = maxMetadataCacheSize
	}
	if c.Bandwidth.Enable && c.Bandwidth.TokenSize == 0 {
		c.Bandwidth.TokenSize = defaultTokenSize
	}
	return c
}
