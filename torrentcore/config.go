package torrentcore

import (
	"time"

	"github.com/yoep/popcorn-fx-torrent-engine/tracker"
)

// Config bounds the torrent core's operation chain: how often it ticks,
// how many peers it tries to keep connected, and the timeouts of the
// metadata and DHT lookups it drives.
type Config struct {
	// TickInterval is how often the operation chain is re-run.
	TickInterval time.Duration `yaml:"tick_interval"`

	// TargetPeerCount bounds how many peer connections ConnectPeers tries
	// to keep open at once.
	TargetPeerCount int `yaml:"target_peer_count"`

	// MetadataRequestTimeout bounds a single ut_metadata piece request.
	MetadataRequestTimeout time.Duration `yaml:"metadata_request_timeout"`

	// DhtLookupInterval is the minimum time between two DHT get_peers
	// lookups for the torrent's info hash.
	DhtLookupInterval time.Duration `yaml:"dht_lookup_interval"`

	// DhtLookupAlpha bounds the concurrency of a single DHT lookup walk.
	DhtLookupAlpha int `yaml:"dht_lookup_alpha"`

	// PeerDialTimeout bounds a single outgoing handshake attempt.
	PeerDialTimeout time.Duration `yaml:"peer_dial_timeout"`

	// HTTPTracker and UDPTracker configure the clients built for a magnet
	// torrent's own announce-list once its metadata arrives (Params.Trackers
	// only covers the .torrent-file case, where the caller already knows the
	// tiers up front).
	HTTPTracker tracker.HTTPClientConfig `yaml:"http_tracker"`
	UDPTracker  tracker.UDPClientConfig  `yaml:"udp_tracker"`
}

// metadataPieceSize is BEP 9's fixed ut_metadata block size.
const metadataPieceSize = 16 * 1024

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.TargetPeerCount == 0 {
		c.TargetPeerCount = 50
	}
	if c.MetadataRequestTimeout == 0 {
		c.MetadataRequestTimeout = 10 * time.Second
	}
	if c.DhtLookupInterval == 0 {
		c.DhtLookupInterval = 90 * time.Second
	}
	if c.DhtLookupAlpha == 0 {
		c.DhtLookupAlpha = 3
	}
	if c.PeerDialTimeout == 0 {
		c.PeerDialTimeout = 10 * time.Second
	}
	return c
}
