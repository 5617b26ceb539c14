package session

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/yoep/popcorn-fx-torrent-engine/utils/bandwidth"
)

// bandwidthLimiter tracks the session's configured bandwidth budget and how
// many ways it's currently divided, so each new Torrent's handshake config
// can be built with its fair share rather than the whole session's budget.
// The underlying utils/bandwidth.Limiter is never reserved against directly
// here - each Torrent's own peerconn.Handshaker builds its own Limiter from
// the per-torrent Config this produces - so Adjust only ever moves the
// bookkeeping values EgressLimit/IngressLimit read back out.
//
// Alongside that per-torrent wire-level budget, bandwidthLimiter also holds
// the session's global byte-rate ceiling as a golang.org/x/time/rate pair,
// shared whole (never divided by Adjust) with collaborators outside the
// peer-wire path, e.g. stream.Server's HTTP response writer.
type bandwidthLimiter struct {
	mu     sync.Mutex
	config bandwidth.Config
	shared *bandwidth.Limiter

	globalEgress  *rate.Limiter
	globalIngress *rate.Limiter
}

func newBandwidthLimiter(config bandwidth.Config) (*bandwidthLimiter, error) {
	l, err := bandwidth.NewLimiter(config)
	if err != nil {
		return nil, err
	}
	b := &bandwidthLimiter{config: config, shared: l}
	if config.Enable {
		burst := int(config.TokenSize)
		if burst <= 0 {
			burst = 1
		}
		b.globalEgress = rate.NewLimiter(rate.Limit(config.EgressBitsPerSec/8), burst)
		b.globalIngress = rate.NewLimiter(rate.Limit(config.IngressBitsPerSec/8), burst)
	}
	return b, nil
}

// Egress returns the session's shared egress byte-rate limiter, nil when
// bandwidth limiting is disabled.
func (b *bandwidthLimiter) Egress() *rate.Limiter { return b.globalEgress }

// Ingress returns the session's shared ingress byte-rate limiter, nil when
// bandwidth limiting is disabled.
func (b *bandwidthLimiter) Ingress() *rate.Limiter { return b.globalIngress }

// Adjust divides the session's configured rates by denom (the number of
// active torrents) and remembers the result for perTorrentConfig.
func (b *bandwidthLimiter) Adjust(denom int) {
	if denom <= 0 {
		denom = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shared.Adjust(denom)
}

// perTorrentConfig returns the bandwidth.Config a single Torrent's
// Handshaker should be built with, reflecting the most recent Adjust call.
func (b *bandwidthLimiter) perTorrentConfig() bandwidth.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := b.config
	if cfg.Enable {
		cfg.EgressBitsPerSec = uint64(b.shared.EgressLimit())
		cfg.IngressBitsPerSec = uint64(b.shared.IngressLimit())
	}
	return cfg
}
