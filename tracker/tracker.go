// Package tracker implements the HTTP and UDP tracker client protocols
// (BEP 3/23 compact announce, BEP 15 UDP) behind a single Tracker
// interface, plus a tiered-promotion policy for multi-tracker torrents.
package tracker

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// Event identifies why an announce is being sent.
type Event int

const (
	// EventNone is a periodic, non-lifecycle announce.
	EventNone Event = iota
	// EventStarted is sent the first time a torrent announces to a tracker.
	EventStarted
	// EventCompleted is sent once, when the torrent reaches 100%.
	EventCompleted
	// EventStopped is sent when the torrent is removed or the client shuts
	// down.
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Peer is a single peer returned by an announce.
type Peer struct {
	ID   core.PeerID
	IP   net.IP
	Port uint16
}

// AnnounceRequest carries the standard announce parameters common to both
// the HTTP and UDP wire formats.
type AnnounceRequest struct {
	InfoHash   core.InfoHashV1
	PeerID     core.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// AnnounceResponse is the tracker's reply to an announce.
type AnnounceResponse struct {
	Interval time.Duration
	Leechers int
	Seeders  int
	Peers    []Peer
}

// ScrapeResult is the aggregate swarm state for one torrent, per scrape.
type ScrapeResult struct {
	InfoHash  core.InfoHashV1
	Seeders   int
	Completed int
	Leechers  int
}

// Tracker is implemented by HTTPClient and UDPClient.
type Tracker interface {
	// Announce reports our state and requests a peer list.
	Announce(req AnnounceRequest) (AnnounceResponse, error)
	// Scrape requests aggregate swarm counters for one or more torrents.
	Scrape(infoHashes []core.InfoHashV1) ([]ScrapeResult, error)
	// URL returns the tracker's announce URL, used for logging and for the
	// tier's first-responder promotion.
	URL() string
	// Close releases any resources the client holds open (UDP socket).
	Close() error
}

// NewClient builds the Tracker implementation matching announceURL's
// scheme: HTTPClient for http(s), UDPClient for udp. Any other scheme (or
// an unparseable URL) is rejected rather than silently dropped, leaving the
// caller to decide whether one bad tier member should sink its whole tier.
func NewClient(announceURL string, httpCfg HTTPClientConfig, udpCfg UDPClientConfig) (Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse tracker url: %s", core.ErrTrackerProtocolMismatch, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPClient(announceURL, httpCfg), nil
	case "udp":
		return NewUDPClient(announceURL, udpCfg)
	default:
		return nil, fmt.Errorf("%w: unsupported tracker scheme %q", core.ErrTrackerProtocolMismatch, u.Scheme)
	}
}

// minAnnounceInterval and maxAnnounceInterval bound the interval a tracker
// may request for periodic announces.
const (
	minAnnounceInterval = 60 * time.Second
	maxAnnounceInterval = time.Hour
)

// clampInterval enforces the [60s, 1h] bound on a tracker-provided
// announce interval.
func clampInterval(d time.Duration) time.Duration {
	if d < minAnnounceInterval {
		return minAnnounceInterval
	}
	if d > maxAnnounceInterval {
		return maxAnnounceInterval
	}
	return d
}
