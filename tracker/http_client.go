package tracker

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// HTTPClientConfig controls an HTTPClient's request timeout.
type HTTPClientConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

func (c HTTPClientConfig) applyDefaults() HTTPClientConfig {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// HTTPClient announces to a BEP 3/23 HTTP(S) tracker.
type HTTPClient struct {
	config     HTTPClientConfig
	announce   string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTPClient for the given announce URL.
func NewHTTPClient(announceURL string, config HTTPClientConfig) *HTTPClient {
	config = config.applyDefaults()
	return &HTTPClient{
		config:     config,
		announce:   announceURL,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// URL returns the tracker's announce URL.
func (c *HTTPClient) URL() string { return c.announce }

// Close is a no-op for HTTPClient: it holds no long-lived resources beyond
// the pooled *http.Client transport.
func (c *HTTPClient) Close() error { return nil }

type httpAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	Complete      int         `bencode:"complete"`
	Incomplete    int         `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

type httpPeerDict struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// Announce performs a single GET announce request per BEP 3/23.
func (c *HTTPClient) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	v := url.Values{}
	v.Set("info_hash", string(req.InfoHash[:]))
	v.Set("peer_id", string(req.PeerID[:]))
	v.Set("port", strconv.Itoa(int(req.Port)))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "1")
	if req.NumWant > 0 {
		v.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if s := req.Event.String(); s != "" {
		v.Set("event", s)
	}

	reqURL := c.announce
	if strings.Contains(reqURL, "?") {
		reqURL += "&" + v.Encode()
	} else {
		reqURL += "?" + v.Encode()
	}

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: reading response: %s", core.ErrTrackerConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("%w: tracker returned status %d", core.ErrTrackerConnection, resp.StatusCode)
	}

	var raw httpAnnounceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &raw); err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: decoding announce response: %s", core.ErrTrackerProtocolMismatch, err)
	}
	if raw.FailureReason != "" {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", core.ErrTrackerProtocolMismatch, raw.FailureReason)
	}

	peers, err := decodeHTTPPeers(raw.Peers)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", core.ErrTrackerProtocolMismatch, err)
	}

	return AnnounceResponse{
		Interval: clampInterval(time.Duration(raw.Interval) * time.Second),
		Leechers: raw.Incomplete,
		Seeders:  raw.Complete,
		Peers:    peers,
	}, nil
}

// decodeHTTPPeers handles both legal shapes of the "peers" key: a compact
// byte string (BEP 23) or a list of peer dictionaries (original BEP 3).
func decodeHTTPPeers(raw interface{}) ([]Peer, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers4([]byte(v))
	case []byte:
		return decodeCompactPeers4(v)
	case []interface{}:
		peers := make([]Peer, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peer list entry is not a dictionary")
			}
			var p Peer
			if ip, ok := m["ip"].(string); ok {
				p.IP = parseIP(ip)
			}
			if port, ok := m["port"].(int64); ok {
				p.Port = uint16(port)
			}
			if id, ok := m["peer id"].(string); ok && len(id) == 20 {
				copy(p.ID[:], id)
			}
			peers = append(peers, p)
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unsupported peers encoding %T", raw)
	}
}

// Scrape requests aggregate swarm counters via the tracker's companion
// /scrape endpoint, derived from the announce URL per the BEP 3 convention
// of replacing the last "/announce" path segment with "/scrape".
func (c *HTTPClient) Scrape(infoHashes []core.InfoHashV1) ([]ScrapeResult, error) {
	scrapeURL, err := scrapeURLFromAnnounce(c.announce)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTrackerProtocolMismatch, err)
	}

	v := url.Values{}
	for _, h := range infoHashes {
		v.Add("info_hash", string(h[:]))
	}
	full := scrapeURL + "?" + v.Encode()

	resp, err := c.httpClient.Get(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %s", core.ErrTrackerConnection, err)
	}

	var raw struct {
		Files map[string]struct {
			Complete   int `bencode:"complete"`
			Downloaded int `bencode:"downloaded"`
			Incomplete int `bencode:"incomplete"`
		} `bencode:"files"`
	}
	if err := bencode.Unmarshal(bytes.NewReader(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding scrape response: %s", core.ErrTrackerProtocolMismatch, err)
	}

	results := make([]ScrapeResult, 0, len(infoHashes))
	for _, h := range infoHashes {
		f := raw.Files[string(h[:])]
		results = append(results, ScrapeResult{
			InfoHash:  h,
			Seeders:   f.Complete,
			Completed: f.Downloaded,
			Leechers:  f.Incomplete,
		})
	}
	return results, nil
}

func scrapeURLFromAnnounce(announceURL string) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", fmt.Errorf("parse announce url: %s", err)
	}
	const suffix = "/announce"
	if !strings.HasSuffix(u.Path, suffix) {
		return "", fmt.Errorf("announce url %q does not support scrape", announceURL)
	}
	u.Path = strings.TrimSuffix(u.Path, suffix) + "/scrape"
	return u.String(), nil
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
