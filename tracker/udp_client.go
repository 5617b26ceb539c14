package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// udpProtocolID is the BEP 15 magic constant identifying the initial
// connect request.
const udpProtocolID uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionScrape   uint32 = 2
	udpActionError    uint32 = 3
)

// UDPClientConfig controls a UDPClient's per-attempt socket timeout and
// retry budget.
type UDPClientConfig struct {
	// InitialTimeout is the read timeout of the first attempt; each retry
	// doubles it, per BEP 15's 15*2^n backoff.
	InitialTimeout time.Duration `yaml:"initial_timeout"`
	// MaxRetries is the highest n in the 15*2^n backoff sequence (default
	// 8, giving 9 total attempts).
	MaxRetries int `yaml:"max_retries"`
}

func (c UDPClientConfig) applyDefaults() UDPClientConfig {
	if c.InitialTimeout == 0 {
		c.InitialTimeout = 15 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	return c
}

// UDPClient announces to a BEP 15 UDP tracker.
type UDPClient struct {
	config      UDPClientConfig
	announceURL string
	addr        *net.UDPAddr

	conn               *net.UDPConn
	connectionID       uint64
	connectionIDExpiry time.Time
}

// NewUDPClient dials a UDP tracker's announce URL (scheme "udp://host:port").
func NewUDPClient(announceURL string, config UDPClientConfig) (*UDPClient, error) {
	config = config.applyDefaults()
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing udp tracker url: %s", core.ErrTrackerProtocolMismatch, err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %s", core.ErrTrackerConnection, u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %s", core.ErrTrackerConnection, u.Host, err)
	}
	return &UDPClient{config: config, announceURL: announceURL, addr: addr, conn: conn}, nil
}

// URL returns the tracker's announce URL.
func (c *UDPClient) URL() string { return c.announceURL }

// Close releases the underlying UDP socket.
func (c *UDPClient) Close() error { return c.conn.Close() }

// timeouts returns the sequence of per-attempt read timeouts BEP 15
// mandates (15*2^n seconds, n = 0..MaxRetries), generated from a
// zero-jitter exponential backoff rather than a hand-rolled doubling loop.
func (c *UDPClient) timeouts() []time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.config.InitialTimeout
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.MaxInterval = c.config.InitialTimeout << uint(c.config.MaxRetries)
	eb.Reset()

	out := make([]time.Duration, c.config.MaxRetries+1)
	for i := range out {
		out[i] = eb.NextBackOff()
	}
	return out
}

func randomTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// connect performs the BEP 15 connect handshake, retrying with the
// configured backoff schedule. The resulting connection id is cached for
// one minute (the protocol's validity window) so repeated announces don't
// re-handshake every time.
func (c *UDPClient) connect() error {
	if time.Now().Before(c.connectionIDExpiry) {
		return nil
	}
	var lastErr error
	for _, timeout := range c.timeouts() {
		txID, err := randomTransactionID()
		if err != nil {
			return fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
		}

		req := make([]byte, 16)
		binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
		binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
		binary.BigEndian.PutUint32(req[12:16], txID)

		resp, err := c.roundTrip(req, timeout, 16)
		if err != nil {
			lastErr = err
			continue
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTxID := binary.BigEndian.Uint32(resp[4:8])
		if gotTxID != txID {
			lastErr = fmt.Errorf("%w: transaction id mismatch", core.ErrTrackerProtocolMismatch)
			continue
		}
		if action == udpActionError {
			lastErr = fmt.Errorf("%w: %s", core.ErrTrackerProtocolMismatch, string(resp[8:]))
			continue
		}
		if action != udpActionConnect {
			lastErr = fmt.Errorf("%w: unexpected action %d", core.ErrTrackerProtocolMismatch, action)
			continue
		}
		c.connectionID = binary.BigEndian.Uint64(resp[8:16])
		c.connectionIDExpiry = time.Now().Add(time.Minute)
		return nil
	}
	if lastErr == nil {
		lastErr = core.ErrTrackerTimeout
	}
	return fmt.Errorf("%w: connect: %s", core.ErrTrackerTimeout, lastErr)
}

// roundTrip sends req and reads a response of at least minLen bytes within
// timeout.
func (c *UDPClient) roundTrip(req []byte, timeout time.Duration, minLen int) ([]byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
	}
	if _, err := c.conn.Write(req); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
	}
	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTrackerTimeout, err)
	}
	if n < minLen {
		return nil, fmt.Errorf("%w: short response (%d bytes)", core.ErrTrackerProtocolMismatch, n)
	}
	return buf[:n], nil
}

// Announce performs a BEP 15 announce, connecting first if necessary.
func (c *UDPClient) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	if err := c.connect(); err != nil {
		return AnnounceResponse{}, err
	}

	var lastErr error
	for _, timeout := range c.timeouts() {
		txID, err := randomTransactionID()
		if err != nil {
			return AnnounceResponse{}, fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
		}

		pkt := make([]byte, 98)
		binary.BigEndian.PutUint64(pkt[0:8], c.connectionID)
		binary.BigEndian.PutUint32(pkt[8:12], udpActionAnnounce)
		binary.BigEndian.PutUint32(pkt[12:16], txID)
		copy(pkt[16:36], req.InfoHash[:])
		copy(pkt[36:56], req.PeerID[:])
		binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
		binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
		binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
		// BEP 15 numbers events 0 none, 1 completed, 2 started, 3 stopped.
		udpEvents := [...]uint32{EventNone: 0, EventCompleted: 1, EventStarted: 2, EventStopped: 3}
		binary.BigEndian.PutUint32(pkt[80:84], udpEvents[req.Event])
		binary.BigEndian.PutUint32(pkt[84:88], 0) // ip: 0 means "use sender's"
		key, err := randomTransactionID()
		if err != nil {
			return AnnounceResponse{}, fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
		}
		binary.BigEndian.PutUint32(pkt[88:92], key)
		numWant := int32(-1)
		if req.NumWant > 0 {
			numWant = int32(req.NumWant)
		}
		binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
		binary.BigEndian.PutUint16(pkt[96:98], req.Port)

		resp, err := c.roundTrip(pkt, timeout, 20)
		if err != nil {
			lastErr = err
			continue
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTxID := binary.BigEndian.Uint32(resp[4:8])
		if gotTxID != txID {
			lastErr = fmt.Errorf("%w: transaction id mismatch", core.ErrTrackerProtocolMismatch)
			continue
		}
		if action == udpActionError {
			lastErr = fmt.Errorf("%w: %s", core.ErrTrackerProtocolMismatch, string(resp[8:]))
			continue
		}
		if action != udpActionAnnounce {
			lastErr = fmt.Errorf("%w: unexpected action %d", core.ErrTrackerProtocolMismatch, action)
			continue
		}

		interval := binary.BigEndian.Uint32(resp[8:12])
		leechers := binary.BigEndian.Uint32(resp[12:16])
		seeders := binary.BigEndian.Uint32(resp[16:20])
		peers, err := decodeCompactPeers4(resp[20:])
		if err != nil {
			return AnnounceResponse{}, err
		}
		return AnnounceResponse{
			Interval: clampInterval(time.Duration(interval) * time.Second),
			Leechers: int(leechers),
			Seeders:  int(seeders),
			Peers:    peers,
		}, nil
	}
	if lastErr == nil {
		lastErr = core.ErrTrackerTimeout
	}
	return AnnounceResponse{}, fmt.Errorf("%w: announce: %s", core.ErrTrackerTimeout, lastErr)
}

// Scrape requests aggregate swarm counters for up to 74 torrents per BEP
// 15's single-packet limit.
func (c *UDPClient) Scrape(infoHashes []core.InfoHashV1) ([]ScrapeResult, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}
	if len(infoHashes) > 74 {
		infoHashes = infoHashes[:74]
	}

	var lastErr error
	for _, timeout := range c.timeouts() {
		txID, err := randomTransactionID()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", core.ErrTrackerConnection, err)
		}

		pkt := make([]byte, 16+20*len(infoHashes))
		binary.BigEndian.PutUint64(pkt[0:8], c.connectionID)
		binary.BigEndian.PutUint32(pkt[8:12], udpActionScrape)
		binary.BigEndian.PutUint32(pkt[12:16], txID)
		for i, h := range infoHashes {
			copy(pkt[16+i*20:16+(i+1)*20], h[:])
		}

		resp, err := c.roundTrip(pkt, timeout, 8)
		if err != nil {
			lastErr = err
			continue
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTxID := binary.BigEndian.Uint32(resp[4:8])
		if gotTxID != txID {
			lastErr = fmt.Errorf("%w: transaction id mismatch", core.ErrTrackerProtocolMismatch)
			continue
		}
		if action == udpActionError {
			lastErr = fmt.Errorf("%w: %s", core.ErrTrackerProtocolMismatch, string(resp[8:]))
			continue
		}
		body := resp[8:]
		results := make([]ScrapeResult, 0, len(infoHashes))
		for i, h := range infoHashes {
			off := i * 12
			if off+12 > len(body) {
				break
			}
			results = append(results, ScrapeResult{
				InfoHash:  h,
				Seeders:   int(binary.BigEndian.Uint32(body[off : off+4])),
				Completed: int(binary.BigEndian.Uint32(body[off+4 : off+8])),
				Leechers:  int(binary.BigEndian.Uint32(body[off+8 : off+12])),
			})
		}
		return results, nil
	}
	if lastErr == nil {
		lastErr = core.ErrTrackerTimeout
	}
	return nil, fmt.Errorf("%w: scrape: %s", core.ErrTrackerTimeout, lastErr)
}
