package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/dht"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/peerconn"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/torrentcore"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

// Session owns everything a torrentcore.Torrent would otherwise need one of
// each for: the shared listening port peers dial to reach any torrent, the
// shared DHT node every torrent's lookups walk, and a metadata cache so a
// torrent removed and re-added doesn't
// re-fetch what another already learned. Adding and removing torrents
// re-divides the session's configured bandwidth budget evenly across
// however many are active, the way uber-kraken's scheduler shares one
// Limiter across its whole swarm.
type Session struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	localPeerID core.PeerID

	listener   net.Listener
	dhtNode    *dht.Node
	handshaker *peerconn.Handshaker
	bandwidth  *bandwidthLimiter

	metadata *metadataCache

	mu       sync.Mutex
	closed   bool
	torrents map[core.InfoHashV1]*torrentcore.Torrent

	wg sync.WaitGroup
}

// New starts a Session: binds its listener and DHT node, then begins
// accepting incoming peer connections in the background.
func New(config Config, stats tally.Scope, clk clock.Clock, logger *zap.SugaredLogger) (*Session, error) {
	config = config.applyDefaults()
	if stats == nil {
		stats = tally.NoopScope
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	peerID, err := core.RandomPeerID()
	if err != nil {
		return nil, fmt.Errorf("generate local peer id: %s", err)
	}

	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %s", core.ErrIO, config.ListenAddr, err)
	}

	s := &Session{
		config:      config,
		stats:       stats,
		clk:         clk,
		logger:      logger,
		localPeerID: peerID,
		listener:    listener,
		metadata:    newMetadataCache(config.MetadataCacheSize),
		torrents:    make(map[core.InfoHashV1]*torrentcore.Torrent),
	}

	s.bandwidth, err = newBandwidthLimiter(config.Bandwidth)
	if err != nil {
		listener.Close()
		return nil, err
	}

	s.dhtNode, err = dht.New(config.DhtListenAddr, config.Dht, s, clk, stats, logger)
	if err != nil {
		listener.Close()
		return nil, err
	}

	s.handshaker, err = peerconn.NewHandshaker(
		config.Peer, stats, clk, peerID,
		map[string]byte{wire.ExtUTMetadata: 1, wire.ExtUTPex: 2},
		nil, logger,
	)
	if err != nil {
		listener.Close()
		s.dhtNode.Close()
		return nil, fmt.Errorf("build accept handshaker: %s", err)
	}

	if len(config.DhtSeeds) > 0 {
		go s.bootstrapDht(config.DhtSeeds)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// SelfIDChanged satisfies dht.Events; the session has no identity of its
// own to update when the node's self id rotates.
func (s *Session) SelfIDChanged(dht.NodeID) {}

func (s *Session) bootstrapDht(seeds []string) {
	var addrs []*net.UDPAddr
	for _, seed := range seeds {
		addr, err := net.ResolveUDPAddr("udp", seed)
		if err != nil {
			s.logger.Debugw("skipping unresolvable dht seed", "seed", seed, "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}
	n := s.dhtNode.Bootstrap(context.Background(), addrs)
	s.logger.Infow("dht bootstrap complete", "responded", n, "seeds", len(addrs))
}

// AddTorrent resolves uri (a magnet link, a path to a .torrent file, or a
// bare info hash) and returns the running Torrent for it, reusing an
// already-active Torrent for the same info hash rather than starting a
// second one. It satisfies loader.TorrentSession.
func (s *Session) AddTorrent(ctx context.Context, uri string) (*torrentcore.Torrent, error) {
	src, err := resolveSource(uri, s.config.Torrent.HTTPTracker, s.config.Torrent.UDPTracker)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	if existing, ok := s.torrents[src.infoHash]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	mi := src.mi
	if mi == nil {
		if cached, ok := s.metadata.Get(src.infoHash); ok {
			mi = cached
		}
	}

	dataDir := filepath.Join(s.config.DataDir, hex.EncodeToString(src.infoHash[:]))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	if existing, ok := s.torrents[src.infoHash]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	prevCount := len(s.torrents)
	s.bandwidth.Adjust(prevCount + 1)
	handshakeCfg := s.config.Peer
	handshakeCfg.Bandwidth = s.bandwidth.perTorrentConfig()

	t, err := torrentcore.New(torrentcore.Params{
		Config:       s.config.Torrent,
		DispatchCfg:  s.config.Dispatch,
		HandshakeCfg: handshakeCfg,
		AnnouncerCfg: s.config.Announcer,
		LocalPeerID:  s.localPeerID,
		InfoHash:     src.infoHash,
		MetaInfo:     mi,
		DataDir:      dataDir,
		Opener:       defaultOpener,
		ListenPort:   s.listenPort(),
		Trackers:     src.trackers,
		DhtNode:      s.dhtNode,
		DhtSeeds:     s.config.DhtSeeds,
		Stats:        s.stats,
		Clk:          s.clk,
		Logger:       s.logger,
	})
	if err != nil {
		if prevCount > 0 {
			s.bandwidth.Adjust(prevCount)
		}
		s.mu.Unlock()
		return nil, err
	}
	s.torrents[src.infoHash] = t
	s.mu.Unlock()

	go s.cacheMetadataOnceLearned(t)

	return t, nil
}

// cacheMetadataOnceLearned waits for t's first MetadataChangedEvent (a
// no-op if t already carries metadata) and stores it in the session's
// cache, so a future AddTorrent for the same info hash skips the DHT/
// ut_metadata round trip entirely.
func (s *Session) cacheMetadataOnceLearned(t *torrentcore.Torrent) {
	if mi := t.MetaInfo(); mi != nil {
		s.metadata.Put(t.InfoHash(), mi)
		return
	}
	ch := t.Subscribe()
	defer t.Unsubscribe(ch)
	for ev := range ch {
		if _, ok := ev.(torrentcore.MetadataChangedEvent); ok {
			if mi := t.MetaInfo(); mi != nil {
				s.metadata.Put(t.InfoHash(), mi)
			}
			return
		}
	}
}

// RemoveTorrent stops and forgets t, without deleting its downloaded data.
// It satisfies loader.TorrentSession.
func (s *Session) RemoveTorrent(t *torrentcore.Torrent) error {
	return s.Remove(t.InfoHash(), false)
}

// Remove stops and forgets the torrent for infoHash, optionally deleting
// its data directory too.
func (s *Session) Remove(infoHash core.InfoHashV1, deleteFiles bool) error {
	s.mu.Lock()
	t, ok := s.torrents[infoHash]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %x", core.ErrInvalidHandle, infoHash)
	}
	delete(s.torrents, infoHash)
	denom := len(s.torrents)
	if denom > 0 {
		s.bandwidth.Adjust(denom)
	}
	s.mu.Unlock()

	err := t.Close()
	if deleteFiles {
		dataDir := filepath.Join(s.config.DataDir, hex.EncodeToString(infoHash[:]))
		if rmErr := os.RemoveAll(dataDir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Torrent looks up an active torrent by info hash.
func (s *Session) Torrent(infoHash core.InfoHashV1) (*torrentcore.Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.torrents[infoHash]
	return t, ok
}

// Torrents returns a snapshot of every active torrent.
func (s *Session) Torrents() []*torrentcore.Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*torrentcore.Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// EgressLimiter returns the session's shared global egress byte-rate
// limiter, for collaborators outside the peer-wire path (e.g.
// stream.Server, via SetEgressLimiter) to throttle against. Nil when
// bandwidth limiting is disabled.
func (s *Session) EgressLimiter() *rate.Limiter { return s.bandwidth.Egress() }

// IngressLimiter returns the session's shared global ingress byte-rate
// limiter. Nil when bandwidth limiting is disabled.
func (s *Session) IngressLimiter() *rate.Limiter { return s.bandwidth.Ingress() }

func (s *Session) listenPort() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// acceptLoop accepts inbound peer connections on the session's shared
// listener and routes each one to the torrent matching its handshake's
// info hash, the way uber-kraken's scheduler listenLoop routes accepted
// connections through incomingHandshakeEvent.
func (s *Session) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleIncoming(nc)
	}
}

func (s *Session) handleIncoming(nc net.Conn) {
	pc, err := s.handshaker.Accept(nc)
	if err != nil {
		nc.Close()
		return
	}

	t, ok := s.Torrent(pc.InfoHash())
	if !ok {
		pc.Reject()
		return
	}

	if err := t.AcceptPeer(pc); err != nil {
		s.logger.Debugw("incoming handshake rejected", "error", err)
	}
}

// Close stops accepting new connections, closes every active torrent, and
// tears down the shared DHT node.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	torrents := make([]*torrentcore.Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.torrents = nil
	s.mu.Unlock()

	s.listener.Close()
	s.wg.Wait()

	var firstErr error
	for _, t := range torrents {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.dhtNode.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// defaultOpener opens a torrent's storage as an on-disk FileStore. Config
// has no field for choosing another Opener such as OpenPartsFileStore.
func defaultOpener(mi *metainfo.MetaInfo, dir string) (storage.Store, error) {
	return storage.OpenFileStore(mi, dir)
}
