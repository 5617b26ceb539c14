// Package torrentcore owns a single torrent's full lifecycle: metadata
// retrieval, tracker/DHT peer discovery, piece/file layout, on-disk
// validation, and the peer pool backing its dispatch.Dispatcher. It
// generalizes Kraken's lib/torrent/scheduler package (one Scheduler driving
// every active torrent) into a per-torrent driver that runs its own
// operation chain on a tick, the way the reference client's per-torrent
// operation pipeline does.
package torrentcore

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/dht"
	"github.com/yoep/popcorn-fx-torrent-engine/dispatch"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/peerconn"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/tracker"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

// Params bundles a Torrent's fixed construction-time dependencies.
type Params struct {
	Config      Config
	DispatchCfg dispatch.Config
	HandshakeCfg peerconn.Config
	AnnouncerCfg tracker.AnnouncerConfig

	LocalPeerID core.PeerID
	InfoHash    core.InfoHashV1
	// MetaInfo is non-nil when the torrent was added from a .torrent file;
	// nil when added from a magnet link, triggering metadata retrieval.
	MetaInfo   *metainfo.MetaInfo
	DataDir    string
	Opener     storage.Opener
	ListenPort int

	// Trackers is the tiered tracker list (empty if the torrent has no
	// metadata yet; rebuilt once retrieved).
	Trackers [][]tracker.Tracker
	DhtNode  *dht.Node
	DhtSeeds []string

	Stats  tally.Scope
	Clk    clock.Clock
	Logger *zap.SugaredLogger
}

// Torrent drives one torrent's operation chain on a tick, owning its
// metadata, piece/file layout, storage, tracker/DHT discovery, and peer
// connections.
type Torrent struct {
	config   Config
	dispatchCfg dispatch.Config
	handshakeCfg peerconn.Config
	announcerCfg tracker.AnnouncerConfig

	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	localPeerID core.PeerID
	infoHash    core.InfoHashV1
	dataDir     string
	opener      storage.Opener
	listenPort  int
	dhtSeeds    []string

	handshaker *peerconn.Handshaker

	mu                sync.RWMutex
	mi                *metainfo.MetaInfo
	numPieces         int
	store             storage.Store
	files             []File
	validating        bool
	validated         bool
	paused            bool
	state             State
	discovered        []string
	tiers             *tracker.TierSet
	announcer         *tracker.Announcer
	trackersInitialized bool
	dhtNode           *dht.Node
	dhtBootstrapped   bool
	dhtBootstrapping  bool
	lastDhtLookup     time.Time
	requestingMetadata bool
	metadataFetch     *metadataFetch
	dispatcher        *dispatch.Dispatcher
	metadataConns     map[core.PeerID]*peerconn.Conn
	lastRequestRun    time.Time
	lastMissing       map[int]bool

	events *eventBus

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Torrent and starts its tick loop.
func New(p Params) (*Torrent, error) {
	cfg := p.Config.applyDefaults()

	handshaker, err := peerconn.NewHandshaker(
		p.HandshakeCfg, p.Stats, p.Clk, p.LocalPeerID,
		map[string]byte{wire.ExtUTMetadata: 1, wire.ExtUTPex: 2},
		nil, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("new handshaker: %s", err)
	}

	t := &Torrent{
		config:       cfg,
		dispatchCfg:  p.DispatchCfg,
		handshakeCfg: p.HandshakeCfg,
		announcerCfg: p.AnnouncerCfg,
		stats:        p.Stats,
		clk:          p.Clk,
		logger:       p.Logger,
		localPeerID:  p.LocalPeerID,
		infoHash:     p.InfoHash,
		dataDir:      p.DataDir,
		opener:       p.Opener,
		listenPort:   p.ListenPort,
		dhtNode:      p.DhtNode,
		dhtSeeds:     p.DhtSeeds,
		mi:           p.MetaInfo,
		handshaker:   handshaker,
		metadataConns: make(map[core.PeerID]*peerconn.Conn),
		events:       newEventBus(),
		stop:         make(chan struct{}),
	}
	if len(p.Trackers) > 0 {
		t.trackersInitialized = true
		t.buildTiersFromLocked(p.Trackers)
	}

	go t.tickLoop()
	return t, nil
}

// InfoHash returns the torrent's v1 info hash.
func (t *Torrent) InfoHash() core.InfoHashV1 { return t.infoHash }

// State returns the torrent's current lifecycle state.
func (t *Torrent) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Subscribe returns a channel of every event this torrent emits from now
// on. The caller must call Unsubscribe (or drain until Close) to release
// it.
func (t *Torrent) Subscribe() <-chan Event { return t.events.subscribe() }

// Unsubscribe releases a channel obtained from Subscribe.
func (t *Torrent) Unsubscribe(ch <-chan Event) { t.events.unsubscribe(ch) }

// SetPaused suspends or resumes piece requesting.
func (t *Torrent) SetPaused(paused bool) {
	t.mu.Lock()
	changed := t.paused != paused
	t.paused = paused
	if changed {
		t.setStateLocked(map[bool]State{true: StatePaused, false: StateDownloading}[paused])
	}
	t.mu.Unlock()
	if changed {
		t.events.emit(OptionsChangedEvent{})
	}
}

// SetPriority changes piece i's scheduling priority, if the store is open.
func (t *Torrent) SetPriority(i int, p storage.Priority) {
	t.mu.Lock()
	store := t.store
	t.mu.Unlock()
	if store == nil {
		return
	}
	store.SetPriority(i, p)
	t.events.emit(PiecePrioritiesChangedEvent{})
}

// Stats returns a point-in-time snapshot of progress and swarm size.
func (t *Torrent) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var s Stats
	s.NumPieces = t.numPieces
	if t.store != nil {
		s.Downloaded = t.store.BytesDownloaded()
		s.Left = t.store.Length() - s.Downloaded
		s.MissingCount = len(t.store.MissingPieces())
	}
	if t.dispatcher != nil {
		s.NumPeers = t.dispatcher.NumPeers()
		s.Seeds, s.Leechers = t.dispatcher.SeedsAndLeechers()
	}
	s.Health = HealthFrom(s.Seeds, s.Leechers)
	return s
}

// AddPeerAddr queues addr for a future connection attempt from the
// operation chain.
func (t *Torrent) AddPeerAddr(addr string) {
	t.mu.Lock()
	t.discovered = append(t.discovered, addr)
	t.mu.Unlock()
}

// Close tears down the torrent's tick loop, peer connections, and storage.
func (t *Torrent) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })

	t.mu.Lock()
	dispatcher := t.dispatcher
	tiers := t.tiers
	conns := make([]*peerconn.Conn, 0, len(t.metadataConns))
	for _, c := range t.metadataConns {
		conns = append(conns, c)
	}
	store := t.store
	t.mu.Unlock()

	if dispatcher != nil {
		dispatcher.TearDown()
	}
	for _, c := range conns {
		c.Close()
	}
	if tiers != nil {
		tiers.Close()
	}
	t.events.closeAll()
	if store != nil {
		return store.Close()
	}
	return nil
}

func (t *Torrent) tickLoop() {
	ticker := t.clk.Ticker(t.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.tick()
		case <-t.stop:
			return
		}
	}
}

func (t *Torrent) tick() {
	for _, op := range operationChain {
		if op(t) == opStop {
			return
		}
	}
}

// DispatcherComplete implements dispatch.Events.
func (t *Torrent) DispatcherComplete(*dispatch.Dispatcher) {
	t.mu.Lock()
	t.setStateLocked(StateSeeding)
	t.mu.Unlock()
}

// PeerRemoved implements dispatch.Events.
func (t *Torrent) PeerRemoved(peerID core.PeerID, _ core.InfoHash) {
	t.events.emit(PeerDisconnectedEvent{PeerID: peerID})
}

// ExtendedMessage implements dispatch.Events: BEP 10 traffic the
// Dispatcher's own piece-protocol handling has no use for.
func (t *Torrent) ExtendedMessage(peerID core.PeerID, msg wire.Message) {
	t.handleExtendedMessage(peerID, msg)
}

func (t *Torrent) dialPeer(addr string) {
	t.mu.RLock()
	infoHash := t.infoHash
	numPieces := t.numPieces
	t.mu.RUnlock()

	conn, err := t.handshaker.Dial(addr, infoHash, numPieces, t.outgoingBitfield())
	if err != nil {
		return
	}
	t.registerConn(conn)
}

// AcceptPeer completes an inbound handshake accepted by a session's shared
// listener: pc was produced by some Handshaker's Accept (not necessarily
// t.handshaker, since Accept only reads the wire handshake and needs no
// per-torrent state), and is routed here once the caller has matched its
// info hash to this torrent. The resulting Conn is registered the same way
// an outgoing Dial's is.
func (t *Torrent) AcceptPeer(pc *peerconn.PendingConn) error {
	t.mu.RLock()
	numPieces := t.numPieces
	t.mu.RUnlock()

	conn, err := t.handshaker.Establish(pc, numPieces, t.outgoingBitfield())
	if err != nil {
		return err
	}
	t.registerConn(conn)
	return nil
}

// outgoingBitfield reports what this torrent has to a newly connected peer:
// our real bitfield once storage is open, all-zero before then.
func (t *Torrent) outgoingBitfield() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.store != nil {
		return peerconn.BitSetToBitfieldBytes(t.store.Bitfield())
	}
	return peerconn.BitSetToBitfieldBytes(bitset.New(uint(t.numPieces)))
}

// registerConn hands a freshly established Conn to the dispatcher once
// storage is open, or to metadata-only handling while metadata is still
// unknown; a Conn arriving after metadata but before storage opens is
// closed.
func (t *Torrent) registerConn(conn *peerconn.Conn) {
	t.mu.RLock()
	dispatcher := t.dispatcher
	haveMeta := t.mi != nil
	t.mu.RUnlock()

	if dispatcher != nil {
		if err := dispatcher.AddPeer(conn); err != nil {
			conn.Close()
			return
		}
		t.events.emit(PeerConnectedEvent{PeerID: conn.PeerID()})
		return
	}

	if haveMeta {
		// Metadata is known but storage isn't open yet; drop rather than
		// race opCreateFiles for who owns this Conn's receiver.
		conn.Close()
		return
	}

	t.mu.Lock()
	t.metadataConns[conn.PeerID()] = conn
	t.mu.Unlock()
	t.events.emit(PeerConnectedEvent{PeerID: conn.PeerID()})
	go t.feedMetadataConn(conn)
}

// feedMetadataConn drains a metadata-only Conn's message stream, handing
// extended messages to the same path dispatch.Dispatcher uses post-
// metadata. Piece-protocol messages are impossible here since we never
// declare interest without a storage.Store to write into.
func (t *Torrent) feedMetadataConn(c *peerconn.Conn) {
	for msg := range c.Receiver() {
		if msg.ID == wire.MsgExtended {
			t.handleExtendedMessage(c.PeerID(), msg)
		}
	}
	t.mu.Lock()
	delete(t.metadataConns, c.PeerID())
	t.mu.Unlock()
	t.events.emit(PeerDisconnectedEvent{PeerID: c.PeerID()})
}

func (t *Torrent) buildTiersLocked() {
	t.buildTiersFromLocked(nil)
}

func (t *Torrent) buildTiersFromLocked(groups [][]tracker.Tracker) {
	if groups == nil && t.mi != nil {
		groups = t.trackersFromMetaInfoLocked(t.mi)
	}
	if len(groups) == 0 {
		return
	}
	tiers := make([]*tracker.Tier, 0, len(groups))
	for _, g := range groups {
		if len(g) > 0 {
			tiers = append(tiers, tracker.NewTier(g))
		}
	}
	if len(tiers) == 0 {
		return
	}
	t.tiers = tracker.NewTierSet(tiers, t.logger)
	t.announcer = tracker.NewAnnouncer(t.announcerCfg, t.tiers, announceTicker{t}, t.clk, t.logger)
	go t.announcer.Ticker(t.stop)
}

// trackersFromMetaInfoLocked builds tier groups from freshly-retrieved
// metadata's announce list, for the magnet-link case where Params.Trackers
// couldn't be supplied up front. A tracker whose announce URL scheme isn't
// recognized is dropped rather than failing the whole tier.
func (t *Torrent) trackersFromMetaInfoLocked(mi *metainfo.MetaInfo) [][]tracker.Tracker {
	groups := make([][]tracker.Tracker, 0, len(mi.Trackers))
	for _, tier := range mi.Trackers {
		var clients []tracker.Tracker
		for _, announceURL := range tier {
			c, err := t.newTrackerClient(announceURL)
			if err != nil {
				continue
			}
			clients = append(clients, c)
		}
		if len(clients) > 0 {
			groups = append(groups, clients)
		}
	}
	return groups
}

// newTrackerClient builds the Tracker implementation matching announceURL's
// scheme.
func (t *Torrent) newTrackerClient(announceURL string) (tracker.Tracker, error) {
	return tracker.NewClient(announceURL, t.config.HTTPTracker, t.config.UDPTracker)
}

// dhtSeedsLocked resolves the torrent's configured bootstrap node
// addresses, skipping any that fail to resolve.
func (t *Torrent) dhtSeedsLocked() []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, 0, len(t.dhtSeeds))
	for _, s := range t.dhtSeeds {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

type announceTicker struct{ t *Torrent }

func (a announceTicker) AnnounceTick() {
	a.t.announceAll(tracker.EventNone)
}
