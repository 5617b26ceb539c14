package torrentcore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/dispatch"
	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/tracker"
)

// opResult tells the tick loop whether to run the next operation in the
// chain this tick (continue) or stop, deferring the rest to the next tick.
type opResult bool

const (
	opContinue opResult = true
	opStop     opResult = false
)

// operation is one step of a torrent's per-tick chain of responsibility.
// Each operation is independently idempotent: running it again before its
// precondition changes is a no-op.
type operation func(t *Torrent) opResult

// operationChain is run in order, once per tick, stopping at the first
// operation that isn't ready to hand off to the next.
var operationChain = []operation{
	(*Torrent).opRetrieveMetadata,
	(*Torrent).opConnectTrackers,
	(*Torrent).opConnectDhtNodes,
	(*Torrent).opCreatePieces,
	(*Torrent).opCreateFiles,
	(*Torrent).opValidateFiles,
	(*Torrent).opConnectPeers,
	(*Torrent).opRetrieveDhtPeers,
	(*Torrent).opCreatePendingRequests,
	(*Torrent).opRetrievePendingRequests,
}

// opRetrieveMetadata fetches the torrent's info dictionary over ut_metadata
// when it wasn't supplied up front (a magnet link). Stops the chain until
// metadata is known, since every later operation depends on it.
func (t *Torrent) opRetrieveMetadata() opResult {
	t.mu.RLock()
	known := t.mi != nil
	t.mu.RUnlock()
	if known {
		return opContinue
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mi != nil {
		return opContinue
	}
	if !t.requestingMetadata {
		t.setStateLocked(StateRetrievingMetadata)
		t.requestingMetadata = true
		go t.announceAll(tracker.EventNone)
	}
	return opStop
}

// opConnectTrackers builds the tier set from metadata (once) and fires an
// initial announce to it. Continues once metadata is known, without waiting
// for any tracker to answer, so a slow/dead tracker (or none at all)
// doesn't block DHT-only discovery or validation of local data.
func (t *Torrent) opConnectTrackers() opResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mi == nil {
		return opStop
	}
	if !t.trackersInitialized {
		t.trackersInitialized = true
		t.buildTiersLocked()
		if t.tiers != nil {
			go t.announceAll(tracker.EventStarted)
		}
	}
	return opContinue
}

// opConnectDhtNodes pings every configured DHT bootstrap node (Params.DhtSeeds)
// once, populating the routing table before the first peer lookup.
func (t *Torrent) opConnectDhtNodes() opResult {
	t.mu.Lock()
	if t.dhtNode == nil || t.dhtBootstrapped || t.dhtBootstrapping {
		defer t.mu.Unlock()
		if t.dhtNode == nil || t.dhtBootstrapped {
			return opContinue
		}
		return opStop
	}
	t.dhtBootstrapping = true
	seeds := t.dhtSeedsLocked()
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		t.dhtNode.Bootstrap(ctx, seeds)
		t.mu.Lock()
		t.dhtBootstrapped = true
		t.dhtBootstrapping = false
		t.mu.Unlock()
	}()
	return opStop
}

// opCreatePieces records the piece count implied by metadata. Idempotent:
// a torrent's piece layout never changes once metadata is known, so this
// is a no-op after the first successful run.
func (t *Torrent) opCreatePieces() opResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mi == nil {
		return opStop
	}
	if t.numPieces > 0 {
		return opContinue
	}
	t.numPieces = t.mi.NumPieces()
	if t.numPieces == 0 {
		return opStop
	}
	t.events.emit(PiecesChangedEvent{})
	return opContinue
}

// opCreateFiles opens the backing storage.Store and builds the file table.
// Idempotent: skipped once the store is open.
func (t *Torrent) opCreateFiles() opResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mi == nil || t.numPieces == 0 {
		return opStop
	}
	if t.store != nil {
		return opContinue
	}
	store, err := t.opener(t.mi, t.dataDir)
	if err != nil {
		t.log().Errorf("open storage: %s", err)
		return opStop
	}
	t.store = store
	t.files = buildFiles(t.mi)
	t.dispatcher = dispatch.New(t.dispatchCfg, t.stats, t.clk, t.localPeerID, store, t, t.logger)
	t.events.emit(FilesChangedEvent{})
	return opContinue
}

// opValidateFiles hashes every piece already present on disk exactly once,
// marking correctly-hashed pieces Verified so they aren't re-downloaded.
func (t *Torrent) opValidateFiles() opResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store == nil {
		return opStop
	}
	if t.validated {
		return opContinue
	}
	if !t.validating {
		t.validating = true
		store := t.store
		t.setStateLocked(StateCheckingFiles)
		go t.runValidation(store)
	}
	return opStop
}

func (t *Torrent) runValidation(store storage.Store) {
	total := store.NumPieces()
	for i := 0; i < total; i++ {
		if _, err := store.VerifyOnDisk(i); err != nil {
			t.log().Warnf("verify piece %d: %s", i, err)
		}
		if total > 0 && i%32 == 0 {
			t.events.emit(RecheckProgressEvent{Fraction: float64(i+1) / float64(total)})
		}
	}
	t.events.emit(RecheckProgressEvent{Fraction: 1})

	t.mu.Lock()
	t.validating = false
	t.validated = true
	if len(store.MissingPieces()) == 0 {
		t.setStateLocked(StateFinished)
	} else {
		t.setStateLocked(StateDownloading)
	}
	t.mu.Unlock()
}

// opConnectPeers dials as many freshly-discovered peer addresses as needed
// to reach the configured target connection count. Always continues: new
// peers may keep trickling in from trackers/DHT/PEX for the torrent's
// whole lifetime.
func (t *Torrent) opConnectPeers() opResult {
	t.mu.Lock()
	if t.dispatcher == nil {
		t.mu.Unlock()
		return opStop
	}
	wanted := t.config.TargetPeerCount - t.dispatcher.NumPeers()
	if wanted <= 0 || len(t.discovered) == 0 {
		t.mu.Unlock()
		return opContinue
	}
	if wanted > len(t.discovered) {
		wanted = len(t.discovered)
	}
	addrs := t.discovered[:wanted]
	t.discovered = t.discovered[wanted:]
	t.mu.Unlock()

	for _, addr := range addrs {
		go t.dialPeer(addr)
	}
	return opContinue
}

// opRetrieveDhtPeers issues a fresh DHT get_peers lookup no more than once
// per Config.DhtLookupInterval.
func (t *Torrent) opRetrieveDhtPeers() opResult {
	t.mu.Lock()
	if t.dhtNode == nil || t.mi == nil {
		t.mu.Unlock()
		return opContinue
	}
	if time.Since(t.lastDhtLookup) < t.config.DhtLookupInterval {
		t.mu.Unlock()
		return opContinue
	}
	t.lastDhtLookup = t.clk.Now()
	infoHash := t.infoHash
	alpha := t.config.DhtLookupAlpha
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		addrs, err := t.dhtNode.Lookup(ctx, infoHash, alpha)
		if err != nil {
			return
		}
		t.mu.Lock()
		for _, a := range addrs {
			t.discovered = append(t.discovered, a.String())
		}
		t.mu.Unlock()
	}()
	return opContinue
}

// opCreatePendingRequests recomputes which pieces are still missing, emits
// PieceCompletedEvent for newly verified ones, and sets Finished or
// Downloading accordingly. It sets no piece priorities: dispatch.Dispatcher's
// own maybeRequestMorePieces loop turns wanted pieces into actual block
// requests, so this operation owns only the want-set, not request
// selection itself.
func (t *Torrent) opCreatePendingRequests() opResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store == nil || t.paused {
		return opContinue
	}
	missing := t.store.MissingPieces()
	t.emitNewlyCompletedLocked(missing)
	if len(missing) == 0 {
		t.setStateLocked(StateFinished)
		return opContinue
	}
	if t.state != StatePaused {
		t.setStateLocked(StateDownloading)
	}
	return opContinue
}

// opRetrievePendingRequests records the time of its last run, at most once
// every 3 seconds while peers are connected and the torrent is not paused.
// It does not run the scheduler and sends nothing to peers; block requests
// come only from dispatch.Dispatcher's own request loop.
func (t *Torrent) opRetrievePendingRequests() opResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dispatcher == nil || t.paused || t.dispatcher.NumPeers() == 0 {
		return opContinue
	}
	const minInterval = 3 * time.Second
	if time.Since(t.lastRequestRun) < minInterval {
		return opContinue
	}
	t.lastRequestRun = t.clk.Now()
	return opContinue
}

// announceAll sends ev to every configured tracker tier, ignoring
// individual tier failures (DHT and other tiers may still succeed).
func (t *Torrent) announceAll(ev tracker.Event) {
	t.mu.RLock()
	announcer := t.announcer
	req := t.announceRequestLocked(ev)
	t.mu.RUnlock()
	if announcer == nil {
		return
	}
	if _, err := announcer.Announce(req); err != nil {
		t.log().Warnf("announce failed: %s", err)
		return
	}
	t.events.emit(TrackersChangedEvent{})
}

func (t *Torrent) announceRequestLocked(ev tracker.Event) tracker.AnnounceRequest {
	var left int64
	if t.store != nil {
		left = t.store.Length() - t.store.BytesDownloaded()
	}
	return tracker.AnnounceRequest{
		InfoHash: t.infoHash,
		PeerID:   t.localPeerID,
		Port:     uint16(t.listenPort),
		Left:     left,
		Event:    ev,
		NumWant:  50,
	}
}

// emitNewlyCompletedLocked diffs the current missing-piece set against the
// one observed on the previous tick, emitting PieceCompletedEvent for every
// piece that dropped out of it (i.e. just became Verified). dispatch's
// Events interface has no per-piece completion hook, so this is the
// cheapest way to surface one without widening Dispatcher's callback
// surface for a single torrentcore consumer.
func (t *Torrent) emitNewlyCompletedLocked(missing []int) {
	stillMissing := make(map[int]bool, len(missing))
	for _, i := range missing {
		stillMissing[i] = true
	}
	for i := range t.lastMissing {
		if !stillMissing[i] {
			t.events.emit(PieceCompletedEvent{Piece: i})
		}
	}
	t.lastMissing = stillMissing
}

func (t *Torrent) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	t.events.emit(StateChangedEvent{State: s})
}

func (t *Torrent) log() *zap.SugaredLogger {
	return t.logger
}
