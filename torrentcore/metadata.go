package torrentcore

import (
	"fmt"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/dht"
	"github.com/yoep/popcorn-fx-torrent-engine/metainfo"
	"github.com/yoep/popcorn-fx-torrent-engine/peerconn"
	"github.com/yoep/popcorn-fx-torrent-engine/wire"
)

// Local BEP 10 sub-ids this engine advertises for ut_metadata/ut_pex in its
// own extension handshake (see peerconn.NewHandshaker's extensions map in
// New). A remote peer addresses messages to us using these.
const (
	localUTMetadataID = 1
	localUTPexID      = 2
)

// metadataFetch assembles a torrent's info dictionary from ut_metadata
// piece responses, one BEP 9 16 KiB block per piece. Each time a peer that
// advertised metadata_size sends its handshake or a data response, the next
// missing piece is requested from that peer.
type metadataFetch struct {
	size      int
	pieces    [][]byte
	have      []bool
	remaining int
}

func newMetadataFetch(size int) *metadataFetch {
	n := (size + metadataPieceSize - 1) / metadataPieceSize
	return &metadataFetch{
		size:      size,
		pieces:    make([][]byte, n),
		have:      make([]bool, n),
		remaining: n,
	}
}

func (f *metadataFetch) nextWanted() (int, bool) {
	for i, have := range f.have {
		if !have {
			return i, true
		}
	}
	return 0, false
}

func (f *metadataFetch) put(piece int, data []byte) {
	if piece < 0 || piece >= len(f.pieces) || f.have[piece] {
		return
	}
	f.pieces[piece] = data
	f.have[piece] = true
	f.remaining--
}

func (f *metadataFetch) done() bool { return f.remaining == 0 }

func (f *metadataFetch) assemble() []byte {
	buf := make([]byte, 0, f.size)
	for _, p := range f.pieces {
		buf = append(buf, p...)
	}
	return buf
}

func (t *Torrent) handleExtendedMessage(peerID core.PeerID, msg wire.Message) {
	if len(msg.Payload) == 0 {
		return
	}
	switch msg.Payload[0] {
	case wire.ExtendedHandshakeID:
		t.handlePeerExtendedHandshake(peerID, msg.Payload)
	case localUTMetadataID:
		t.handleMetadataMessage(peerID, msg.Payload[1:])
	case localUTPexID:
		t.handlePexMessage(peerID, msg.Payload[1:])
	}
}

func (t *Torrent) handlePeerExtendedHandshake(peerID core.PeerID, payload []byte) {
	h, err := wire.DecodeExtendedHandshake(payload)
	if err != nil {
		return
	}
	mapping := make(map[string]byte, len(h.M))
	for name, id := range h.M {
		mapping[name] = byte(id)
	}
	t.setPeerExtensions(peerID, mapping)

	t.mu.Lock()
	if t.requestingMetadata && t.mi == nil && h.MetadataSize > 0 {
		if t.metadataFetch == nil {
			t.metadataFetch = newMetadataFetch(int(h.MetadataSize))
		}
	}
	fetchArmed := t.metadataFetch != nil
	haveMeta := t.mi != nil
	t.mu.Unlock()

	// peerconn's own handshake-time extension exchange only advertises our
	// (name -> id) mapping; it has no way to know our metadata_size. A side
	// that already has metadata answers every incoming extended handshake
	// with a follow-up one that does, so a newly connected peer can learn
	// it without a dedicated round trip.
	if haveMeta {
		t.sendOurExtendedHandshake(peerID)
	}
	if fetchArmed {
		t.requestNextMetadataPiece(peerID)
	}
}

// sendOurExtendedHandshake announces our local extension ids and (if
// known) the exact byte size of our info dictionary, per BEP 9's
// metadata_size handshake field.
func (t *Torrent) sendOurExtendedHandshake(peerID core.PeerID) {
	t.mu.RLock()
	mi := t.mi
	t.mu.RUnlock()

	h := wire.ExtendedHandshake{M: map[string]int64{wire.ExtUTMetadata: localUTMetadataID, wire.ExtUTPex: localUTPexID}}
	if mi != nil {
		if raw, err := mi.RawInfoDict(); err == nil {
			h.MetadataSize = int64(len(raw))
		}
	}
	msg, err := wire.EncodeExtendedHandshake(h)
	if err != nil {
		return
	}
	_ = t.sendToPeer(peerID, msg)
}

func (t *Torrent) setPeerExtensions(peerID core.PeerID, mapping map[string]byte) {
	t.mu.RLock()
	conn, isMetadataConn := t.metadataConns[peerID]
	dispatcher := t.dispatcher
	t.mu.RUnlock()

	if isMetadataConn {
		conn.SetExtensions(mapping)
		return
	}
	if dispatcher != nil {
		_ = dispatcher.SetPeerExtensions(peerID, mapping)
	}
}

func (t *Torrent) requestNextMetadataPiece(peerID core.PeerID) {
	t.mu.Lock()
	fetch := t.metadataFetch
	t.mu.Unlock()
	if fetch == nil {
		return
	}
	piece, ok := fetch.nextWanted()
	if !ok {
		return
	}
	extID, ok := t.peerExtensionID(peerID, wire.ExtUTMetadata)
	if !ok {
		return
	}
	msg, err := wire.EncodeMetadataRequest(extID, piece)
	if err != nil {
		return
	}
	_ = t.sendToPeer(peerID, msg)
}

func (t *Torrent) peerExtensionID(peerID core.PeerID, name string) (byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.metadataConns[peerID]; ok {
		return c.ExtensionID(name)
	}
	if t.dispatcher != nil {
		return t.dispatcher.ExtensionID(peerID, name)
	}
	return 0, false
}

func (t *Torrent) sendToPeer(peerID core.PeerID, msg wire.Message) error {
	t.mu.RLock()
	c, isMetadataConn := t.metadataConns[peerID]
	dispatcher := t.dispatcher
	t.mu.RUnlock()
	if isMetadataConn {
		return c.Send(msg)
	}
	if dispatcher != nil {
		return dispatcher.Send(peerID, msg)
	}
	return fmt.Errorf("no connection to peer %s", peerID)
}

func (t *Torrent) handleMetadataMessage(peerID core.PeerID, body []byte) {
	msgType, piece, _, data, err := wire.DecodeMetadataMessage(body)
	if err != nil {
		return
	}
	switch msgType {
	case wire.MetadataRequest:
		t.serveMetadataPiece(peerID, piece)
	case wire.MetadataData:
		t.receiveMetadataPiece(peerID, piece, data)
	case wire.MetadataReject:
		// Peer won't serve this piece; the next requestNextMetadataPiece
		// call (triggered by another peer's handshake) will try elsewhere.
	}
}

func (t *Torrent) serveMetadataPiece(peerID core.PeerID, piece int) {
	t.mu.RLock()
	mi := t.mi
	t.mu.RUnlock()
	if mi == nil {
		return
	}

	raw, err := encodeInfoDict(mi)
	if err != nil {
		return
	}
	start := piece * metadataPieceSize
	if start >= len(raw) {
		return
	}
	end := start + metadataPieceSize
	if end > len(raw) {
		end = len(raw)
	}

	extID, ok := t.peerExtensionID(peerID, wire.ExtUTMetadata)
	if !ok {
		return
	}
	msg, err := wire.EncodeMetadataData(extID, piece, len(raw), raw[start:end])
	if err != nil {
		return
	}
	_ = t.sendToPeer(peerID, msg)
}

func (t *Torrent) receiveMetadataPiece(peerID core.PeerID, piece int, data []byte) {
	t.mu.Lock()
	fetch := t.metadataFetch
	if fetch == nil {
		t.mu.Unlock()
		return
	}
	fetch.put(piece, data)
	complete := fetch.done()
	t.mu.Unlock()

	if !complete {
		t.requestNextMetadataPiece(peerID)
		return
	}
	t.finishMetadataFetch(fetch)
}

func (t *Torrent) finishMetadataFetch(fetch *metadataFetch) {
	raw := fetch.assemble()
	mi, err := metainfo.ParseInfoDict(raw, t.infoHash)
	if err != nil {
		t.mu.Lock()
		t.requestingMetadata = false
		t.metadataFetch = nil
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.mi = mi
	t.metadataFetch = nil
	t.requestingMetadata = false
	t.mu.Unlock()

	t.events.emit(MetadataChangedEvent{})

	// Metadata-only connections have served their purpose; normal
	// dispatcher-based connections take over once opCreateFiles opens the
	// store, per opConnectPeers/dialPeer.
	t.mu.Lock()
	conns := make([]*peerconn.Conn, 0, len(t.metadataConns))
	for _, c := range t.metadataConns {
		conns = append(conns, c)
	}
	t.metadataConns = make(map[core.PeerID]*peerconn.Conn)
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// handlePexMessage folds a peer's ut_pex announcement into the discovered
// address pool, the same pool opConnectPeers dials from. Dropped peers
// aren't tracked against already-connected peers; a stale address just
// fails to dial.
func (t *Torrent) handlePexMessage(peerID core.PeerID, body []byte) {
	m, err := wire.DecodePex(body)
	if err != nil {
		return
	}
	added, err := dht.DecodeCompactPeers4(m.Added)
	if err != nil {
		return
	}
	if len(added) == 0 {
		return
	}

	t.mu.Lock()
	for _, a := range added {
		t.discovered = append(t.discovered, a.String())
	}
	t.mu.Unlock()
}

// encodeInfoDict returns mi's info dictionary bytes for serving to
// metadata-requesting peers. A torrent we ourselves retrieved via metadata
// exchange only reaches this path once finishMetadataFetch has stored the
// exact bytes its hash was verified against.
func encodeInfoDict(mi *metainfo.MetaInfo) ([]byte, error) {
	return mi.RawInfoDict()
}
