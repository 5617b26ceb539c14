package dht

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// Events notifies a Node's owner of state changes worth surfacing, e.g. a
// regenerated node id.
type Events interface {
	SelfIDChanged(NodeID)
}

// pendingQuery is a query awaiting a reply, keyed by transaction id.
type pendingQuery struct {
	reply chan map[string]interface{}
}

// Node is a Mainline DHT participant: it answers queries from the network,
// issues its own (ping/find_node/get_peers/announce_peer), and maintains a
// routing table plus BEP 42 self-address observations in the background.
type Node struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	conn  *net.UDPConn
	table *RoutingTable
	obs   *Observer
	id    NodeID

	mu        sync.Mutex
	pending   map[string]*pendingQuery
	announced map[core.InfoHashV1][]*net.UDPAddr
	selfToken *TokenSecret

	events Events

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a Node listening on laddr (":0" for an ephemeral port) with
// a randomly generated starting id; the id is later replaced with a BEP 42
// secure one once enough external reporters agree on our address.
func New(laddr string, config Config, events Events, clk clock.Clock, stats tally.Scope, logger *zap.SugaredLogger) (*Node, error) {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if stats == nil {
		stats = tally.NoopScope
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrIO, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrIO, err)
	}

	id, err := RandomNodeID()
	if err != nil {
		conn.Close()
		return nil, err
	}

	n := &Node{
		config:    config,
		stats:     stats,
		clk:       clk,
		logger:    logger,
		conn:      conn,
		table:     NewRoutingTable(id, clk),
		obs:       NewObserver(clk),
		id:        id,
		pending:   make(map[string]*pendingQuery),
		announced: make(map[core.InfoHashV1][]*net.UDPAddr),
		events:    events,
		done:      make(chan struct{}),
	}

	n.wg.Add(1)
	go n.readLoop()
	n.wg.Add(1)
	go n.maintenanceLoop()

	return n, nil
}

// ID returns the node's current id, which may change over the node's
// lifetime as BEP 42 observation adopts a secure one.
func (n *Node) ID() NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// LocalAddr returns the UDP address this node listens on.
func (n *Node) LocalAddr() net.Addr {
	return n.conn.LocalAddr()
}

// Close stops the node's background goroutines and releases its socket.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
	err := n.conn.Close()
	n.wg.Wait()
	return err
}

func newTransactionID() (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (n *Node) send(msg map[string]interface{}, addr *net.UDPAddr) error {
	b, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = n.conn.WriteToUDP(b, addr)
	return err
}

// query sends msg to addr and waits up to the configured query timeout for
// a matching reply, recording success/failure against the node's routing
// table entry for addr.
func (n *Node) query(ctx context.Context, t string, msg map[string]interface{}, addr *net.UDPAddr) (map[string]interface{}, error) {
	pq := &pendingQuery{reply: make(chan map[string]interface{}, 1)}
	n.mu.Lock()
	n.pending[t] = pq
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, t)
		n.mu.Unlock()
	}()

	if err := n.send(msg, addr); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrIO, err)
	}

	timeout := n.config.QueryTimeout
	timer := n.clk.Timer(timeout)
	defer timer.Stop()

	select {
	case reply := <-pq.reply:
		if messageType(reply) == typeError {
			kerr := errorFromMessage(reply)
			return nil, fmt.Errorf("%w: %s", core.ErrPeerProtocol, kerr)
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: query to %s", core.ErrTimeout, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.done:
		return nil, core.ErrIO
	}
}

// Ping queries addr and, on success, inserts or refreshes it in the
// routing table.
func (n *Node) Ping(ctx context.Context, addr *net.UDPAddr) (NodeID, error) {
	t, err := newTransactionID()
	if err != nil {
		return NodeID{}, err
	}
	reply, err := n.query(ctx, t, newPingQuery(t, n.ID()), addr)
	if err != nil {
		n.recordTimeout(addr)
		return NodeID{}, err
	}
	id, ok := nodeIDFromDict(reply, "r")
	if !ok {
		return NodeID{}, fmt.Errorf("%w: ping reply missing id", core.ErrPeerProtocol)
	}
	n.table.Insert(id, addr)
	return id, nil
}

func (n *Node) recordTimeout(addr *net.UDPAddr) {
	if rn, ok := n.table.FindByAddr(addr); ok {
		rn.TimedOut()
	}
}

// FindNode asks addr for the nodes closest to target.
func (n *Node) FindNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]CompactNode, error) {
	t, err := newTransactionID()
	if err != nil {
		return nil, err
	}
	reply, err := n.query(ctx, t, newFindNodeQuery(t, n.ID(), target), addr)
	if err != nil {
		n.recordTimeout(addr)
		return nil, err
	}
	r, _ := reply["r"].(map[string]interface{})
	nodesStr, _ := r["nodes"].(string)
	if nodesStr == "" {
		return nil, nil
	}
	return DecodeCompactNodes4([]byte(nodesStr))
}

// GetPeersResult carries either peer addresses (the swarm has them) or
// closer nodes to continue the lookup with, plus the token needed to
// announce_peer back to addr.
type GetPeersResult struct {
	Peers []*net.UDPAddr
	Nodes []CompactNode
	Token []byte
}

// GetPeers asks addr for peers downloading infoHash.
func (n *Node) GetPeers(ctx context.Context, addr *net.UDPAddr, infoHash core.InfoHashV1) (GetPeersResult, error) {
	t, err := newTransactionID()
	if err != nil {
		return GetPeersResult{}, err
	}
	reply, err := n.query(ctx, t, newGetPeersQuery(t, n.ID(), infoHash), addr)
	if err != nil {
		n.recordTimeout(addr)
		return GetPeersResult{}, err
	}
	r, _ := reply["r"].(map[string]interface{})

	var result GetPeersResult
	if tok, ok := r["token"].(string); ok {
		result.Token = []byte(tok)
	}
	if values, ok := r["values"].([]interface{}); ok {
		for _, v := range values {
			s, ok := v.(string)
			if !ok || len(s) != 6 {
				continue
			}
			peers, err := DecodeCompactPeers4([]byte(s))
			if err == nil {
				result.Peers = append(result.Peers, peers...)
			}
		}
	}
	if nodesStr, ok := r["nodes"].(string); ok && nodesStr != "" {
		nodes, err := DecodeCompactNodes4([]byte(nodesStr))
		if err == nil {
			result.Nodes = nodes
		}
	}
	return result, nil
}

// AnnouncePeer tells addr that we are downloading infoHash on port, using
// token previously obtained from a GetPeers call to that same address.
func (n *Node) AnnouncePeer(ctx context.Context, addr *net.UDPAddr, infoHash core.InfoHashV1, port int, token []byte, impliedPort bool) error {
	t, err := newTransactionID()
	if err != nil {
		return err
	}
	_, err = n.query(ctx, t, newAnnouncePeerQuery(t, n.ID(), infoHash, port, token, impliedPort), addr)
	if err != nil {
		n.recordTimeout(addr)
	}
	return err
}

// Bootstrap pings every address in seeds concurrently, inserting every
// node that answers into the routing table. Ported from the reference
// implementation's connect_dht_nodes startup behavior: one pass over all
// bootstrap nodes, run once.
func (n *Node) Bootstrap(ctx context.Context, seeds []*net.UDPAddr) int {
	var g errgroup.Group
	ok := atomic.NewInt64(0)
	for _, addr := range seeds {
		addr := addr
		g.Go(func() error {
			if _, err := n.Ping(ctx, addr); err == nil {
				ok.Inc()
			}
			return nil
		})
	}
	g.Wait()
	return int(ok.Load())
}

// Lookup walks the routing table toward infoHash's closest nodes,
// querying get_peers iteratively until no closer nodes are discovered,
// and returns the union of every peer address reported.
func (n *Node) Lookup(ctx context.Context, infoHash core.InfoHashV1, alpha int) ([]*net.UDPAddr, error) {
	if alpha <= 0 {
		alpha = 3
	}
	target := NodeID(infoHash)
	queried := make(map[string]bool)
	var peers []*net.UDPAddr

	frontier := n.table.Closest(target, bucketSize)
	for round := 0; round < 8 && len(frontier) > 0; round++ {
		next := frontier[:0]
		type res struct {
			from   *RemoteNode
			result GetPeersResult
		}
		results := make(chan res, len(frontier))
		var wg sync.WaitGroup
		for _, cand := range frontier {
			if queried[cand.ID.String()] {
				continue
			}
			queried[cand.ID.String()] = true
			cand := cand
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := n.GetPeers(ctx, cand.Addr, infoHash)
				if err != nil {
					return
				}
				if len(r.Token) > 0 {
					cand.SetAnnounceToken(r.Token)
				}
				results <- res{from: cand, result: r}
			}()
			if len(queried) >= alpha {
				break
			}
		}
		wg.Wait()
		close(results)

		discoveredNew := false
		for rr := range results {
			peers = append(peers, rr.result.Peers...)
			for _, cn := range rr.result.Nodes {
				if queried[cn.ID.String()] {
					continue
				}
				rn := n.table.Insert(cn.ID, cn.Addr)
				if rn == nil {
					rn = &RemoteNode{ID: cn.ID, Addr: cn.Addr}
				}
				next = append(next, rn)
				discoveredNew = true
			}
		}
		if !discoveredNew {
			break
		}
		frontier = next
	}
	return dedupePeers(peers), nil
}

func dedupePeers(peers []*net.UDPAddr) []*net.UDPAddr {
	seen := make(map[string]bool, len(peers))
	out := make([]*net.UDPAddr, 0, len(peers))
	for _, p := range peers {
		key := p.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, 4096)
	for {
		size, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.done:
				return
			default:
				n.logger.Debugw("dht read error", "error", err)
				return
			}
		}
		msg, err := decodeMessage(append([]byte(nil), buf[:size]...))
		if err != nil {
			n.stats.Counter("dht.malformed").Inc(1)
			continue
		}
		n.handleMessage(msg, addr)
	}
}

func (n *Node) handleMessage(msg map[string]interface{}, addr *net.UDPAddr) {
	switch messageType(msg) {
	case typeResponse, typeError:
		t := transactionID(msg)
		n.mu.Lock()
		pq := n.pending[t]
		n.mu.Unlock()
		if pq != nil {
			select {
			case pq.reply <- msg:
			default:
			}
		}
		if id, ok := nodeIDFromDict(msg, "r"); ok {
			if rn, known := n.table.Get(id); known {
				rn.Confirmed()
			} else {
				n.table.Insert(id, addr)
			}
		}
	case typeQuery:
		n.handleQuery(msg, addr)
	}
}

func (n *Node) handleQuery(msg map[string]interface{}, addr *net.UDPAddr) {
	t := transactionID(msg)
	q, _ := msg["q"].(string)
	args, _ := msg["a"].(map[string]interface{})

	var fromID NodeID
	if s, ok := args["id"].(string); ok && len(s) == 20 {
		copy(fromID[:], s)
	}
	rn, known := n.table.Get(fromID)
	if !known {
		rn = n.table.Insert(fromID, addr)
	} else {
		rn.Confirmed()
	}

	switch q {
	case queryPing:
		n.send(newResponse(t, n.ID(), nil), addr)

	case queryFindNode:
		var target NodeID
		if s, ok := args["target"].(string); ok && len(s) == 20 {
			copy(target[:], s)
		}
		closest := n.table.Closest(target, bucketSize)
		nodes := make([]CompactNode, 0, len(closest))
		for _, c := range closest {
			nodes = append(nodes, CompactNode{ID: c.ID, Addr: c.Addr})
		}
		n.send(newResponse(t, n.ID(), map[string]interface{}{
			"nodes": string(EncodeCompactNodes4(nodes)),
		}), addr)

	case queryGetPeers:
		var infoHash core.InfoHashV1
		if s, ok := args["info_hash"].(string); ok && len(s) == 20 {
			copy(infoHash[:], s)
		}
		token := n.tokenFor(addr)
		n.mu.Lock()
		peers := n.announced[infoHash]
		n.mu.Unlock()

		r := map[string]interface{}{"token": string(token)}
		if len(peers) > 0 {
			r["values"] = peersToValues(peers)
		} else {
			closest := n.table.Closest(NodeID(infoHash), bucketSize)
			nodes := make([]CompactNode, 0, len(closest))
			for _, c := range closest {
				nodes = append(nodes, CompactNode{ID: c.ID, Addr: c.Addr})
			}
			r["nodes"] = string(EncodeCompactNodes4(nodes))
		}
		n.send(newResponse(t, n.ID(), r), addr)

	case queryAnnouncePeer:
		var infoHash core.InfoHashV1
		if s, ok := args["info_hash"].(string); ok && len(s) == 20 {
			copy(infoHash[:], s)
		}
		token, _ := args["token"].(string)
		if !n.validateToken(addr, []byte(token)) {
			n.send(newErrorMessage(t, errProtocol, "bad token"), addr)
			return
		}
		port, _ := toInt(args["port"])
		if implied, _ := toInt(args["implied_port"]); implied == 1 {
			port = addr.Port
		}
		peerAddr := &net.UDPAddr{IP: addr.IP, Port: port}
		n.mu.Lock()
		n.announced[infoHash] = append(n.announced[infoHash], peerAddr)
		n.mu.Unlock()
		n.send(newResponse(t, n.ID(), nil), addr)

	default:
		n.send(newErrorMessage(t, errMethodUnknown, "unknown method "+q), addr)
	}
}

// tokenFor mints a token for addr using selfToken, the secret that
// answers get_peers/announce_peer queries made *to* us; unlike
// RemoteNode.token (a per-node secret kept alongside one routing table
// entry), this single secret serves every querying address.
func (n *Node) tokenFor(addr *net.UDPAddr) []byte {
	n.mu.Lock()
	if n.selfToken == nil {
		n.selfToken = NewTokenSecret(n.clk)
	}
	t := n.selfToken
	n.mu.Unlock()
	return t.Generate(addr)
}

func (n *Node) validateToken(addr *net.UDPAddr, token []byte) bool {
	n.mu.Lock()
	t := n.selfToken
	n.mu.Unlock()
	if t == nil {
		return false
	}
	return t.Validate(addr, token)
}

func peersToValues(peers []*net.UDPAddr) []interface{} {
	out := make([]interface{}, 0, len(peers))
	for _, p := range peers {
		out = append(out, string(EncodeCompactPeers4([]*net.UDPAddr{p})))
	}
	return out
}

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	refresh := n.clk.Ticker(n.config.RefreshInterval)
	defer refresh.Stop()
	seed := make([]byte, 1)
	rand.Read(seed)

	for {
		select {
		case <-n.done:
			return
		case <-refresh.C:
			n.runRefresh()
			n.runObservation(seed[0])
		}
	}
}

func (n *Node) runRefresh() {
	evicted := n.table.EvictBad()
	if evicted > 0 {
		n.stats.Counter("dht.evicted").Inc(int64(evicted))
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.QueryTimeout)
	defer cancel()
	for _, rn := range n.table.Questionable() {
		if rn.Addr == nil {
			continue
		}
		n.Ping(ctx, rn.Addr)
	}
}

func (n *Node) runObservation(seed byte) {
	current := n.ID()
	next, changed, err := MaybeRegenerateID(n.obs, current, seed)
	if err != nil || !changed {
		return
	}
	n.mu.Lock()
	n.id = next
	n.mu.Unlock()
	n.table.SetSelf(next)
	if n.events != nil {
		n.events.SelfIDChanged(next)
	}
}

// ObserveSelfAddress feeds an externally-reported address (e.g. a "ip"
// field the reference implementation's peers embed in query responses)
// into the BEP 42 consensus tally.
func (n *Node) ObserveSelfAddress(reporter *net.UDPAddr, external net.IP) {
	n.obs.Observe(reporter, external)
}
