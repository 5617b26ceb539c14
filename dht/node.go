package dht

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
)

// NodeState tracks how recently and reliably a remote node has answered
// our queries.
type NodeState int

const (
	// Good nodes have answered a query in the last 15 minutes, or sent us
	// one of their own, and have not timed out more than 5 consecutive
	// times.
	Good NodeState = iota
	// Questionable nodes have gone quiet for 15 minutes but have not yet
	// accumulated enough consecutive timeouts to be considered bad.
	Questionable
	// Bad nodes failed to answer more than 5 consecutive queries and are
	// evicted from the routing table in favor of fresh candidates.
	Bad
)

func (s NodeState) String() string {
	switch s {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// questionableAfter is how long a node may stay silent before it is
// demoted from Good to Questionable.
const questionableAfter = 15 * time.Minute

// badAfterTimeouts is the number of consecutive timeouts after which a
// node is considered Bad and evictable. The original implementation this
// is ported from treats this as a strict greater-than: a node survives
// exactly 5 consecutive timeouts and is only marked Bad on the 6th.
const badAfterTimeouts = 5

// calculateNodeState reproduces NodeState::calculate from the reference
// implementation's dht/node.rs.
func calculateNodeState(lastSeenSince time.Duration, timeoutCount int) NodeState {
	if timeoutCount > badAfterTimeouts {
		return Bad
	}
	if lastSeenSince < questionableAfter {
		return Good
	}
	return Questionable
}

// RemoteNode is a remote DHT peer known to this routing table.
type RemoteNode struct {
	ID   NodeID
	Addr *net.UDPAddr

	// token is the TokenSecret this node uses to mint tokens for get_peers
	// responses we make to it.
	token *TokenSecret
	// announceToken is the token this node most recently handed us in a
	// get_peers reply, to be echoed back verbatim in announce_peer.
	announceToken []byte

	lastSeen     time.Time
	timeoutCount int
	state        NodeState

	clk clock.Clock
}

// NewRemoteNode creates a RemoteNode freshly discovered via a query
// response or routing table refresh; it starts out Good.
func NewRemoteNode(id NodeID, addr *net.UDPAddr, clk clock.Clock) *RemoteNode {
	if clk == nil {
		clk = clock.New()
	}
	return &RemoteNode{
		ID:       id,
		Addr:     addr,
		token:    NewTokenSecret(clk),
		lastSeen: clk.Now(),
		state:    Good,
		clk:      clk,
	}
}

// State recalculates and returns the node's current state; it must be
// called before inspecting State as a field, since state decays purely as
// a function of elapsed time.
func (n *RemoteNode) State() NodeState {
	n.state = calculateNodeState(n.clk.Now().Sub(n.lastSeen), n.timeoutCount)
	return n.state
}

// Confirmed resets a node to Good after it answers a query or sends us
// one, clearing any accumulated timeouts.
func (n *RemoteNode) Confirmed() {
	n.lastSeen = n.clk.Now()
	n.timeoutCount = 0
	n.state = Good
}

// TimedOut records a failed query attempt and recalculates state.
func (n *RemoteNode) TimedOut() {
	n.timeoutCount++
	n.state = calculateNodeState(n.clk.Now().Sub(n.lastSeen), n.timeoutCount)
}

// SetAnnounceToken records the token a get_peers reply from this node
// handed us, to be presented back in a subsequent announce_peer.
func (n *RemoteNode) SetAnnounceToken(token []byte) {
	n.announceToken = append([]byte(nil), token...)
}

// AnnounceToken returns the most recently stored token from this node, or
// nil if none has been received yet.
func (n *RemoteNode) AnnounceToken() []byte {
	return n.announceToken
}

// GenerateToken mints a token for addr using this node's own rotating
// secret, to be handed out in our get_peers responses to it.
func (n *RemoteNode) GenerateToken(addr *net.UDPAddr) []byte {
	return n.token.Generate(addr)
}

// ValidateToken checks a token presented in an announce_peer against this
// node's rotating secret, accepting both the current and previous
// generation during the rotation overlap.
func (n *RemoteNode) ValidateToken(addr *net.UDPAddr, token []byte) bool {
	return n.token.Validate(addr, token)
}

// Distance returns the XOR distance between this node and other.
func (n *RemoteNode) Distance(other NodeID) NodeID {
	return n.ID.Distance(other)
}

// IsSecure reports whether this node's id satisfies the BEP 42 secure-id
// rule for its own advertised address.
func (n *RemoteNode) IsSecure() bool {
	if n.Addr == nil {
		return true
	}
	return n.ID.IsSecure(n.Addr.IP)
}
