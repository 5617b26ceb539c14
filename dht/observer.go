package dht

import (
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// minReporters is the number of distinct reporting source addresses that
// must agree on the same external IP before it is adopted.
const minReporters = 3

// maxObserved bounds how many distinct reporters are cached; once
// exceeded, the oldest observation is evicted to make room.
const maxObserved = 15

type observation struct {
	source   string
	external net.IP
	lastSeen time.Time
}

// Observer accumulates self-address observations carried back in query
// responses (BEP 42) and decides when enough independent reporters agree
// to justify regenerating our node id for the reported address.
type Observer struct {
	mu   sync.Mutex
	byTo map[string]*observation // keyed by reporting source address
	clk  clock.Clock
}

// NewObserver creates an empty Observer.
func NewObserver(clk clock.Clock) *Observer {
	if clk == nil {
		clk = clock.New()
	}
	return &Observer{byTo: make(map[string]*observation), clk: clk}
}

// Observe records that source reported our external address as external.
// A later observation from the same source replaces its earlier one
// rather than counting twice.
func (o *Observer) Observe(source *net.UDPAddr, external net.IP) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := source.String()
	o.byTo[key] = &observation{source: key, external: external, lastSeen: o.clk.Now()}

	if len(o.byTo) <= maxObserved {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, obs := range o.byTo {
		if oldestKey == "" || obs.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = obs.lastSeen
		}
	}
	delete(o.byTo, oldestKey)
}

// Consensus tallies distinct reporters per candidate external IP and
// returns the IP with the most agreeing reporters, if at least
// minReporters agree.
func (o *Observer) Consensus() (net.IP, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	counts := make(map[string]int)
	ips := make(map[string]net.IP)
	for _, obs := range o.byTo {
		key := obs.external.String()
		counts[key]++
		ips[key] = obs.external
	}

	var bestKey string
	bestCount := 0
	for k, c := range counts {
		if c > bestCount {
			bestKey = k
			bestCount = c
		}
	}
	if bestCount < minReporters {
		return nil, false
	}
	return ips[bestKey], true
}

// MaybeRegenerateID returns a freshly generated secure node id for the
// consensus external address, unless current already satisfies the
// secure-id rule for it (avoiding needless churn), or no consensus has
// formed yet.
func MaybeRegenerateID(o *Observer, current NodeID, randSeed byte) (NodeID, bool, error) {
	ip, ok := o.Consensus()
	if !ok {
		return current, false, nil
	}
	if current.IsSecure(ip) {
		return current, false, nil
	}
	id, err := GenerateSecureNodeID(ip, randSeed)
	if err != nil {
		return current, false, err
	}
	return id, true, nil
}
