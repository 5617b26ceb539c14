package dispatch

import (
	"math/rand"
	"sort"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// runUnchokeRound re-evaluates which interested peers we unchoke: the top
// MaxUnchokedPeers by pieces they've sent us (so peers that reciprocate
// get reciprocated), plus whichever peer currently holds the rotating
// optimistic slot. A reciprocity-based unchoker, in place of Kraken's
// no-choke swarm model, which has no such policy to generalize from.
func (d *Dispatcher) runUnchokeRound() {
	d.mu.Lock()
	peers := make([]*peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	optimistic := d.optimisticPeer
	d.mu.Unlock()

	var interested []*peer
	for _, p := range peers {
		if p.conn.PeerInterested() {
			interested = append(interested, p)
		}
	}

	regularSlots := d.config.MaxUnchokedPeers
	if regularSlots < 0 {
		regularSlots = 0
	}

	sort.Slice(interested, func(i, j int) bool {
		pi, pj := interested[i].pstats.getGoodPiecesReceived(), interested[j].pstats.getGoodPiecesReceived()
		if pi != pj {
			return pi > pj
		}
		return interested[i].id().String() < interested[j].id().String()
	})

	unchoked := make(map[core.PeerID]bool)
	for i, p := range interested {
		if i >= regularSlots {
			break
		}
		unchoked[p.id()] = true
	}
	if optimistic != (core.PeerID{}) {
		unchoked[optimistic] = true
	}

	for _, p := range peers {
		p.conn.SetAmChoking(!unchoked[p.id()])
	}
}

// rotateOptimisticUnchoke picks a new, currently-choked, interested peer to
// hold the optimistic unchoke slot, giving peers outside the regular
// top-N a chance to prove themselves.
func (d *Dispatcher) rotateOptimisticUnchoke() {
	d.mu.Lock()
	var candidates []*peer
	for _, p := range d.peers {
		if p.conn.PeerInterested() && p.conn.AmChoking() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		d.mu.Unlock()
		return
	}
	chosen := candidates[rand.Intn(len(candidates))]
	d.optimisticPeer = chosen.id()
	d.mu.Unlock()

	d.runUnchokeRound()
}

func (d *Dispatcher) runUnchokeLoop() {
	regular := d.clk.Ticker(d.config.UnchokeInterval)
	optimistic := d.clk.Ticker(d.config.OptimisticUnchokeInterval)
	defer regular.Stop()
	defer optimistic.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-regular.C:
			d.runUnchokeRound()
		case <-optimistic.C:
			d.rotateOptimisticUnchoke()
		}
	}
}
