package tracker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// Tier is an ordered list of trackers considered equally authoritative; a
// torrent tries them in order and promotes whichever answers first to the
// head of the tier.
type Tier struct {
	mu       sync.Mutex
	trackers []Tracker
}

// NewTier wraps an ordered slice of trackers as a single tier.
func NewTier(trackers []Tracker) *Tier {
	return &Tier{trackers: trackers}
}

// Announce tries every tracker in the tier in order, returning the first
// successful response and promoting that tracker to the front of the tier
// for subsequent rounds.
func (t *Tier) Announce(req AnnounceRequest, logger *zap.SugaredLogger) (AnnounceResponse, error) {
	t.mu.Lock()
	trackers := append([]Tracker(nil), t.trackers...)
	t.mu.Unlock()

	var lastErr error
	for i, tr := range trackers {
		resp, err := tr.Announce(req)
		if err != nil {
			if logger != nil {
				logger.Warnf("tracker %s announce failed: %s", tr.URL(), err)
			}
			lastErr = err
			continue
		}
		if i > 0 {
			t.promote(tr)
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tier has no trackers")
	}
	return AnnounceResponse{}, lastErr
}

func (t *Tier) promote(winner Tracker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reordered := make([]Tracker, 0, len(t.trackers))
	reordered = append(reordered, winner)
	for _, tr := range t.trackers {
		if tr.URL() != winner.URL() {
			reordered = append(reordered, tr)
		}
	}
	t.trackers = reordered
}

// TierSet is the full set of tiers configured for a torrent. An announce
// attempts each tier in order, stopping at the first tier that answers.
type TierSet struct {
	tiers  []*Tier
	logger *zap.SugaredLogger
}

// NewTierSet groups tiers (already ordered by priority) into a TierSet.
func NewTierSet(tiers []*Tier, logger *zap.SugaredLogger) *TierSet {
	return &TierSet{tiers: tiers, logger: logger}
}

// Announce tries every tier in order until one answers.
func (s *TierSet) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	var lastErr error
	for _, tier := range s.tiers {
		resp, err := tier.Announce(req, s.logger)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no tiers configured", core.ErrTrackerConnection)
	}
	return AnnounceResponse{}, lastErr
}

// Close closes every tracker client held by every tier.
func (s *TierSet) Close() error {
	var firstErr error
	for _, tier := range s.tiers {
		tier.mu.Lock()
		trackers := append([]Tracker(nil), tier.trackers...)
		tier.mu.Unlock()
		for _, tr := range trackers {
			if err := tr.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
