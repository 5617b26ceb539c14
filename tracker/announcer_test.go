package tracker

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

const _tickerTimeout = time.Second

type mockAnnouncerEvents struct {
	tick chan struct{}
}

func newMockAnnouncerEvents() *mockAnnouncerEvents {
	return &mockAnnouncerEvents{tick: make(chan struct{}, 1)}
}

func (e *mockAnnouncerEvents) AnnounceTick() { e.tick <- struct{}{} }

func (e *mockAnnouncerEvents) expectTick(t *testing.T) {
	select {
	case <-e.tick:
	case <-time.After(_tickerTimeout):
		require.FailNow(t, "tick timed out")
	}
}

func (e *mockAnnouncerEvents) expectNoTick(t *testing.T) {
	select {
	case <-e.tick:
		require.FailNow(t, "unexpected tick")
	case <-time.After(_tickerTimeout):
	}
}

// intervalTracker always succeeds, returning a fixed interval.
type intervalTracker struct {
	interval time.Duration
}

func (t *intervalTracker) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	return AnnounceResponse{Interval: t.interval}, nil
}
func (t *intervalTracker) Scrape(ihs []core.InfoHashV1) ([]ScrapeResult, error) { return nil, nil }
func (t *intervalTracker) URL() string                                         { return "interval" }
func (t *intervalTracker) Close() error                                        { return nil }

func TestAnnouncerUpdatesInterval(t *testing.T) {
	clk := clock.NewMock()
	events := newMockAnnouncerEvents()
	config := AnnouncerConfig{DefaultInterval: 5 * time.Second}

	tracker := &intervalTracker{interval: 5 * time.Second}
	set := NewTierSet([]*Tier{NewTier([]Tracker{tracker})}, zap.NewNop().Sugar())
	announcer := NewAnnouncer(config, set, events, clk, zap.NewNop().Sugar())

	go announcer.Ticker(nil)

	clk.Add(config.DefaultInterval)
	events.expectTick(t)

	tracker.interval = 10 * time.Second
	_, err := announcer.Announce(AnnounceRequest{})
	require.NoError(t, err)

	clk.Add(config.DefaultInterval)
	events.expectTick(t)

	// Timer should now be running on the updated 10s interval.
	clk.Add(config.DefaultInterval)
	events.expectNoTick(t)

	clk.Add(10*time.Second - config.DefaultInterval)
	events.expectTick(t)
}

func TestAnnouncerClampsOversizedInterval(t *testing.T) {
	clk := clock.NewMock()
	events := newMockAnnouncerEvents()
	config := AnnouncerConfig{DefaultInterval: 5 * time.Second, MaxInterval: time.Minute}

	tracker := &intervalTracker{interval: 2 * time.Hour}
	set := NewTierSet([]*Tier{NewTier([]Tracker{tracker})}, zap.NewNop().Sugar())
	announcer := NewAnnouncer(config, set, events, clk, zap.NewNop().Sugar())

	_, err := announcer.Announce(AnnounceRequest{})
	require.NoError(t, err)
	require.Equal(t, config.DefaultInterval, time.Duration(announcer.interval.Load()))
}
