package tracker

import (
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// AnnouncerConfig bounds the default and maximum periodic announce
// interval, mirroring the [60s, 1h] bound on a tracker-provided interval.
type AnnouncerConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func (c AnnouncerConfig) applyDefaults() AnnouncerConfig {
	if c.DefaultInterval == 0 {
		c.DefaultInterval = 2 * time.Minute
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = time.Hour
	}
	return c
}

// AnnouncerEvents notifies a ticker's owner that it's time to announce.
type AnnouncerEvents interface {
	AnnounceTick()
}

// Announcer drives one torrent's periodic announces against its TierSet,
// adjusting the ticker to the tracker-provided interval after each
// response. Grounded on Kraken's lib/torrent/scheduler/announcer.Announcer,
// generalized from a single always-on announce client to a TierSet and
// BEP 3's started/completed/stopped event vocabulary.
type Announcer struct {
	config   AnnouncerConfig
	tiers    *TierSet
	events   AnnouncerEvents
	interval *atomic.Int64
	timer    *clock.Timer
	logger   *zap.SugaredLogger
}

// NewAnnouncer creates an Announcer driving tiers on behalf of one torrent.
func NewAnnouncer(
	config AnnouncerConfig,
	tiers *TierSet,
	events AnnouncerEvents,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Announcer {
	config = config.applyDefaults()
	return &Announcer{
		config:   config,
		tiers:    tiers,
		events:   events,
		interval: atomic.NewInt64(int64(config.DefaultInterval)),
		timer:    clk.Timer(config.DefaultInterval),
		logger:   logger,
	}
}

// Announce issues req against the tier set and, on success, updates the
// interval the Ticker loop will wait before the next periodic announce.
func (a *Announcer) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	resp, err := a.tiers.Announce(req)
	if err != nil {
		return AnnounceResponse{}, err
	}

	interval := resp.Interval
	if interval == 0 {
		interval = a.config.DefaultInterval
	}
	if interval > a.config.MaxInterval {
		interval = a.config.DefaultInterval
	}
	if a.interval.Swap(int64(interval)) != int64(interval) {
		a.logger.Infof("announce interval updated to %s", interval)
	}
	return resp, nil
}

// Ticker emits AnnounceTick events at the current announce interval until
// done is closed. The interval may change between ticks via Announce.
func (a *Announcer) Ticker(done <-chan struct{}) {
	for {
		select {
		case <-a.timer.C:
			a.events.AnnounceTick()
			a.timer.Reset(time.Duration(a.interval.Load()))
		case <-done:
			return
		}
	}
}
