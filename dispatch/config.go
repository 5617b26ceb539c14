package dispatch

import "time"

// Config controls a Dispatcher's piece-request pipelining and unchoke
// policy.
type Config struct {
	// PipelineLimit bounds how many blocks may be outstanding to a single
	// peer at once.
	PipelineLimit int `yaml:"pipeline_limit"`

	// EndgameThreshold is the number of missing pieces at or below which
	// the Dispatcher allows the same block to be requested from more than
	// one peer.
	EndgameThreshold int `yaml:"endgame_threshold"`

	// MaxUnchokedPeers bounds how many interested peers are unchoked at
	// once, not counting the rotating optimistic slot.
	MaxUnchokedPeers int `yaml:"max_unchoked_peers"`

	// UnchokeInterval is how often the regular unchoke ranking is
	// recomputed.
	UnchokeInterval time.Duration `yaml:"unchoke_interval"`

	// OptimisticUnchokeInterval is how often the single optimistic-unchoke
	// slot rotates to a different, otherwise-choked interested peer.
	OptimisticUnchokeInterval time.Duration `yaml:"optimistic_unchoke_interval"`
}

func (c Config) applyDefaults() Config {
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 10
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 20
	}
	if c.MaxUnchokedPeers == 0 {
		c.MaxUnchokedPeers = 4
	}
	if c.UnchokeInterval == 0 {
		c.UnchokeInterval = 10 * time.Second
	}
	if c.OptimisticUnchokeInterval == 0 {
		c.OptimisticUnchokeInterval = 30 * time.Second
	}
	return c
}
