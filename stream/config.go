// Package stream exposes a torrent's files over HTTP range requests,
// blocking a response only on the pieces it still needs and bumping their
// priority so the scheduler fetches them ahead of the rest of the swarm.
package stream

import "time"

// Config bounds a stream's readahead window and stall timeout.
type Config struct {
	// ReadaheadWindow is the number of pieces ahead of a reader's cursor
	// kept at PriorityReadahead; pieces beyond it sit at PriorityNormal.
	ReadaheadWindow int `yaml:"readahead_window"`
	// StallTimeout terminates a response body if no piece the reader is
	// waiting on completes within this long.
	StallTimeout time.Duration `yaml:"stall_timeout"`
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`
}

func (c Config) applyDefaults() Config {
	if c.ReadaheadWindow == 0 {
		c.ReadaheadWindow = 5
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = 120 * time.Second
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	return c
}
