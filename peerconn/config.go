package peerconn

import (
	"time"

	"github.com/yoep/popcorn-fx-torrent-engine/utils/bandwidth"
)

// Config configures Handshaker and the Conns it produces.
type Config struct {
	// HandshakeTimeout bounds dialing, writing, and reading during the BEP 3
	// handshake and the BEP 10 extension handshake that immediately follows it.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SenderBufferSize is the depth of a Conn's outbound message channel.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the depth of a Conn's inbound message channel.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// KeepAliveInterval is how often a Conn sends a keep-alive when the
	// outbound channel is otherwise idle.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 100
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 100
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	return c
}
