package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yoep/popcorn-fx-torrent-engine/utils/bandwidth"
)

func TestBandwidthLimiterDisabledHasNoGlobalLimiters(t *testing.T) {
	b, err := newBandwidthLimiter(bandwidth.Config{})
	require.NoError(t, err)
	require.Nil(t, b.Egress())
	require.Nil(t, b.Ingress())
}

func TestBandwidthLimiterDividesPerTorrentConfig(t *testing.T) {
	b, err := newBandwidthLimiter(bandwidth.Config{
		Enable:            true,
		EgressBitsPerSec:  1000,
		IngressBitsPerSec: 2000,
		TokenSize:         100,
	})
	require.NoError(t, err)
	require.NotNil(t, b.Egress())
	require.NotNil(t, b.Ingress())

	b.Adjust(2)
	cfg := b.perTorrentConfig()
	require.Equal(t, uint64(500), cfg.EgressBitsPerSec)
	require.Equal(t, uint64(1000), cfg.IngressBitsPerSec)
}
