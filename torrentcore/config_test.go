package torrentcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigApplyDefaults(t *testing.T) {
	require := require.New(t)

	c := Config{}.applyDefaults()
	require.Equal(500*time.Millisecond, c.TickInterval)
	require.Equal(50, c.TargetPeerCount)
	require.Equal(10*time.Second, c.MetadataRequestTimeout)
	require.Equal(90*time.Second, c.DhtLookupInterval)
	require.Equal(3, c.DhtLookupAlpha)
	require.Equal(10*time.Second, c.PeerDialTimeout)
}

func TestConfigApplyDefaultsPreservesExplicitValues(t *testing.T) {
	require := require.New(t)

	c := Config{TargetPeerCount: 10, DhtLookupAlpha: 1}.applyDefaults()
	require.Equal(10, c.TargetPeerCount)
	require.Equal(1, c.DhtLookupAlpha)
	// Untouched fields still pick up defaults.
	require.Equal(500*time.Millisecond, c.TickInterval)
}
