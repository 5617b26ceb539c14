package dht

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestTokenSecretSize(t *testing.T) {
	clk := clock.NewMock()
	ts := NewTokenSecret(clk)
	addr := mustUDPAddr(t, "10.0.0.1:6881")

	token := ts.Generate(addr)
	require.Len(t, token, tokenSize)
}

func TestTokenSecretAcceptsPreviousGenerationDuringOverlap(t *testing.T) {
	clk := clock.NewMock()
	ts := NewTokenSecret(clk)
	addr := mustUDPAddr(t, "10.0.0.1:6881")

	oldToken := ts.Generate(addr)

	clk.Add(tokenRotationInterval + time.Second)
	require.True(t, ts.Validate(addr, oldToken))

	newToken := ts.Generate(addr)
	require.NotEqual(t, oldToken, newToken)
	require.True(t, ts.Validate(addr, newToken))

	// A third generation should no longer accept the first.
	clk.Add(tokenRotationInterval + time.Second)
	ts.Generate(addr)
	require.False(t, ts.Validate(addr, oldToken))
}

func TestTokenSecretRejectsWrongAddress(t *testing.T) {
	clk := clock.NewMock()
	ts := NewTokenSecret(clk)
	token := ts.Generate(mustUDPAddr(t, "10.0.0.1:6881"))
	require.False(t, ts.Validate(mustUDPAddr(t, "10.0.0.2:6881"), token))
}
