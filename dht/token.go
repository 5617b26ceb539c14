package dht

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
)

// tokenSize is the length of a get_peers/announce_peer token: a truncated
// SHA-1 digest, not a full 20-byte hash.
const tokenSize = 4

// tokenRotationInterval is how long a secret generates valid tokens before
// it is rotated; the previous secret remains valid for one more interval
// so tokens handed out just before a rotation are not immediately
// rejected.
const tokenRotationInterval = 10 * time.Minute

// TokenSecret mints and validates the opaque tokens exchanged in
// get_peers/announce_peer, rotating its secret periodically while still
// accepting tokens minted under the previous secret.
type TokenSecret struct {
	secret    [20]byte
	oldSecret [20]byte
	refreshed time.Time
	clk       clock.Clock
}

// NewTokenSecret creates a TokenSecret with a freshly randomized secret.
func NewTokenSecret(clk clock.Clock) *TokenSecret {
	if clk == nil {
		clk = clock.New()
	}
	t := &TokenSecret{clk: clk, refreshed: clk.Now()}
	rand.Read(t.secret[:])
	return t
}

func (t *TokenSecret) maybeRotate() {
	if t.clk.Now().Sub(t.refreshed) < tokenRotationInterval {
		return
	}
	t.oldSecret = t.secret
	rand.Read(t.secret[:])
	t.refreshed = t.clk.Now()
}

func tokenFor(addr *net.UDPAddr, secret [20]byte) []byte {
	h := sha1.New()
	h.Write([]byte(addr.IP.String()))
	h.Write(secret[:])
	sum := h.Sum(nil)
	return sum[:tokenSize]
}

// Generate mints a token for addr under the current secret, rotating the
// secret first if it has aged past tokenRotationInterval.
func (t *TokenSecret) Generate(addr *net.UDPAddr) []byte {
	t.maybeRotate()
	return tokenFor(addr, t.secret)
}

// Validate reports whether token was minted for addr under either the
// current or the immediately previous secret.
func (t *TokenSecret) Validate(addr *net.UDPAddr, token []byte) bool {
	t.maybeRotate()
	want := tokenFor(addr, t.secret)
	if bytes.Equal(want, token) {
		return true
	}
	want = tokenFor(addr, t.oldSecret)
	return bytes.Equal(want, token)
}
