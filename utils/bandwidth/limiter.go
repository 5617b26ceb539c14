// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bandwidth provides a token-bucket egress/ingress rate limiter for
// peer connections.
package bandwidth

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, in bits. It
	// avoids integer overflow errors that would occur if every bit mapped to
	// a token.
	TokenSize uint64 `yaml:"token_size"`

	Enable bool `yaml:"enable"`
}

// Limiter throttles egress and ingress bandwidth via independent
// token-bucket rate limiters. A Limiter also supports dynamic adjustment so
// a session can fairly divide its configured bandwidth across multiple
// torrents.
type Limiter struct {
	config Config

	mu      sync.Mutex
	egress  *rate.Limiter
	ingress *rate.Limiter

	egressLimit  int64
	ingressLimit int64
}

// NewLimiter creates a new Limiter. When config.Enable is false, both
// directions are unthrottled and Reserve* calls always succeed immediately.
func NewLimiter(config Config) (*Limiter, error) {
	l := &Limiter{config: config}
	if !config.Enable {
		return l, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("egress_bits_per_sec must be non-zero when enabled")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("ingress_bits_per_sec must be non-zero when enabled")
	}
	l.egressLimit = int64(config.EgressBitsPerSec)
	l.ingressLimit = int64(config.IngressBitsPerSec)
	l.egress = newTokenBucket(config.EgressBitsPerSec, config.TokenSize)
	l.ingress = newTokenBucket(config.IngressBitsPerSec, config.TokenSize)
	return l, nil
}

func newTokenBucket(bitsPerSec, tokenSize uint64) *rate.Limiter {
	tps := bitsPerSec / tokenSize
	if tps == 0 {
		tps = 1
	}
	return rate.NewLimiter(rate.Limit(tps), int(tps))
}

// ReserveEgress blocks until bandwidth for nbytes of egress traffic is
// available, returning an error if nbytes exceeds the bucket's capacity.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes, "egress")
}

// ReserveIngress blocks until bandwidth for nbytes of ingress traffic is
// available, returning an error if nbytes exceeds the bucket's capacity.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes, "ingress")
}

func (l *Limiter) reserve(limiter *rate.Limiter, nbytes int64, direction string) error {
	if !l.config.Enable {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := limiter.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf("cannot reserve %d bytes of %s bandwidth, exceeds bucket capacity", nbytes, direction)
	}
	time.Sleep(r.Delay())
	return nil
}

// Adjust divides the configured egress and ingress rates by denom, so a
// session can fairly share its bandwidth budget across denom concurrent
// torrents. The adjusted rate is always at least 1 bit/sec.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return fmt.Errorf("denom must be positive, got %d", denom)
	}
	if !l.config.Enable {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	newEgress := ceilDiv(int64(l.config.EgressBitsPerSec), denom)
	newIngress := ceilDiv(int64(l.config.IngressBitsPerSec), denom)

	l.egressLimit = newEgress
	l.ingressLimit = newIngress
	l.egress.SetLimit(rate.Limit(tokensPerSec(uint64(newEgress), l.config.TokenSize)))
	l.ingress.SetLimit(rate.Limit(tokensPerSec(uint64(newIngress), l.config.TokenSize)))
	return nil
}

func tokensPerSec(bitsPerSec, tokenSize uint64) uint64 {
	tps := bitsPerSec / tokenSize
	if tps == 0 {
		tps = 1
	}
	return tps
}

func ceilDiv(n int64, denom int) int64 {
	return int64(math.Ceil(float64(n) / float64(denom)))
}

// EgressLimit returns the current egress rate limit in bits/sec.
func (l *Limiter) EgressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.egressLimit
}

// IngressLimit returns the current ingress rate limit in bits/sec.
func (l *Limiter) IngressLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ingressLimit
}
