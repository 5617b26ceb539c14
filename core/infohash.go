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
package core

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InfoHashV1 is the 20-byte SHA-1 hash of the bencoded v1 info dictionary.
type InfoHashV1 [20]byte

// InfoHashV2 is the 32-byte SHA-256 hash of the bencoded v2 info dictionary.
type InfoHashV2 [32]byte

// InfoHash identifies a torrent. A torrent created under BEP 52 carries both
// a v1 and a v2 hash (hybrid); a v1-only torrent leaves V2 zero-valued and
// HasV2 false.
type InfoHash struct {
	V1    InfoHashV1
	V2    InfoHashV2
	HasV2 bool
}

// NewInfoHashV1FromHex converts a 40-character hex string into an InfoHashV1.
func NewInfoHashV1FromHex(s string) (InfoHashV1, error) {
	if len(s) != 40 {
		return InfoHashV1{}, fmt.Errorf("invalid v1 hash: expected 40 characters, got %d", len(s))
	}
	var h InfoHashV1
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return InfoHashV1{}, fmt.Errorf("invalid hex: %s", err)
	}
	if n != 20 {
		return InfoHashV1{}, fmt.Errorf("invariant violation: expected 20 bytes, got %d", n)
	}
	return h, nil
}

// NewInfoHashV1FromBytes hashes b with SHA-1 to produce an InfoHashV1.
func NewInfoHashV1FromBytes(b []byte) InfoHashV1 {
	var h InfoHashV1
	sum := sha1.Sum(b)
	copy(h[:], sum[:])
	return h
}

// NewInfoHashV2FromBytes hashes b with SHA-256 to produce an InfoHashV2.
func NewInfoHashV2FromBytes(b []byte) InfoHashV2 {
	var h InfoHashV2
	sum := sha256.Sum256(b)
	copy(h[:], sum[:])
	return h
}

// NewInfoHash constructs a v1-only InfoHash.
func NewInfoHash(v1 InfoHashV1) InfoHash {
	return InfoHash{V1: v1}
}

// NewHybridInfoHash constructs an InfoHash carrying both a v1 and v2 digest.
func NewHybridInfoHash(v1 InfoHashV1, v2 InfoHashV2) InfoHash {
	return InfoHash{V1: v1, V2: v2, HasV2: true}
}

// Bytes returns the v1 digest bytes, which remain the authoritative swarm
// identifier for hybrid and v1-only torrents alike.
func (h InfoHash) Bytes() []byte {
	return h.V1[:]
}

// Hex returns the v1 digest as a hex string.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h.V1[:])
}

func (h InfoHash) String() string {
	return h.Hex()
}

// Equal compares two InfoHash values. Per invariant, v1 digests are compared
// first; if both carry a v2 digest it must also match.
func (h InfoHash) Equal(other InfoHash) bool {
	if !bytes.Equal(h.V1[:], other.V1[:]) {
		return false
	}
	if h.HasV2 && other.HasV2 {
		return bytes.Equal(h.V2[:], other.V2[:])
	}
	return true
}
