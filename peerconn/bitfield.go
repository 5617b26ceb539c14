package peerconn

import "github.com/willf/bitset"

// BitfieldBytesToBitSet decodes a BEP 3 "bitfield" message payload (one bit
// per piece, most significant bit first, zero-padded to a byte boundary)
// into a bitset. This is unrelated to bitset's own MarshalBinary format.
func BitfieldBytesToBitSet(data []byte, numPieces int) *bitset.BitSet {
	bs := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		bit := 7 - uint(i%8)
		if data[byteIdx]&(1<<bit) != 0 {
			bs.Set(uint(i))
		}
	}
	return bs
}

// BitSetToBitfieldBytes encodes bs into BEP 3 "bitfield" wire format, for
// building the payload of an outgoing bitfield message.
func BitSetToBitfieldBytes(bs *bitset.BitSet) []byte {
	n := bs.Len()
	out := make([]byte, (n+7)/8)
	for i := uint(0); i < n; i++ {
		if bs.Test(i) {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}
