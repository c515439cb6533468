package giftwrap

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
)

// EventID computes a content-addressed id for an envelope: identical
// inputs yield the same id. Seal draws a fresh ephemeral key and nonce
// per envelope, so two seals of the same payload get different ids.
// The ingress PoW gate measures the enclosing wire.Frame id, not this
// one.
func EventID(recipientPubkeyHex string, parts ...[]byte) []byte {
	h := sha256.New()
	h.Write([]byte(recipientPubkeyHex))
	for _, p := range parts {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(p)))
		h.Write(length[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// LeadingZeroBits counts the PoW difficulty of an event id, the value
// the wire codec compares against the configured minimum (SPEC_FULL.md
// §4.1 step 1).
func LeadingZeroBits(id []byte) int {
	count := 0
	for _, b := range id {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
