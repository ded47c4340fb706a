// Content hashing for cluster payloads. The hash is fixed-width and zero
// when hashing is disabled (HashingEnabled == false), matching the original
// "zero when hashing disabled at build time" rule.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package cmn

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// HashSize is the fixed width of a cluster content hash.
const HashSize = 8

// Hash is a fixed-width content hash; the zero value represents "no hash"
// (hashing disabled at build time, or a discarded cluster before hashing
// of the zero-cluster has been computed).
type Hash [HashSize]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	var buf [HashSize * 2]byte
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf[:])
}

// HashingEnabled gates whether ComputeHash actually hashes content or
// returns the zero hash; toggled at config load time (cmn.Config.Hashing).
var HashingEnabled = true

// ComputeHash returns the xxhash64 of buf, or the zero hash when hashing is
// disabled.
func ComputeHash(buf []byte) Hash {
	if !HashingEnabled {
		return Hash{}
	}
	sum := xxhash.Checksum64(buf)
	var h Hash
	binary.BigEndian.PutUint64(h[:], sum)
	return h
}

// ZeroClusterHash is the hash of a cluster-size buffer of zeros: the
// canonical hash attached to the discarded_location_and_hash sentinel so
// that outside of the store a discarded entry has one representation.
func ZeroClusterHash(clusterSize int) Hash {
	if !HashingEnabled {
		return Hash{}
	}
	zeros := make([]byte, clusterSize)
	return ComputeHash(zeros)
}
