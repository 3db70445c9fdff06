// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "golang.org/x/crypto/md4"

// rsumMod is the modulus for both halves of the rolling weak checksum.
const rsumMod = 0x10000

// WeakSumOf computes the non-rolling Adler-style checksum of block,
// weighting bytes as if the window were exactly blockSize bytes long (any
// bytes beyond len(block) are treated as zero, matching zero-padding of a
// short final block).
func WeakSumOf(block []byte, blockSize int64) WeakSum {
	var a, b uint32
	n := uint32(blockSize)
	for i, c := range block {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	return WeakSum{
		A: uint16(a % rsumMod),
		B: uint16(b % rsumMod),
	}
}

// StrongSumOf returns the first checksumBytes bytes of MD4(block).
func StrongSumOf(block []byte, checksumBytes int) []byte {
	h := md4.New()
	h.Write(block)
	sum := h.Sum(nil)
	if checksumBytes > len(sum) {
		checksumBytes = len(sum)
	}
	out := make([]byte, checksumBytes)
	copy(out, sum[:checksumBytes])
	return out
}

// weakHash folds a pair of adjacent blocks' weak sums (or a single block's
// when seqMatches == 1) into the index hash used by both bucket and bit
// filter lookups. bNext is only consulted when seqMatches > 1.
func weakHash(w WeakSum, bNext uint16, seqMatches int, rsumBytes int) uint32 {
	h := uint32(w.B)
	var mixIn uint32
	if seqMatches > 1 {
		mixIn = uint32(bNext)
	} else {
		mixIn = uint32(w.A) & uint32(aMask(rsumBytes))
	}
	h ^= mixIn << 3
	return h
}
