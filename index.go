// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

// noBlock marks the absence of a chain link or bucket head.
const noBlock int64 = -1

// ChecksumIndex is a two-level hash index over per-block weak checksums: a
// coarse bit filter for cheap negative lookups and chained buckets keyed
// by weakHash for positive ones. It is built lazily and invalidated
// whenever a BlockMeta it indexes is mutated.
type ChecksumIndex struct {
	blocks     []BlockMeta // shared with the owning session; stationary
	seqMatches int
	rsumBytes  int
	hashMask   uint32
	bitMask    uint32
	buckets    []int64
	bit        []bool
	built      bool

	// Rover is the RollingMatcher's "next_match" chain-restriction
	// pointer (see spec section 4.4 step 1, the "onlyone" branch).
	// ChecksumIndex.Remove clears it when the removed block is the
	// block currently being tracked.
	Rover int64
}

// NewChecksumIndex constructs an unbuilt index over blocks.
func NewChecksumIndex(blocks []BlockMeta, seqMatches, rsumBytes int) *ChecksumIndex {
	return &ChecksumIndex{
		blocks:     blocks,
		seqMatches: seqMatches,
		rsumBytes:  rsumBytes,
		Rover:      noBlock,
	}
}

// Built reports whether the bucket/bit tables are current.
func (ci *ChecksumIndex) Built() bool { return ci.built }

// Invalidate wipes the index; the next Lookup call rebuilds it. Called
// whenever a BlockMeta is mutated out from under the index.
func (ci *ChecksumIndex) Invalidate() {
	ci.built = false
	ci.buckets = nil
	ci.bit = nil
	ci.Rover = noBlock
}

// nextWeakB returns the low 16-bit half of the weak sum of the block after
// bid, or 0 if there is no such block (seqMatches==1 mode never consults
// this value).
func (ci *ChecksumIndex) nextWeakB(bid int64) uint16 {
	next := bid + 1
	if next < 0 || next >= int64(len(ci.blocks)) {
		return 0
	}
	return ci.blocks[next].Weak.B
}

func (ci *ChecksumIndex) hashOf(bid int64) uint32 {
	return weakHash(ci.blocks[bid].Weak, ci.nextWeakB(bid), ci.seqMatches, ci.rsumBytes)
}

// Build sizes the bucket table to 2<<k entries, where k starts at 16 and is
// lowered while 2<<(k-1) exceeds block_count, but not below 4; the bit
// filter gets 2<<(k+3) entries. It then walks the block array in reverse (so
// prepending yields ascending BlockId within each chain), skipping any
// block already present in known (the "already have it, not indexed"
// invariant), and unconditionally marking that block's bit-filter bit.
func (ci *ChecksumIndex) Build(known *RangeSet) {
	blockCount := int64(len(ci.blocks))

	k := 16
	for (int64(2)<<(uint(k)-1)) > blockCount && k > 4 {
		k--
	}
	ci.hashMask = uint32((2 << uint(k)) - 1)
	ci.bitMask = uint32((2 << uint(k+3)) - 1)

	ci.buckets = make([]int64, ci.hashMask+1)
	for i := range ci.buckets {
		ci.buckets[i] = noBlock
	}
	ci.bit = make([]bool, ci.bitMask+1)

	for bid := blockCount - 1; bid >= 0; bid-- {
		if known != nil && known.Contains(bid) {
			continue
		}
		h := ci.hashOf(bid)
		ci.bit[h&ci.bitMask] = true

		bucket := h & ci.hashMask
		ci.blocks[bid].Next = ci.buckets[bucket]
		ci.buckets[bucket] = bid
	}

	ci.built = true
	ci.Rover = noBlock
}

// Remove unlinks bid from its weak-hash chain. The bit-filter bit is left
// set (it is conservative: false positives are fine, false negatives are
// not). If bid is the matcher's current rover, the rover is cleared too.
func (ci *ChecksumIndex) Remove(bid int64) {
	if !ci.built {
		return
	}
	h := ci.hashOf(bid)
	bucket := h & ci.hashMask

	cur := ci.buckets[bucket]
	if cur == bid {
		ci.buckets[bucket] = ci.blocks[bid].Next
	} else {
		for cur != noBlock {
			next := ci.blocks[cur].Next
			if next == bid {
				ci.blocks[cur].Next = ci.blocks[bid].Next
				break
			}
			cur = next
		}
	}
	ci.blocks[bid].Next = noBlock

	if ci.Rover == bid {
		ci.Rover = noBlock
	}
}

// Lookup tests the bit filter and, on a possible hit, returns the head of
// the candidate chain for the given rolling weak-sum pair (or noBlock).
func (ci *ChecksumIndex) Lookup(w WeakSum, bNext uint16) int64 {
	if !ci.built {
		return noBlock
	}
	h := weakHash(w, bNext, ci.seqMatches, ci.rsumBytes)
	if !ci.bit[h&ci.bitMask] {
		return noBlock
	}
	return ci.buckets[h&ci.hashMask]
}

// Chain follows the Next pointer for a candidate block id.
func (ci *ChecksumIndex) Chain(bid int64) int64 {
	return ci.blocks[bid].Next
}
