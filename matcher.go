// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// RollingMatcher slides a window over an arbitrary byte stream, maintains
// one or two rolling weak sums, probes a ChecksumIndex, verifies
// candidates by strong hash, and writes accepted blocks into a
// ScratchStore while updating a RangeSet of now-known blocks.
type RollingMatcher struct {
	state   *SessionState
	blocks  []BlockMeta
	index   *ChecksumIndex
	known   *RangeSet
	scratch *ScratchStore
	log     Logger
}

// NewRollingMatcher wires a matcher against the session's shared state.
func NewRollingMatcher(state *SessionState, blocks []BlockMeta, index *ChecksumIndex, known *RangeSet, scratch *ScratchStore, log Logger) *RollingMatcher {
	if log == nil {
		log = NopLogger{}
	}
	return &RollingMatcher{state: state, blocks: blocks, index: index, known: known, scratch: scratch, log: log}
}

// slidingBuffer implements the buffer-refill scheme of section 4.4: a
// capacity of 16*block_size+context bytes, refilled from the underlying
// reader, carrying the trailing `context` bytes forward across refills so
// matches spanning a refill boundary are still found. At EOF, windows
// beyond the stream are zero-padded rather than mutating the live buffer.
type slidingBuffer struct {
	r       io.Reader
	buf     []byte
	base    int64 // absolute stream offset corresponding to buf[0]
	dataLen int64 // valid bytes in buf, starting at index 0
	eof     bool
	context int64
}

func newSlidingBuffer(r io.Reader, blockSize, context int64) *slidingBuffer {
	capacity := 16*blockSize + context
	if capacity < context {
		capacity = context
	}
	return &slidingBuffer{r: r, buf: make([]byte, capacity), context: context}
}

// ensure guarantees that, unless eof, at least `need` bytes are available
// starting at absolute position x; it compacts and refills as needed.
func (s *slidingBuffer) ensure(x, need int64) error {
	for !s.eof && (x-s.base+need) > s.dataLen {
		if x > s.base {
			// Compact: drop everything before x, keeping data from x
			// onward for the refill (equivalent to the reference's "keep
			// the last `context` bytes" once x has advanced near the
			// buffer's tail).
			copy(s.buf, s.buf[x-s.base:s.dataLen])
			s.dataLen -= x - s.base
			s.base = x
		}
		n, err := io.ReadFull(s.r, s.buf[s.dataLen:])
		s.dataLen += int64(n)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			s.eof = true
		} else if err != nil {
			return errors.Wrapf(ErrSeedIO, "reading seed: %v", err)
		}
	}
	return nil
}

// window returns exactly n bytes starting at absolute offset x, zero
// padding past EOF.
func (s *slidingBuffer) window(x, n int64) []byte {
	rel := x - s.base
	avail := s.dataLen - rel
	if avail < 0 {
		avail = 0
	}
	if avail >= n {
		return s.buf[rel : rel+n]
	}
	out := make([]byte, n)
	if avail > 0 {
		copy(out, s.buf[rel:rel+avail])
	}
	return out
}

func (s *slidingBuffer) atEnd(x int64) bool {
	return s.eof && x-s.base >= s.dataLen
}

// rollState tracks one rolling weak-sum pair across window slides.
type rollState struct {
	a, b uint16
}

func rollInit(window []byte) rollState {
	w := WeakSumOf(window, int64(len(window)))
	return rollState{a: w.A, b: w.B}
}

// rollAdvance applies the canonical rsync update: a' = a+new-old,
// b' = b+a'-(old<<block_shift). old and new are raw byte values.
func rollAdvance(r rollState, old, new byte, blockShift uint) rollState {
	a := uint32(r.a) + uint32(new) - uint32(old)
	a &= 0xffff
	b := uint32(r.b) + a - (uint32(old) << blockShift)
	b &= 0xffff
	return rollState{a: uint16(a), b: uint16(b)}
}

// Scan streams seed through the window, writing every accepted block to
// the ScratchStore and updating the shared RangeSet and ChecksumIndex.
func (m *RollingMatcher) Scan(seed io.Reader) error {
	bs := m.state.BlockSize
	seqMatches := m.state.SeqMatches

	if !m.index.Built() {
		m.index.Build(m.known)
	}

	buf := newSlidingBuffer(seed, bs, m.state.Context)

	var x int64
	var r1 rollState
	haveRoll := false
	var r2 rollState

	context := m.state.Context

	initRoll := func() error {
		if err := buf.ensure(x, context); err != nil {
			return err
		}
		r1 = rollInit(buf.window(x, bs))
		if seqMatches > 1 {
			r2 = rollInit(buf.window(x+bs, bs))
		}
		haveRoll = true
		return nil
	}

	for {
		if err := buf.ensure(x, context); err != nil {
			return err
		}
		if buf.atEnd(x) {
			return nil
		}
		if !haveRoll {
			if err := initRoll(); err != nil {
				return err
			}
		}

		matched, matchedCount, err := m.tryMatch(x, r1, r2, buf)
		if err != nil {
			return err
		}

		if matched >= 0 {
			if err := m.accept(BlockID(matched), matchedCount, x, buf); err != nil {
				return err
			}
			x += bs * int64(matchedCount)
			haveRoll = false
			continue
		}

		// No match: advance one byte and roll the sums forward. We need
		// one byte beyond the current context window to know the
		// incoming byte(s) for the next position.
		if err := buf.ensure(x, context+1); err != nil {
			return err
		}
		old1 := buf.window(x, 1)[0]
		new1 := buf.window(x+bs, 1)[0]
		r1 = rollAdvance(r1, old1, new1, m.state.BlockShift)
		if seqMatches > 1 {
			old2 := buf.window(x+bs, 1)[0]
			new2 := buf.window(x+2*bs, 1)[0]
			r2 = rollAdvance(r2, old2, new2, m.state.BlockShift)
		}
		x++

		if buf.atEnd(x) {
			return nil
		}
	}
}

// tryMatch probes the index (or the matcher's rover from a prior match)
// for a candidate at position x, verifying by strong hash. It returns the
// matched starting BlockID (or -1) and how many consecutive blocks were
// confirmed (1 or seqMatches).
func (m *RollingMatcher) tryMatch(x int64, r1, r2 rollState, buf *slidingBuffer) (int64, int, error) {
	seqMatches := m.state.SeqMatches
	rsumBytes := m.state.RsumBytes
	w1 := WeakSum{A: r1.a, B: r1.b}

	var bNext uint16
	if seqMatches > 1 {
		bNext = r2.b
	}

	tryCandidate := func(bid int64) (bool, error) {
		if bid < 0 || bid >= int64(len(m.blocks)) {
			return false, nil
		}
		e := m.blocks[bid]
		if !w1.Equal(e.Weak, rsumBytes) {
			return false, nil
		}
		if seqMatches > 1 {
			if bid+1 >= int64(len(m.blocks)) {
				return false, nil
			}
			next := m.blocks[bid+1]
			w2 := WeakSum{A: r2.a, B: r2.b}
			if !w2.Equal(next.Weak, rsumBytes) {
				return false, nil
			}
		}

		strong1 := StrongSumOf(buf.window(x, m.state.BlockSize), m.state.ChecksumLen)
		if !bytes.Equal(strong1, e.Strong) {
			return false, nil
		}
		if seqMatches > 1 {
			strong2 := StrongSumOf(buf.window(x+m.state.BlockSize, m.state.BlockSize), m.state.ChecksumLen)
			if !bytes.Equal(strong2, m.blocks[bid+1].Strong) {
				return false, nil
			}
		}
		return true, nil
	}

	// Section 4.4 steps 1/2: a predicted next block (the rover, set by a
	// prior accept) is tried on its own; the hash table is only consulted
	// when there is no prediction, never as a fallback after a failed one.
	if m.index.Rover != noBlock {
		rover := m.index.Rover
		ok, err := tryCandidate(rover)
		if err != nil {
			return -1, 0, err
		}
		m.index.Rover = noBlock
		if ok {
			return rover, seqMatches, nil
		}
		return -1, 0, nil
	}

	head := m.index.Lookup(w1, bNext)
	for bid := head; bid != noBlock; bid = m.index.Chain(bid) {
		ok, err := tryCandidate(bid)
		if err != nil {
			return -1, 0, err
		}
		if ok {
			return bid, seqMatches, nil
		}
	}
	return -1, 0, nil
}

// accept writes the matched run to scratch, respecting blocks already
// known (write_count may be less than matchedCount so we never overwrite
// a block we already have), and arranges for the next window to try only
// the following block first via the index's rover.
func (m *RollingMatcher) accept(bid BlockID, matchedCount int, x int64, buf *slidingBuffer) error {
	blockCount := m.state.BlockCount
	nextPos := int64(bid) + int64(matchedCount)
	nextKnown := m.known.NextKnown(nextPos, blockCount)

	var writeCount int64
	if nextKnown > nextPos {
		writeCount = int64(matchedCount)
		m.index.Rover = nextPos
	} else {
		writeCount = nextKnown - int64(bid)
		m.index.Rover = noBlock
	}
	if writeCount <= 0 {
		return nil
	}

	hi := bid + BlockID(writeCount) - 1
	data := buf.window(x, writeCount*m.state.BlockSize)
	return m.writeBlocks(bid, hi, data)
}

func (m *RollingMatcher) writeBlocks(lo, hi BlockID, data []byte) error {
	if err := m.scratch.WriteBlocks(lo, hi, data); err != nil {
		return err
	}
	for b := lo; b <= hi; b++ {
		m.index.Remove(int64(b))
		m.known.Insert(int64(b))
	}
	return nil
}
