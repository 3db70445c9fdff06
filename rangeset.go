// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "sort"

// span is a closed, inclusive [Lo, Hi] block-id interval.
type span struct {
	Lo, Hi int64
}

// RangeSet holds disjoint, sorted, closed block-id intervals. It records
// which blocks of the target are already materialized in the scratch file.
type RangeSet struct {
	ranges []span
}

// NewRangeSet returns an empty set.
func NewRangeSet() *RangeSet {
	return &RangeSet{}
}

// Len reports how many blocks are covered in total.
func (rs *RangeSet) Len() int64 {
	var n int64
	for _, r := range rs.ranges {
		n += r.Hi - r.Lo + 1
	}
	return n
}

// find returns the index of the range containing x, or the index at which
// a new range containing only x would be inserted (sort.Search for the
// first range whose Hi is >= x).
func (rs *RangeSet) find(x int64) (idx int, contains bool) {
	i := sort.Search(len(rs.ranges), func(i int) bool {
		return rs.ranges[i].Hi >= x
	})
	if i < len(rs.ranges) && rs.ranges[i].Lo <= x {
		return i, true
	}
	return i, false
}

// Contains reports whether block x is already known.
func (rs *RangeSet) Contains(x int64) bool {
	_, ok := rs.find(x)
	return ok
}

// NextKnown returns the smallest known block id >= x, or blockCount if
// none exists. If x itself is inside a range, x is returned.
func (rs *RangeSet) NextKnown(x int64, blockCount int64) int64 {
	i, ok := rs.find(x)
	if ok {
		return x
	}
	if i < len(rs.ranges) {
		return rs.ranges[i].Lo
	}
	return blockCount
}

// Insert adds block x to the set, merging adjacent ranges per the fixed
// tie-break order: no-op if already contained; merge both neighbors if x
// bridges them; else extend the neighbor whose edge touches x; else create
// a new singleton range.
func (rs *RangeSet) Insert(x int64) {
	i, ok := rs.find(x)
	if ok {
		return
	}

	touchesLeft := i > 0 && rs.ranges[i-1].Hi == x-1
	touchesRight := i < len(rs.ranges) && rs.ranges[i].Lo == x+1

	switch {
	case touchesLeft && touchesRight:
		rs.ranges[i-1].Hi = rs.ranges[i].Hi
		rs.ranges = append(rs.ranges[:i], rs.ranges[i+1:]...)
	case touchesLeft:
		rs.ranges[i-1].Hi = x
	case touchesRight:
		rs.ranges[i].Lo = x
	default:
		rs.ranges = append(rs.ranges, span{})
		copy(rs.ranges[i+1:], rs.ranges[i:])
		rs.ranges[i] = span{Lo: x, Hi: x}
	}
}

// Complement returns the closed gaps [Lo, Hi] within [from, to] (both
// inclusive block ids) that are NOT covered by the set.
func (rs *RangeSet) Complement(from, to int64) []span {
	var gaps []span
	cursor := from
	for _, r := range rs.ranges {
		if r.Hi < from {
			continue
		}
		if r.Lo > to {
			break
		}
		lo, hi := r.Lo, r.Hi
		if lo < from {
			lo = from
		}
		if hi > to {
			hi = to
		}
		if cursor < lo {
			gaps = append(gaps, span{Lo: cursor, Hi: lo - 1})
		}
		if hi+1 > cursor {
			cursor = hi + 1
		}
	}
	if cursor <= to {
		gaps = append(gaps, span{Lo: cursor, Hi: to})
	}
	return gaps
}
