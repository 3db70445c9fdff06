// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestControlParserRoundTrip(t *testing.T) {
	target := make([]byte, 10*4096+37)
	for i := range target {
		target[i] = byte(i * 7)
	}

	raw := buildControlFile(target, 4096, 2, 3, 8, []string{"https://example.com/f"}, true)

	state, blocks, err := (ControlParser{}).Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, int64(len(target)), state.FileLen)
	require.Equal(t, int64(4096), state.BlockSize)
	require.Equal(t, uint(12), state.BlockShift)
	require.Equal(t, 2, state.SeqMatches)
	require.Equal(t, 3, state.RsumBytes)
	require.Equal(t, 8, state.ChecksumLen)
	require.Equal(t, []string{"https://example.com/f"}, state.URLs)
	require.Len(t, state.SHA1, 40)
	require.Equal(t, (int64(len(target))+4095)/4096, state.BlockCount)
	require.Len(t, blocks, int(state.BlockCount))

	for i, b := range blocks {
		start := int64(i) * state.BlockSize
		end := start + state.BlockSize
		if end > int64(len(target)) {
			end = int64(len(target))
		}
		buf := make([]byte, state.BlockSize)
		copy(buf, target[start:end])
		// With rsum_bytes=3 only the low byte of A travels on the wire, so
		// the decoded A carries just those bits.
		want := WeakSumOf(buf, state.BlockSize)
		want.A &= aMask(state.RsumBytes)
		require.Equal(t, want, b.Weak)
		require.Equal(t, StrongSumOf(buf, state.ChecksumLen), b.Strong)
	}
}

func TestControlParserRejectsCompressedVariants(t *testing.T) {
	raw := "zsync: 0.6.2\nLength: 10\nBlocksize: 4\nZ-Filename: foo\n\n"
	_, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.Error(t, err)
}

func TestControlParserRejectsRejectedVersion(t *testing.T) {
	raw := "zsync: 0.0.4\nLength: 10\nBlocksize: 4\n\n"
	_, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.Error(t, err)
}

func TestControlParserMissingLength(t *testing.T) {
	raw := "zsync: 0.6.2\nBlocksize: 4\n\n"
	_, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.Error(t, err)
}

func TestControlParserRejectsNonPowerOfTwoBlocksize(t *testing.T) {
	raw := "zsync: 0.6.2\nLength: 10\nBlocksize: 3\n\n"
	_, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.Error(t, err)
}

func TestControlParserSafeHeaderWhitelisting(t *testing.T) {
	raw := "zsync: 0.6.2\nLength: 4\nBlocksize: 4\nSafe: X-Custom\nX-Custom: hello\n\n" + string(make([]byte, 4+8))
	_, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.NoError(t, err)
}

func TestControlParserUnknownHeaderRejected(t *testing.T) {
	raw := "zsync: 0.6.2\nLength: 4\nBlocksize: 4\nX-Custom: hello\n\n" + string(make([]byte, 4+8))
	_, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.Error(t, err)
}

func TestControlParserParsesMTime(t *testing.T) {
	raw := "zsync: 0.6.2\nLength: 4\nBlocksize: 4\nMTime: Fri, 10 Jan 2025 12:00:00 +0000\n\n" + string(make([]byte, 4+8))
	state, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.NoError(t, err)
	require.True(t, state.HasMTime)

	want, err := time.Parse(time.RFC1123Z, "Fri, 10 Jan 2025 12:00:00 +0000")
	require.NoError(t, err)
	require.True(t, state.MTime.Equal(want))
}

func TestControlParserRejectsInvalidMTime(t *testing.T) {
	raw := "zsync: 0.6.2\nLength: 4\nBlocksize: 4\nMTime: not-a-date\n\n" + string(make([]byte, 4+8))
	_, _, err := (ControlParser{}).Parse(bytes.NewReader([]byte(raw)))
	require.Error(t, err)
}
