// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFetcher serves ranges directly out of an in-memory copy of the
// target, recording every range it was asked for so tests can assert on
// how many remote bytes a scenario actually required.
type fakeFetcher struct {
	remote        []byte
	requestedURLs []string
	requested     [][]ByteRange
	fail          map[string]bool
}

func (f *fakeFetcher) FetchRanges(ctx context.Context, url string, ranges []ByteRange) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, len(ranges))
	errc := make(chan error, 1)

	f.requestedURLs = append(f.requestedURLs, url)
	f.requested = append(f.requested, ranges)

	go func() {
		defer close(chunks)
		defer close(errc)
		if f.fail[url] {
			errc <- &HTTPStatusError{Code: 500, Message: "boom"}
			return
		}
		for _, r := range ranges {
			end := r.End + 1
			if end > int64(len(f.remote)) {
				end = int64(len(f.remote))
			}
			chunks <- Chunk{Offset: r.Start, Payload: append([]byte{}, f.remote[r.Start:end]...)}
		}
	}()

	return chunks, errc
}

func newSessionForTest(t *testing.T, target []byte, blockSize int64, urls []string, withSHA1 bool) *SyncSession {
	t.Helper()
	raw := buildControlFile(target, blockSize, 1, 4, 8, urls, withSHA1)
	dir := t.TempDir()
	session, err := BeginSession(bytes.NewReader(raw), fakeTempDir{dir: dir}, nil)
	require.NoError(t, err)
	return session
}

func TestSyncSessionSeedExactCopyNeedsNoFetch(t *testing.T) {
	target := makeTarget(11, 20*64)
	session := newSessionForTest(t, target, 64, []string{"https://mirror.example/f"}, true)
	defer session.Close()

	require.NoError(t, session.SubmitSeed("seed", bytes.NewReader(target)))
	require.Equal(t, StatusComplete, session.Status())
	require.Empty(t, session.NeededByteRanges())
}

func TestSyncSessionHalfSeedFetchesRemainderOnly(t *testing.T) {
	target := makeTarget(12, 20*64)
	session := newSessionForTest(t, target, 64, []string{"https://mirror.example/f"}, true)
	defer session.Close()

	half := target[:len(target)/2]
	require.NoError(t, session.SubmitSeed("seed", bytes.NewReader(half)))
	require.Equal(t, StatusPartial, session.Status())

	fetcher := &fakeFetcher{remote: target}
	adapter := NewRemoteFetchAdapter(session, fetcher)
	require.NoError(t, adapter.Run(context.Background()))

	require.Equal(t, StatusComplete, session.Status())
	require.Len(t, fetcher.requested, 1)
	require.Len(t, fetcher.requested[0], 1)

	dir := session.tempDir.Dir()
	final := dir + "/out"
	require.NoError(t, session.RenameScratch(dir+"/out.part"))
	result, err := session.Complete()
	require.NoError(t, err)
	require.Equal(t, ResultVerified, result)
	require.NoError(t, session.Finalize(final))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.True(t, bytes.Equal(target, got))
}

func TestSyncSessionDuplicateSeedMatchesSingleSeed(t *testing.T) {
	target := makeTarget(13, 10*64)

	s1 := newSessionForTest(t, target, 64, nil, false)
	defer s1.Close()
	require.NoError(t, s1.SubmitSeed("a", bytes.NewReader(target)))

	s2 := newSessionForTest(t, target, 64, nil, false)
	defer s2.Close()
	require.NoError(t, s2.SubmitSeed("a", bytes.NewReader(target)))
	require.NoError(t, s2.SubmitSeed("a", bytes.NewReader(target))) // duplicate path, skipped

	require.Equal(t, s1.known.Len(), s2.known.Len())
	require.Equal(t, s1.Status(), s2.Status())
}

func TestSyncSessionAllURLsExhausted(t *testing.T) {
	target := makeTarget(14, 5*64)
	session := newSessionForTest(t, target, 64, []string{"https://a.example/f", "https://b.example/f"}, false)
	defer session.Close()

	fetcher := &fakeFetcher{remote: target, fail: map[string]bool{
		"https://a.example/f": true,
		"https://b.example/f": true,
	}}
	adapter := NewRemoteFetchAdapter(session, fetcher)
	err := adapter.Run(context.Background())
	require.ErrorIs(t, err, ErrAllURLsExhausted)
}

func TestSyncSessionUncheckedWithoutSHA1(t *testing.T) {
	target := makeTarget(15, 5*64)
	session := newSessionForTest(t, target, 64, nil, false)
	defer session.Close()

	require.NoError(t, session.SubmitSeed("seed", bytes.NewReader(target)))
	result, err := session.Complete()
	require.NoError(t, err)
	require.Equal(t, ResultUnchecked, result)
}

// TestSyncSessionReceiveBytesSplitAcrossPartialBlock exercises the
// disjoint, arbitrarily-chunked receive path from spec.md section 4.7/5: a
// block's bytes arrive split across two ReceiveBytes calls whose boundary
// falls mid-block, rather than a single call per range.
func TestSyncSessionReceiveBytesSplitAcrossPartialBlock(t *testing.T) {
	target := makeTarget(21, 5*16)
	session := newSessionForTest(t, target, 16, nil, true)
	defer session.Close()

	// First call covers block 0 whole and half of block 1.
	require.NoError(t, session.ReceiveBytes(0, target[0:24]))
	require.Equal(t, StatusPartial, session.Status())
	require.True(t, session.known.Contains(0))
	require.False(t, session.known.Contains(1))

	// Second call continues exactly where the first left off, finishing
	// block 1 and delivering the rest of the file.
	require.NoError(t, session.ReceiveBytes(24, target[24:]))
	require.Equal(t, StatusComplete, session.Status())

	dir := session.tempDir.Dir()
	final := dir + "/out"
	require.NoError(t, session.RenameScratch(dir+"/out.part"))
	result, err := session.Complete()
	require.NoError(t, err)
	require.Equal(t, ResultVerified, result)
	require.NoError(t, session.Finalize(final))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.True(t, bytes.Equal(target, got))
}

// TestSyncSessionRemoteFetchFlushesTrailingPartialBlock drives a fully
// remote, non-block-aligned sync end to end: the last block is shorter than
// BlockSize, so the final chunk a mirror returns is clamped to the
// resource's real length (RFC 7233) rather than the requested range. Run
// must flush that trailing partial block itself so it both completes and
// terminates instead of re-requesting the same gap forever.
func TestSyncSessionRemoteFetchFlushesTrailingPartialBlock(t *testing.T) {
	target := makeTarget(24, 5*64+37)
	session := newSessionForTest(t, target, 64, []string{"https://mirror.example/f"}, true)
	defer session.Close()

	require.Equal(t, StatusEmpty, session.Status())

	fetcher := &fakeFetcher{remote: target}
	adapter := NewRemoteFetchAdapter(session, fetcher)
	require.NoError(t, adapter.Run(context.Background()))
	require.Equal(t, StatusComplete, session.Status())

	dir := session.tempDir.Dir()
	final := dir + "/out"
	require.NoError(t, session.RenameScratch(dir+"/out.part"))
	result, err := session.Complete()
	require.NoError(t, err)
	require.Equal(t, ResultVerified, result)
	require.NoError(t, session.Finalize(final))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.True(t, bytes.Equal(target, got))
}

// TestSyncSessionFinalizeRestoresMTime checks that Finalize restores the
// control file's MTime header onto the promoted output file.
func TestSyncSessionFinalizeRestoresMTime(t *testing.T) {
	target := makeTarget(23, 2*16)

	var buf bytes.Buffer
	buf.WriteString("zsync: 0.6.2\n")
	buf.WriteString("Length: 32\n")
	buf.WriteString("Blocksize: 16\n")
	buf.WriteString("Hash-Lengths: 1,4,8\n")
	buf.WriteString("MTime: Fri, 10 Jan 2025 12:00:00 +0000\n")
	buf.WriteString("\n")
	for i := 0; i < 2; i++ {
		block := target[i*16 : i*16+16]
		buf.Write(encodeWeakSumForTest(WeakSumOf(block, 16), 4))
		buf.Write(StrongSumOf(block, 8))
	}

	dir := t.TempDir()
	session, err := BeginSession(bytes.NewReader(buf.Bytes()), fakeTempDir{dir: dir}, nil)
	require.NoError(t, err)
	defer session.Close()
	require.True(t, session.State.HasMTime)

	require.NoError(t, session.SubmitSeed("seed", bytes.NewReader(target)))
	require.Equal(t, StatusComplete, session.Status())

	final := dir + "/out"
	require.NoError(t, session.RenameScratch(dir+"/out.part"))
	_, err = session.Complete()
	require.NoError(t, err)
	require.NoError(t, session.Finalize(final))

	info, err := os.Stat(final)
	require.NoError(t, err)

	want, err := time.Parse(time.RFC1123Z, "Fri, 10 Jan 2025 12:00:00 +0000")
	require.NoError(t, err)
	require.True(t, info.ModTime().Equal(want), "got mtime %v, want %v", info.ModTime(), want)
}

// TestSyncSessionNeededByteRangesCoversFullLastBlockPastFileLen checks that
// NeededByteRanges does not clamp the final range to FileLen-1 for a
// non-block-aligned target, per spec.md section 8 Testable Property 8: an
// empty session's needed range covers the whole last block, truncation to
// FileLen happening later at Complete.
func TestSyncSessionNeededByteRangesCoversFullLastBlockPastFileLen(t *testing.T) {
	target := makeTarget(22, 5*16+3) // 83 bytes: 6 blocks, last one 3 bytes long
	session := newSessionForTest(t, target, 16, nil, false)
	defer session.Close()

	require.Equal(t, StatusEmpty, session.Status())
	ranges := session.NeededByteRanges()
	require.Len(t, ranges, 1)
	require.Equal(t, int64(0), ranges[0].Start)
	require.Equal(t, int64(6*16-1), ranges[0].End) // 95, past FileLen-1 (82)
}
