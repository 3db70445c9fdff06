// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

// SyncSession is the top-level state machine driving seed ingestion,
// remote-fetch, receive-path assembly, final verification and
// scratch-to-final promotion.
type SyncSession struct {
	State   *SessionState
	blocks  []BlockMeta
	known   *RangeSet
	index   *ChecksumIndex
	scratch *ScratchStore
	tempDir TempDir
	log     Logger
	clock   Clock

	seenSeeds map[string]bool

	// receive-path bookkeeping (spec section 4.7).
	outbuf    []byte
	outbufLen int
	outoffset int64 // -1 means "no pending partial block"

	urlsFailed map[string]bool
}

// BeginSession parses the control stream and constructs a session ready
// to ingest seeds, backed by a fresh ScratchStore under tempDir.
func BeginSession(control io.Reader, tempDir TempDir, log Logger) (*SyncSession, error) {
	if log == nil {
		log = NopLogger{}
	}
	state, blocks, err := (ControlParser{}).Parse(control)
	if err != nil {
		return nil, err
	}

	scratch, err := NewScratchStore(tempDir.Dir(), state.BlockSize)
	if err != nil {
		return nil, err
	}

	known := NewRangeSet()
	index := NewChecksumIndex(blocks, state.SeqMatches, state.RsumBytes)

	s := &SyncSession{
		State:      state,
		blocks:     blocks,
		known:      known,
		index:      index,
		scratch:    scratch,
		tempDir:    tempDir,
		log:        log,
		clock:      SystemClock{},
		seenSeeds:  map[string]bool{},
		outoffset:  -1,
		urlsFailed: map[string]bool{},
	}
	return s, nil
}

// Status reports EMPTY/PARTIAL/COMPLETE based on how many blocks are known.
func (s *SyncSession) Status() Status {
	n := s.known.Len()
	switch {
	case n == 0:
		return StatusEmpty
	case n >= s.State.BlockCount:
		return StatusComplete
	default:
		return StatusPartial
	}
}

// SubmitSeed feeds reader through the RollingMatcher. Duplicate seed paths
// (by string equality) are skipped. Seed I/O errors are recovered locally:
// logged and the session continues.
func (s *SyncSession) SubmitSeed(path string, r io.Reader) error {
	if path != "" {
		if s.seenSeeds[path] {
			s.log.Debugf("skipping duplicate seed %s", path)
			return nil
		}
		s.seenSeeds[path] = true
	}

	if !s.index.Built() {
		s.index.Build(s.known)
	}

	matcher := NewRollingMatcher(s.State, s.blocks, s.index, s.known, s.scratch, s.log)
	if err := matcher.Scan(r); err != nil {
		if errors.Is(err, ErrSeedIO) {
			s.log.Warnf("seed %s failed, skipping: %v", path, err)
			return nil
		}
		return err
	}
	s.log.Infof("seed %s ingested, %d/%d blocks known", path, s.known.Len(), s.State.BlockCount)
	return nil
}

// RenameScratch moves the scratch file to path (conventionally
// "<target>.part" once seed ingestion has run).
func (s *SyncSession) RenameScratch(path string) error {
	return s.scratch.Rename(path)
}

// NeededByteRanges returns the RangeSet complement within
// [0, block_count-1], translated into closed target byte ranges. The last
// range may extend past FileLen for a non-block-aligned target; Complete
// truncates the scratch file to the exact length afterward, so the excess
// bytes are harmless and are never a factor in the offsets seeds/mirrors
// address.
func (s *SyncSession) NeededByteRanges() []ByteRange {
	gaps := s.known.Complement(0, s.State.BlockCount-1)
	ranges := make([]ByteRange, 0, len(gaps))
	for _, g := range gaps {
		start := g.Lo * s.State.BlockSize
		end := (g.Hi+1)*s.State.BlockSize - 1
		ranges = append(ranges, ByteRange{Start: start, End: end})
	}
	return ranges
}

// ReceiveBytes implements the three-phase receive path of spec section
// 4.7: it completes any pending partial block from a previous call, then
// consumes full blocks directly, then stashes a new trailing partial
// block for the next call. A zero-length call at the correct offset
// flushes a pending partial block by zero-padding it.
func (s *SyncSession) ReceiveBytes(chunkOffset int64, chunk []byte) error {
	bs := s.State.BlockSize

	if len(chunk) == 0 {
		if s.outoffset >= 0 && s.outoffset == chunkOffset && s.outbufLen > 0 {
			padded := make([]byte, bs)
			copy(padded, s.outbuf[:s.outbufLen])
			bid := BlockID(s.outoffset / bs)
			if err := s.submit(padded, bid, bid); err != nil {
				return err
			}
			s.outbufLen = 0
			s.outoffset = -1
		}
		return nil
	}

	pos := chunkOffset
	data := chunk

	// Phase 1: complete a pending partial block if this chunk continues
	// directly from where the previous call left off.
	if pos%bs != 0 && s.outoffset == pos && s.outbufLen > 0 {
		need := int(bs) - s.outbufLen
		if need > len(data) {
			need = len(data)
		}
		s.outbuf = append(s.outbuf[:s.outbufLen], data[:need]...)
		s.outbufLen += need
		data = data[need:]
		pos += int64(need)

		if s.outbufLen == int(bs) {
			bid := BlockID((pos - bs) / bs)
			if err := s.submit(s.outbuf[:bs], bid, bid); err != nil {
				return err
			}
			s.outbufLen = 0
			s.outoffset = -1
		} else {
			s.outoffset = pos
		}
	}

	// Phase 2: consume all full blocks directly.
	for int64(len(data)) >= bs && pos%bs == 0 {
		bid := BlockID(pos / bs)
		if err := s.submit(data[:bs], bid, bid); err != nil {
			return err
		}
		data = data[bs:]
		pos += bs
	}

	// Phase 3: stash any tail shorter than a full block for the next call.
	if len(data) > 0 {
		if s.outbuf == nil {
			s.outbuf = make([]byte, bs)
		}
		s.outbufLen = copy(s.outbuf, data)
		s.outoffset = pos + int64(len(data))
	}

	return nil
}

// submit verifies every block's strong sum against BlockMeta before
// writing; on the first mismatch it writes any already-verified prefix
// and returns ErrCorruptRemoteBlock so the caller can re-request the
// remainder from another mirror.
func (s *SyncSession) submit(buf []byte, lo, hi BlockID) error {
	for b := lo; b <= hi; b++ {
		off := (int64(b) - int64(lo)) * s.State.BlockSize
		block := buf[off : off+s.State.BlockSize]
		got := StrongSumOf(block, s.State.ChecksumLen)
		if !bytes.Equal(got, s.blocks[b].Strong) {
			if b > lo {
				if err := s.scratch.WriteBlocks(lo, b-1, buf[:off]); err != nil {
					return err
				}
				for w := lo; w < b; w++ {
					s.index.Remove(int64(w))
					s.known.Insert(int64(w))
				}
			}
			return errors.Wrapf(ErrCorruptRemoteBlock, "block %d strong checksum mismatch", b)
		}
	}

	if err := s.scratch.WriteBlocks(lo, hi, buf); err != nil {
		return err
	}
	for b := lo; b <= hi; b++ {
		s.index.Remove(int64(b))
		s.known.Insert(int64(b))
	}
	return nil
}

// Complete truncates the scratch file to the exact target length and, if
// a whole-file SHA-1 was present in the control file, verifies it.
func (s *SyncSession) Complete() (CompletionResult, error) {
	if err := s.scratch.Truncate(s.State.FileLen); err != nil {
		return ResultCorrupt, err
	}
	if s.State.SHA1 == "" {
		return ResultUnchecked, nil
	}

	got, err := s.wholeFileSHA1()
	if err != nil {
		return ResultCorrupt, err
	}
	if got != s.State.SHA1 {
		return ResultCorrupt, errors.Wrapf(ErrFinalChecksumMismatch, "got %s want %s", got, s.State.SHA1)
	}
	return ResultVerified, nil
}

func (s *SyncSession) wholeFileSHA1() (string, error) {
	f, err := os.Open(s.scratch.Path())
	if err != nil {
		return "", errors.Wrapf(ErrScratchIO, "opening scratch for verification: %v", err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(ErrScratchIO, "hashing scratch: %v", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Finalize backs up any pre-existing target (preferring a hard link so
// the backup is cheap, falling back to a rename), moves the scratch file
// into place, and restores mtime if the control file supplied one.
func (s *SyncSession) Finalize(targetPath string) error {
	if _, err := os.Stat(targetPath); err == nil {
		backup := targetPath + ".zs-old"
		os.Remove(backup)
		if err := os.Link(targetPath, backup); err != nil {
			if err := os.Rename(targetPath, backup); err != nil {
				return errors.Wrapf(ErrScratchIO, "backing up existing %s: %v", targetPath, err)
			}
		} else {
			if err := os.Remove(targetPath); err != nil {
				return errors.Wrapf(ErrScratchIO, "removing %s after hard-link backup: %v", targetPath, err)
			}
		}
	}

	if err := s.scratch.Rename(targetPath); err != nil {
		return err
	}
	s.scratch.Detach()

	if s.State.HasMTime {
		if err := os.Chtimes(targetPath, s.State.MTime, s.State.MTime); err != nil {
			return errors.Wrapf(ErrScratchIO, "restoring mtime on %s: %v", targetPath, err)
		}
	}
	return nil
}

// MarkURLFailed blacklists a mirror for the remainder of this session.
func (s *SyncSession) MarkURLFailed(url string) {
	s.urlsFailed[url] = true
}

// LiveURLs returns the URLs not yet blacklisted by MarkURLFailed.
func (s *SyncSession) LiveURLs() []string {
	var live []string
	for _, u := range s.State.URLs {
		if !s.urlsFailed[u] {
			live = append(live, u)
		}
	}
	return live
}

// Close releases the scratch store without promoting it (used on error
// paths so the caller isn't left holding an open file handle).
func (s *SyncSession) Close() error {
	return s.scratch.Release()
}
