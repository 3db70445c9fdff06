// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bufio"
	"encoding/hex"
	"io"
	"math/bits"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ourVersion is compared against Min-Version; our zsync-protocol compat.
const ourVersion = "0.6.2"

// rejectedVersion is a zsync version explicitly refused by the protocol.
const rejectedVersion = "0.0.4"

// unsupportedHeaders name the compressed-stream variants this core
// deliberately does not implement (spec.md "Out of scope").
var unsupportedHeaders = map[string]bool{
	"z-filename": true,
	"z-url":      true,
	"z-map2":     true,
	"recompress": true,
}

var knownHeaders = map[string]bool{
	"zsync":        true,
	"min-version":  true,
	"length":       true,
	"filename":     true,
	"url":          true,
	"blocksize":    true,
	"hash-lengths": true,
	"sha-1":        true,
	"mtime":        true,
	"safe":         true,
}

// ControlParser reads the zsync control-file header and its trailing
// per-block checksum table.
type ControlParser struct{}

// Parse reads header lines until a blank line, validates and interprets
// them into a SessionState, then reads the binary checksum table.
func (ControlParser) Parse(r io.Reader) (*SessionState, []BlockMeta, error) {
	br := bufio.NewReader(r)

	headers := map[string][]string{}
	safe := map[string]bool{}

	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, nil, errors.Wrapf(ErrControlFileMalformed, "reading header: %v", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		idx := strings.Index(trimmed, ":")
		if idx < 0 {
			return nil, nil, errors.Wrapf(ErrControlFileMalformed, "malformed header line %q", trimmed)
		}
		key := strings.TrimSpace(trimmed[:idx])
		val := strings.TrimSpace(trimmed[idx+1:])
		lk := strings.ToLower(key)

		if lk == "safe" {
			for _, s := range strings.Split(val, ",") {
				safe[strings.ToLower(strings.TrimSpace(s))] = true
			}
		}

		if unsupportedHeaders[lk] {
			return nil, nil, errors.Wrapf(ErrControlFileMalformed, "unsupported header %q: compressed streams are out of scope", key)
		}
		if !knownHeaders[lk] && !safe[lk] {
			return nil, nil, errors.Wrapf(ErrControlFileMalformed, "unrecognized header %q", key)
		}

		headers[lk] = append(headers[lk], val)

		if err == io.EOF {
			break
		}
	}

	state, err := interpretHeaders(headers)
	if err != nil {
		return nil, nil, err
	}

	recordSize := state.RsumBytes + state.ChecksumLen
	table := make([]byte, state.BlockCount*int64(recordSize))
	n, err := io.ReadFull(br, table)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, errors.Wrapf(ErrScratchIO, "reading checksum table: %v", err)
	}
	if int64(n) != int64(len(table)) {
		return nil, nil, errors.Wrapf(ErrBlockMetaTruncated, "expected %d bytes, got %d", len(table), n)
	}

	return decodeBlocks(state, table)
}

func interpretHeaders(headers map[string][]string) (*SessionState, error) {
	get := func(k string) (string, bool) {
		v, ok := headers[k]
		if !ok || len(v) == 0 {
			return "", false
		}
		return v[0], true
	}

	if v, ok := get("zsync"); ok && v == rejectedVersion {
		return nil, errors.Wrapf(ErrControlFileMalformed, "rejected zsync version %q", v)
	}
	if v, ok := get("min-version"); ok {
		if v > ourVersion {
			return nil, errors.Wrapf(ErrControlFileMalformed, "control file requires zsync >= %s, we implement %s", v, ourVersion)
		}
	}

	lengthStr, ok := get("length")
	if !ok {
		return nil, errors.Wrapf(ErrControlFileMalformed, "missing Length header")
	}
	length, err := strconv.ParseInt(lengthStr, 10, 64)
	if err != nil || length <= 0 {
		return nil, errors.Wrapf(ErrControlFileMalformed, "invalid Length %q", lengthStr)
	}

	blocksizeStr, ok := get("blocksize")
	if !ok {
		return nil, errors.Wrapf(ErrControlFileMalformed, "missing Blocksize header")
	}
	blocksize, err := strconv.ParseInt(blocksizeStr, 10, 64)
	if err != nil || blocksize <= 0 || bits.OnesCount64(uint64(blocksize)) != 1 {
		return nil, errors.Wrapf(ErrControlFileMalformed, "invalid Blocksize %q: must be a positive power of two", blocksizeStr)
	}

	seqMatches, rsumBytes, checksumLen := 2, 4, 8
	if v, ok := get("hash-lengths"); ok {
		parts := strings.Split(v, ",")
		if len(parts) != 3 {
			return nil, errors.Wrapf(ErrControlFileMalformed, "invalid Hash-Lengths %q", v)
		}
		nums := make([]int, 3)
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, errors.Wrapf(ErrControlFileMalformed, "invalid Hash-Lengths %q", v)
			}
			nums[i] = n
		}
		seqMatches, rsumBytes, checksumLen = nums[0], nums[1], nums[2]
		if seqMatches < 1 || seqMatches > 2 {
			return nil, errors.Wrapf(ErrControlFileMalformed, "seq_matches %d out of range [1,2]", seqMatches)
		}
		if rsumBytes < 1 || rsumBytes > 4 {
			return nil, errors.Wrapf(ErrControlFileMalformed, "rsum_bytes %d out of range [1,4]", rsumBytes)
		}
		if checksumLen < 3 || checksumLen > 16 {
			return nil, errors.Wrapf(ErrControlFileMalformed, "checksum_bytes %d out of range [3,16]", checksumLen)
		}
	}

	filename, _ := get("filename")
	if strings.Contains(filename, "/") {
		return nil, errors.Wrapf(ErrControlFileMalformed, "Filename %q must not contain '/'", filename)
	}

	var sha1 string
	if v, ok := get("sha-1"); ok {
		if len(v) != 40 {
			return nil, errors.Wrapf(ErrControlFileMalformed, "SHA-1 must be 40 hex chars, got %d", len(v))
		}
		if _, err := hex.DecodeString(v); err != nil {
			return nil, errors.Wrapf(ErrControlFileMalformed, "SHA-1 %q is not valid hex", v)
		}
		sha1 = strings.ToLower(v)
	}

	var mtime time.Time
	hasMTime := false
	if v, ok := get("mtime"); ok {
		t, err := mail.ParseDate(v)
		if err != nil {
			t2, err2 := time.Parse(time.RFC1123Z, v)
			if err2 != nil {
				return nil, errors.Wrapf(ErrControlFileMalformed, "invalid MTime %q", v)
			}
			t = t2
		}
		mtime = t
		hasMTime = true
	}

	blockCount := (length + blocksize - 1) / blocksize

	return &SessionState{
		FileLen:     length,
		BlockCount:  blockCount,
		BlockSize:   blocksize,
		BlockShift:  uint(bits.TrailingZeros64(uint64(blocksize))),
		RsumBytes:   rsumBytes,
		ChecksumLen: checksumLen,
		SeqMatches:  seqMatches,
		Context:     blocksize * int64(seqMatches),
		URLs:        headers["url"],
		SHA1:        sha1,
		MTime:       mtime,
		HasMTime:    hasMTime,
		Filename:    filename,
	}, nil
}

// decodeBlocks unpacks the binary checksum table into per-block weak and
// strong sums. Each record is rsum_bytes network-order bytes forming the
// low bytes of (A,B) followed by checksum_bytes strong-hash bytes.
func decodeBlocks(state *SessionState, table []byte) (*SessionState, []BlockMeta, error) {
	recordSize := state.RsumBytes + state.ChecksumLen
	blocks := make([]BlockMeta, state.BlockCount)

	for i := int64(0); i < state.BlockCount; i++ {
		off := i * int64(recordSize)
		rec := table[off : off+int64(recordSize)]

		w := decodeWeakSum(rec[:state.RsumBytes], state.RsumBytes)
		strong := make([]byte, state.ChecksumLen)
		copy(strong, rec[state.RsumBytes:])

		blocks[i] = BlockMeta{Weak: w, Strong: strong, Next: noBlock}
	}

	return state, blocks, nil
}

// decodeWeakSum reconstructs (A,B) from the wire's rsumBytes-byte
// truncated big-endian encoding: a full record is 4 bytes forming two
// 16-bit big-endian halves (A, B); only the low rsumBytes bytes of that
// 4-byte quantity are actually present on the wire, right-aligned into B
// first, then spilling into the low byte of A.
func decodeWeakSum(raw []byte, rsumBytes int) WeakSum {
	full := make([]byte, 4)
	copy(full[4-rsumBytes:], raw)
	return WeakSum{
		A: uint16(full[0])<<8 | uint16(full[1]),
		B: uint16(full[2])<<8 | uint16(full[3]),
	}
}
