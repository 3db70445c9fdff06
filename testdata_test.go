// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// buildControlFile constructs a minimal zsync control file (header +
// binary checksum table) for target, mirroring the wire format decoded by
// ControlParser, so tests can exercise the parser and the rest of the
// pipeline without a real zsync server.
func buildControlFile(target []byte, blockSize int64, seqMatches, rsumBytes, checksumBytes int, urls []string, includeSHA1 bool) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "zsync: 0.6.2\n")
	fmt.Fprintf(&buf, "Length: %d\n", len(target))
	fmt.Fprintf(&buf, "Blocksize: %d\n", blockSize)
	fmt.Fprintf(&buf, "Hash-Lengths: %d,%d,%d\n", seqMatches, rsumBytes, checksumBytes)
	for _, u := range urls {
		fmt.Fprintf(&buf, "URL: %s\n", u)
	}
	if includeSHA1 {
		h := sha1.Sum(target)
		fmt.Fprintf(&buf, "SHA-1: %s\n", hex.EncodeToString(h[:]))
	}
	buf.WriteString("\n")

	blockCount := (int64(len(target)) + blockSize - 1) / blockSize
	for i := int64(0); i < blockCount; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > int64(len(target)) {
			end = int64(len(target))
		}
		block := make([]byte, blockSize)
		copy(block, target[start:end])

		w := WeakSumOf(block, blockSize)
		buf.Write(encodeWeakSumForTest(w, rsumBytes))
		buf.Write(StrongSumOf(block, checksumBytes))
	}

	return buf.Bytes()
}

// encodeWeakSumForTest is the inverse of decodeWeakSum: it writes the low
// rsumBytes bytes of (A,B), so any higher bytes it drops decode as zero.
func encodeWeakSumForTest(w WeakSum, rsumBytes int) []byte {
	full := []byte{byte(w.A >> 8), byte(w.A), byte(w.B >> 8), byte(w.B)}
	return full[4-rsumBytes:]
}

type fakeTempDir struct {
	dir string
}

func (f fakeTempDir) Dir() string    { return f.dir }
func (f fakeTempDir) Cleanup() error { return nil }
