// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// ScratchStore is a fixed-block-size, random-access byte store backed by a
// temporary file. Writes are synchronous with respect to subsequent reads
// in this process; holes left by out-of-order writes are permitted and
// closed by a final Truncate to the exact target length.
type ScratchStore struct {
	f         *os.File
	path      string
	blockSize int64
	detached  bool
}

// NewScratchStore creates a temporary file in dir (name pattern includes a
// random suffix, courtesy of os.CreateTemp) sized for blocks of blockSize
// bytes.
func NewScratchStore(dir string, blockSize int64) (*ScratchStore, error) {
	f, err := os.CreateTemp(dir, "zsync-*.part")
	if err != nil {
		return nil, errors.Wrapf(ErrScratchIO, "creating scratch file: %v", err)
	}
	return &ScratchStore{f: f, path: f.Name(), blockSize: blockSize}, nil
}

// Path reports the current on-disk path of the scratch file.
func (s *ScratchStore) Path() string { return s.path }

// WriteBlocks writes data (whose length must equal (hi-lo+1)*blockSize) as
// blocks [lo, hi] at their block-aligned offsets.
func (s *ScratchStore) WriteBlocks(lo, hi BlockID, data []byte) error {
	want := (int64(hi) - int64(lo) + 1) * s.blockSize
	if int64(len(data)) != want {
		return errors.Wrapf(ErrScratchIO, "write_blocks: expected %d bytes, got %d", want, len(data))
	}
	return s.WriteBytes(int64(lo)*s.blockSize, data)
}

// WriteBytes writes data at an arbitrary (not necessarily block-aligned)
// byte offset. Writes beyond current EOF are allowed and leave a hole.
func (s *ScratchStore) WriteBytes(offset int64, data []byte) error {
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return errors.Wrapf(ErrScratchIO, "write at offset %d: %v", offset, err)
	}
	return nil
}

// ReadBytes reads length bytes starting at offset. A short final read (EOF
// inside the requested range) is not an error; the returned slice is
// shorter than length.
func (s *ScratchStore) ReadBytes(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(ErrScratchIO, "read at offset %d: %v", offset, err)
	}
	return buf[:n], nil
}

// ReadBlock reads exactly blockSize bytes for block id (zero-padded past
// EOF), used when computing a block's strong checksum for verification.
func (s *ScratchStore) ReadBlock(id BlockID) ([]byte, error) {
	buf, err := s.ReadBytes(int64(id)*s.blockSize, s.blockSize)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) < s.blockSize {
		padded := make([]byte, s.blockSize)
		copy(padded, buf)
		buf = padded
	}
	return buf, nil
}

// Truncate sets the scratch file to exactly length bytes.
func (s *ScratchStore) Truncate(length int64) error {
	if err := s.f.Truncate(length); err != nil {
		return errors.Wrapf(ErrScratchIO, "truncate to %d: %v", length, err)
	}
	return nil
}

// Rename moves the scratch file to newPath, updating the tracked path.
func (s *ScratchStore) Rename(newPath string) error {
	if err := os.Rename(s.path, newPath); err != nil {
		return errors.Wrapf(ErrScratchIO, "rename to %s: %v", newPath, err)
	}
	s.path = newPath
	return nil
}

// Detach hands ownership of the underlying file to the caller: Release
// becomes a no-op with respect to unlinking.
func (s *ScratchStore) Detach() {
	s.detached = true
}

// Release closes the file handle and, unless Detach was called first,
// unlinks the scratch file from disk.
func (s *ScratchStore) Release() error {
	err := s.f.Close()
	if !s.detached {
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	if err != nil {
		return errors.Wrapf(ErrScratchIO, "release: %v", err)
	}
	return nil
}
